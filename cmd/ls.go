// cmd/ls.go

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/shicheng0829/torchsnapshot/pkg/meta"
)

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func lsFlags() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list the snapshots recorded in a catalog",
		ArgsUsage: "META-URL",
		Action:    ls,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "show only the snapshot with this id",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print as JSON",
			},
		},
	}
}

func ls(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("META-URL is needed")
	}
	catalog, err := meta.NewClient(c.Args().Get(0), &meta.Config{Retries: 10})
	if err != nil {
		return err
	}
	ctx := context.Background()

	if id := c.String("id"); id != "" {
		info, err := catalog.Get(ctx, id)
		if err != nil {
			return err
		}
		printJson(info)
		return nil
	}

	infos, err := catalog.List(ctx)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		printJson(infos)
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s  %-16s  %5d entries  %4d slabs  %10s  %s %s\n",
			info.ID, humanize.Time(info.Created), info.Entries, info.Slabs,
			humanize.IBytes(uint64(info.Bytes)), info.Storage, info.Path)
	}
	return nil
}
