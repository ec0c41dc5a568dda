// cmd/inspect.go

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/shicheng0829/torchsnapshot/pkg/batch"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/snapshot"
)

func inspectFlags() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "show the manifest of a snapshot",
		ArgsUsage: "PATH",
		Action:    inspect,
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:    "summary",
				Aliases: []string{"s"},
				Usage:   "show how entries are laid out in objects instead of the manifest",
			},
		}, storageFlags()...),
	}
}

// locations returns the objects holding the tensors or value of e.
func locations(e manifest.Entry) []string {
	if o, ok := e.(*manifest.ObjectEntry); ok {
		return []string{o.Location}
	}
	var locs []string
	for _, t := range manifest.TensorEntries(e) {
		locs = append(locs, t.Location)
	}
	return locs
}

type objectUsage struct {
	location string
	entries  int
	bytes    int64
}

func summarize(m manifest.Manifest) []*objectUsage {
	usage := make(map[string]*objectUsage)
	add := func(loc string, n int64) {
		u, ok := usage[loc]
		if !ok {
			u = &objectUsage{location: loc}
			usage[loc] = u
		}
		u.entries++
		u.bytes += n
	}
	for _, e := range m {
		if o, ok := e.(*manifest.ObjectEntry); ok {
			add(o.Location, 0)
			continue
		}
		for _, t := range manifest.TensorEntries(e) {
			n, _ := t.SizeBytes()
			if t.ByteRange != nil {
				n = t.ByteRange.Len()
			}
			add(t.Location, n)
		}
	}
	out := make([]*objectUsage, 0, len(usage))
	for _, u := range usage {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].location < out[j].location })
	return out
}

func inspect(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("PATH is needed")
	}
	path := c.Args().Get(0)
	blob, err := createStorage(c)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	snap, err := snapshot.Open(context.Background(), path, blob)
	if err != nil {
		return err
	}

	if !c.Bool("summary") {
		data, err := manifest.MarshalMetadata(snap.Metadata())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	usage := summarize(snap.Manifest())
	var slabs, relocated int
	for _, u := range usage {
		if strings.HasPrefix(u.location, batch.SlabPrefix+"/") {
			slabs++
			relocated += u.entries
		}
	}
	fmt.Printf("%d entries in %d objects, %d tensors in %d slabs\n",
		len(snap.Manifest()), len(usage), relocated, slabs)
	for _, u := range usage {
		size := "-"
		if u.bytes > 0 {
			size = humanize.IBytes(uint64(u.bytes))
		}
		fmt.Printf("%-60s %6d %10s\n", u.location, u.entries, size)
	}
	return nil
}
