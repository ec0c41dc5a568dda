// cmd/storage.go

package main

import (
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/shicheng0829/torchsnapshot/pkg/object"
)

func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "storage",
			Value: "file",
			Usage: "object storage type (" + strings.Join(object.Backends(), ", ") + ")",
		},
		&cli.StringFlag{
			Name:  "bucket",
			Value: ".",
			Usage: "the bucket to store snapshots, a directory for file storage",
		},
		&cli.Int64Flag{
			Name:  "upload-limit",
			Usage: "bandwidth limit for upload in Mbps",
		},
		&cli.Int64Flag{
			Name:  "download-limit",
			Usage: "bandwidth limit for download in Mbps",
		},
	}
}

func createStorage(c *cli.Context) (object.ObjectStorage, error) {
	blob, err := object.CreateStorage(strings.ToLower(c.String("storage")), c.String("bucket"))
	if err != nil {
		return nil, err
	}
	// Mbps to bytes per second
	blob = object.NewLimited(blob, c.Int64("upload-limit")*1e6/8, c.Int64("download-limit")*1e6/8)
	logger.Debugf("Data uses %s", blob)
	return blob, nil
}
