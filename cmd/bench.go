// cmd/bench.go

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/meta"
	"github.com/shicheng0829/torchsnapshot/pkg/object"
	"github.com/shicheng0829/torchsnapshot/pkg/snapshot"
	"github.com/shicheng0829/torchsnapshot/pkg/tensor"
	"github.com/shicheng0829/torchsnapshot/pkg/utils"
	"github.com/shicheng0829/torchsnapshot/pkg/version"
)

func benchFlags() *cli.Command {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:  "count",
			Value: 1000,
			Usage: "number of tensors",
		},
		&cli.StringFlag{
			Name:  "size",
			Value: "64K",
			Usage: "size of each tensor",
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "path of the snapshot inside the bucket (default: bench/<random>)",
		},
		&cli.StringFlag{
			Name:  "slab-threshold",
			Usage: "slab size threshold (default: " + humanize.IBytes(uint64(knobs.DefaultSlabSizeThresholdBytes)) + ")",
		},
		&cli.StringFlag{
			Name:  "max-chunk-size",
			Usage: "size above which a tensor is split into chunks",
		},
		&cli.StringFlag{
			Name:  "memory-budget",
			Usage: "memory budget for staging and consuming buffers",
		},
		&cli.IntFlag{
			Name:    "threads",
			Aliases: []string{"p"},
			Usage:   "number of concurrent I/O requests",
		},
		&cli.BoolFlag{
			Name:  "no-batching",
			Usage: "write and read every tensor on its own",
		},
		&cli.BoolFlag{
			Name:  "keep",
			Usage: "keep the snapshot after the benchmark (implied by --meta)",
		},
		&cli.StringFlag{
			Name:  "meta",
			Usage: "record the snapshot in the catalog at this META-URL",
		},
	}
	return &cli.Command{
		Name:   "bench",
		Usage:  "take and restore a snapshot of synthetic tensors",
		Action: bench,
		Flags:  append(flags, storageFlags()...),
	}
}

func parseBytes(c *cli.Context, name string, dst *int64) {
	if !c.IsSet(name) {
		return
	}
	n, err := humanize.ParseBytes(c.String(name))
	if err != nil || n == 0 {
		logger.Fatalf("invalid --%s %q: %v", name, c.String(name), err)
	}
	*dst = int64(n)
}

func benchConfig(c *cli.Context) knobs.Config {
	cfg, err := knobs.FromEnv()
	if err != nil {
		logger.Fatalf("%s", err)
	}
	parseBytes(c, "slab-threshold", &cfg.SlabSizeThresholdBytes)
	parseBytes(c, "max-chunk-size", &cfg.MaxChunkSizeBytes)
	parseBytes(c, "memory-budget", &cfg.MemoryBudgetBytes)
	if c.IsSet("threads") {
		cfg.MaxPerRankIOConcurrency = c.Int("threads")
	}
	if c.Bool("no-batching") {
		cfg.DisableBatching = true
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatalf("%s", err)
	}
	return cfg
}

func benchState(count int, size int64) (snapshot.AppState, snapshot.AppState) {
	state := make(snapshot.AppState, count)
	restored := make(snapshot.AppState, count)
	for i := 0; i < count; i++ {
		p := fmt.Sprintf("model/layer_%d/weight", i)
		src, err := tensor.New(dtypes.Uint8, int(size))
		if err != nil {
			logger.Fatalf("%s", err)
		}
		_, _ = rand.Read(src.Bytes())
		dst, _ := tensor.New(dtypes.Uint8, int(size))
		state[p], restored[p] = src, dst
	}
	return state, restored
}

func removeSnapshot(blob object.ObjectStorage, path string, snap *snapshot.Snapshot) {
	keys := map[string]bool{}
	for _, e := range snap.Manifest() {
		for _, loc := range locations(e) {
			keys[loc] = true
		}
	}
	for k := range keys {
		if err := blob.Delete(path + "/" + k); err != nil {
			logger.Warnf("delete %s: %s", k, err)
		}
	}
	if err := blob.Delete(path + "/" + snapshot.MetadataKey); err != nil {
		logger.Warnf("delete %s: %s", snapshot.MetadataKey, err)
	}
}

func bench(c *cli.Context) error {
	cfg := benchConfig(c)
	count := c.Int("count")
	n, err := humanize.ParseBytes(c.String("size"))
	if err != nil {
		return fmt.Errorf("invalid --size %q: %s", c.String("size"), err)
	}
	size := int64(n)
	if count <= 0 || size <= 0 {
		return fmt.Errorf("count and size must be positive")
	}

	blob, err := createStorage(c)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	if err = object.Check(blob); err != nil {
		logger.Fatalf("Storage %s is not configured correctly: %s", blob, err)
	}
	path := c.String("path")
	if path == "" {
		path = "bench/" + uuid.New().String()
	}

	state, restored := benchState(count, size)
	var opts []snapshot.Option
	if c.Bool("quiet") {
		opts = append(opts, snapshot.Quiet())
	}
	ctx := context.Background()
	ru := utils.GetRusage()
	start := time.Now()
	snap, err := snapshot.Take(ctx, path, blob, state, cfg, opts...)
	if err != nil {
		logger.Fatalf("take snapshot: %s", err)
	}
	taken := time.Since(start)

	readReport, err := snap.RestoreWithReport(ctx, restored)
	if err != nil {
		logger.Fatalf("restore snapshot: %s", err)
	}
	for p, v := range state {
		if !bytes.Equal(v.(*tensor.Tensor).Bytes(), restored[p].(*tensor.Tensor).Bytes()) {
			logger.Fatalf("restored %s does not match", p)
		}
	}

	write := snap.Report()
	fmt.Printf("Snapshot:  %s at %s\n", path, blob)
	fmt.Printf("Tensors:   %d x %s = %s\n", count, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(size)*uint64(count)))
	fmt.Printf("Batching:  %d write requests -> %d (%d slabs), %d read requests -> %d\n",
		write.Requests, write.Executed, write.Slabs, readReport.Requests, readReport.Executed)
	fmt.Printf("Write:     %s\n", write.IO)
	fmt.Printf("Read:      %s\n", readReport.IO)
	fmt.Printf("Take:      %s, total %s, CPU %s\n",
		taken.Round(time.Millisecond), time.Since(start).Round(time.Millisecond), utils.GetRusage().CPUSince(ru))

	if url := c.String("meta"); url != "" {
		catalog, err := meta.NewClient(url, &meta.Config{Retries: 2})
		if err != nil {
			logger.Fatalf("catalog: %s", err)
		}
		info := &meta.Info{
			Path:     path,
			Storage:  blob.String(),
			Version:  version.Short(),
			Entries:  len(state),
			Requests: write.Executed,
			Slabs:    write.Slabs,
			Bytes:    write.IO.Bytes,
		}
		if err = catalog.Record(ctx, info); err != nil {
			logger.Fatalf("record snapshot: %s", err)
		}
		logger.Infof("Recorded snapshot %s in %s", info.ID, catalog.Name())
	}
	if !c.Bool("keep") && c.String("meta") == "" {
		removeSnapshot(blob, path, snap)
	}
	return nil
}
