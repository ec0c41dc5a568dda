// pkg/scheduler/scheduler.go

// Package scheduler executes write and read requests against an object storage with bounded
// concurrency and a bounded amount of staged memory.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/object"
	"github.com/shicheng0829/torchsnapshot/pkg/utils"
)

var logger = utils.GetLogger("snapshot")

// ErrShortRead is returned when storage returns fewer bytes than a ranged read asked for.
var ErrShortRead = errors.New("short read")

type Options struct {
	Concurrency       int
	MemoryBudgetBytes int64
	// Quiet hides the progress bar.
	Quiet bool
}

// OptionsFrom takes the limits from cfg.
func OptionsFrom(cfg knobs.Config, quiet bool) Options {
	return Options{
		Concurrency:       cfg.MaxPerRankIOConcurrency,
		MemoryBudgetBytes: cfg.MemoryBudgetBytes,
		Quiet:             quiet,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = knobs.DefaultMaxPerRankIOConcurrency
	}
	if o.MemoryBudgetBytes <= 0 {
		o.MemoryBudgetBytes = knobs.DefaultMemoryBudgetBytes
	}
	return o
}

// Stats summarizes one execution.
type Stats struct {
	Requests int
	Bytes    int64
	Duration time.Duration
}

func (s Stats) String() string {
	rate := float64(s.Bytes) / max(s.Duration.Seconds(), 1e-9)
	return fmt.Sprintf("%d requests, %s in %s (%s/s)",
		s.Requests, humanize.IBytes(uint64(s.Bytes)), s.Duration.Round(time.Millisecond), humanize.IBytes(uint64(rate)))
}

type executor struct {
	opts     Options
	budget   *semaphore.Weighted
	progress *mpb.Progress
	bar      *mpb.Bar
	bytes    atomic.Int64
	start    time.Time
}

func newExecutor(title string, n int, opts Options) *executor {
	opts = opts.withDefaults()
	progress, bar := utils.NewDynProgressBar(title, opts.Quiet)
	bar.SetTotal(int64(n), false)
	return &executor{
		opts:     opts,
		budget:   semaphore.NewWeighted(opts.MemoryBudgetBytes),
		progress: progress,
		bar:      bar,
		start:    time.Now(),
	}
}

// acquire reserves cost bytes of the budget. A request costlier than the whole budget
// takes all of it and runs alone.
func (e *executor) acquire(ctx context.Context, cost int64) (int64, error) {
	cost = utils.Min(utils.Max(cost, 0), e.opts.MemoryBudgetBytes)
	if err := e.budget.Acquire(ctx, cost); err != nil {
		return 0, err
	}
	return cost, nil
}

func (e *executor) done(n int) Stats {
	e.bar.SetTotal(-1, true)
	e.progress.Wait()
	return Stats{Requests: n, Bytes: e.bytes.Load(), Duration: time.Since(e.start)}
}

// ExecuteWriteReqs stages every request and writes the buffer to storage. The first failure
// cancels the requests still running and is returned once all of them have stopped.
func ExecuteWriteReqs(ctx context.Context, storage object.ObjectStorage, reqs []*ioreq.WriteReq, opts Options) (Stats, error) {
	e := newExecutor("Writing: ", len(reqs), opts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, wr := range reqs {
		g.Go(func() error {
			cost, err := e.acquire(gctx, wr.BufferStager.StagingCostBytes())
			if err != nil {
				return err
			}
			defer e.budget.Release(cost)
			buf, err := wr.BufferStager.StageBuffer(gctx)
			if err != nil {
				return errors.WithMessagef(err, "stage %s", wr.Path)
			}
			if err = storage.Put(wr.Path, bytes.NewReader(buf)); err != nil {
				return errors.WithMessagef(err, "write %s", wr.Path)
			}
			e.bytes.Add(int64(len(buf)))
			e.bar.Increment()
			return nil
		})
	}
	err := g.Wait()
	stats := e.done(len(reqs))
	if err != nil {
		return stats, err
	}
	logger.Infof("Wrote %s to %s", stats, storage)
	return stats, nil
}

func (e *executor) read(storage object.ObjectStorage, rr *ioreq.ReadReq) ([]byte, error) {
	off, limit := int64(0), int64(-1)
	if rr.ByteRange != nil {
		off, limit = rr.ByteRange.Lower, rr.ByteRange.Len()
	}
	r, err := storage.Get(rr.Path, off, limit)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if rr.ByteRange != nil && int64(len(buf)) != limit {
		return nil, errors.Wrapf(ErrShortRead, "%s %s: got %d bytes", rr.Path, rr.ByteRange, len(buf))
	}
	return buf, nil
}

// ExecuteReadReqs reads every request from storage and hands the bytes to its consumer.
func ExecuteReadReqs(ctx context.Context, storage object.ObjectStorage, reqs []*ioreq.ReadReq, opts Options) (Stats, error) {
	e := newExecutor("Reading: ", len(reqs), opts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, rr := range reqs {
		g.Go(func() error {
			cost := rr.BufferConsumer.ConsumingCostBytes()
			if rr.ByteRange != nil {
				cost = utils.Max(cost, rr.ByteRange.Len())
			}
			cost, err := e.acquire(gctx, cost)
			if err != nil {
				return err
			}
			defer e.budget.Release(cost)
			buf, err := e.read(storage, rr)
			if err != nil {
				return errors.WithMessagef(err, "read %s", rr.Path)
			}
			if err = rr.BufferConsumer.ConsumeBuffer(gctx, buf); err != nil {
				return errors.WithMessagef(err, "consume %s", rr.Path)
			}
			e.bytes.Add(int64(len(buf)))
			e.bar.Increment()
			return nil
		})
	}
	err := g.Wait()
	stats := e.done(len(reqs))
	if err != nil {
		return stats, err
	}
	logger.Infof("Read %s from %s", stats, storage)
	return stats, nil
}
