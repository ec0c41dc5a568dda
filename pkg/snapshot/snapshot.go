// pkg/snapshot/snapshot.go

// Package snapshot takes and restores snapshots of an application state: a set of tensors
// and values addressed by logical path.
package snapshot

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/batch"
	"github.com/shicheng0829/torchsnapshot/pkg/ioprep"
	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/object"
	"github.com/shicheng0829/torchsnapshot/pkg/scheduler"
	"github.com/shicheng0829/torchsnapshot/pkg/tensor"
	"github.com/shicheng0829/torchsnapshot/pkg/utils"
	"github.com/shicheng0829/torchsnapshot/pkg/version"
)

var logger = utils.GetLogger("snapshot")

// MetadataKey is written last: a snapshot without it is incomplete.
const MetadataKey = ".snapshot_metadata"

// AppState maps logical paths to values. When taking a snapshot, values are *tensor.Tensor,
// *tensor.ShardedTensor or anything CBOR can encode. When restoring, tensors are filled in
// place and other values must be pointers to decode into.
type AppState map[string]any

// Paths returns the logical paths in sorted order.
func (s AppState) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type options struct {
	cfg   knobs.Config
	quiet bool
}

type Option func(*options)

// WithConfig replaces knobs.Default.
func WithConfig(cfg knobs.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// Quiet hides progress bars.
func Quiet() Option {
	return func(o *options) { o.quiet = true }
}

func newOptions(opts []Option) options {
	o := options{cfg: knobs.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Report describes the I/O of one Take or Restore.
type Report struct {
	// Requests is the number of requests before batching.
	Requests int
	// Executed is the number of requests sent to storage.
	Executed int
	// Slabs is the number of slabs written.
	Slabs int
	IO    scheduler.Stats
}

// Snapshot is a complete snapshot stored at a path of an object storage.
type Snapshot struct {
	path     string
	storage  object.ObjectStorage
	metadata *manifest.Metadata
	opts     options
	report   Report
}

func prefixed(storage object.ObjectStorage, path string) object.ObjectStorage {
	path = strings.Trim(path, "/")
	if path == "" {
		return storage
	}
	return object.WithPrefix(storage, path+"/")
}

func storagePath(logicalPath string, value any) string {
	if _, ok := value.(*tensor.ShardedTensor); ok {
		return "sharded/" + logicalPath
	}
	return "0/" + logicalPath
}

// Take writes every value of state under path and returns the resulting snapshot.
func Take(ctx context.Context, path string, storage object.ObjectStorage, state AppState, cfg knobs.Config, opts ...Option) (*Snapshot, error) {
	o := newOptions(append([]Option{WithConfig(cfg)}, opts...))
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	paths := state.Paths()
	entries := make([]manifest.Entry, 0, len(paths))
	var reqs []*ioreq.WriteReq
	writer := make(map[string]string)
	for _, p := range paths {
		entry, wrs, err := ioprep.PrepareWrite(p, storagePath(p, state[p]), state[p], o.cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "prepare %s", p)
		}
		// Chunk and shard locations append offsets to the path, so "w" and "w_0" can meet.
		for _, wr := range wrs {
			if prev, ok := writer[wr.Path]; ok {
				return nil, errors.Wrapf(batch.ErrDuplicateLocation, "%s is written by both %s and %s", wr.Path, prev, p)
			}
			writer[wr.Path] = p
		}
		entries = append(entries, entry)
		reqs = append(reqs, wrs...)
	}

	report := Report{Requests: len(reqs)}
	if !o.cfg.DisableBatching {
		var err error
		entries, reqs, err = batch.BatchWriteRequests(entries, reqs, o.cfg.SlabSizeThresholdBytes)
		if err != nil {
			return nil, err
		}
	}
	report.Executed = len(reqs)
	for _, wr := range reqs {
		if strings.HasPrefix(wr.Path, batch.SlabPrefix+"/") {
			report.Slabs++
		}
	}

	store := prefixed(storage, path)
	stats, err := scheduler.ExecuteWriteReqs(ctx, store, reqs, scheduler.OptionsFrom(o.cfg, o.quiet))
	if err != nil {
		return nil, err
	}
	report.IO = stats

	m := make(manifest.Manifest, len(paths))
	for i, p := range paths {
		m[p] = entries[i]
	}
	md := &manifest.Metadata{Version: version.Short(), WorldSize: 1, Manifest: m}
	data, err := manifest.MarshalMetadata(md)
	if err != nil {
		return nil, err
	}
	if err = store.Put(MetadataKey, bytes.NewReader(data)); err != nil {
		return nil, errors.WithMessage(err, "write metadata")
	}
	logger.Infof("Took snapshot %s of %d entries: %d requests, %d after batching into %d slabs",
		path, len(paths), report.Requests, report.Executed, report.Slabs)
	return &Snapshot{path: path, storage: store, metadata: md, opts: o, report: report}, nil
}

// Open loads the metadata of the snapshot stored under path.
func Open(ctx context.Context, path string, storage object.ObjectStorage, opts ...Option) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store := prefixed(storage, path)
	r, err := store.Get(MetadataKey, 0, -1)
	if err != nil {
		return nil, errors.WithMessagef(err, "open snapshot %s", path)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	md, err := manifest.UnmarshalMetadata(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "metadata of %s", path)
	}
	return &Snapshot{path: path, storage: store, metadata: md, opts: newOptions(opts)}, nil
}

func (s *Snapshot) Path() string { return s.path }

func (s *Snapshot) Metadata() *manifest.Metadata { return s.metadata }

// Manifest returns a copy of the manifest.
func (s *Snapshot) Manifest() manifest.Manifest {
	return s.metadata.Manifest.Clone()
}

// Report describes the writes of Take. It is zero for an opened snapshot.
func (s *Snapshot) Report() Report { return s.report }

func (s *Snapshot) execute(ctx context.Context, reqs []*ioreq.ReadReq) (Report, error) {
	report := Report{Requests: len(reqs)}
	if !s.opts.cfg.DisableBatching {
		var err error
		if reqs, err = batch.BatchReadRequests(reqs); err != nil {
			return report, err
		}
	}
	report.Executed = len(reqs)
	stats, err := scheduler.ExecuteReadReqs(ctx, s.storage, reqs, scheduler.OptionsFrom(s.opts.cfg, s.opts.quiet))
	report.IO = stats
	return report, err
}

func (s *Snapshot) prepareRead(logicalPath string, dst any) ([]*ioreq.ReadReq, error) {
	entry, ok := s.metadata.Manifest[logicalPath]
	if !ok {
		return nil, errors.Errorf("%s is not in snapshot %s", logicalPath, s.path)
	}
	rrs, err := ioprep.PrepareRead(entry, dst)
	return rrs, errors.WithMessagef(err, "prepare %s", logicalPath)
}

// Restore reads every path of state back from the snapshot.
func (s *Snapshot) Restore(ctx context.Context, state AppState) error {
	_, err := s.RestoreWithReport(ctx, state)
	return err
}

func (s *Snapshot) RestoreWithReport(ctx context.Context, state AppState) (Report, error) {
	var reqs []*ioreq.ReadReq
	for _, p := range state.Paths() {
		rrs, err := s.prepareRead(p, state[p])
		if err != nil {
			return Report{}, err
		}
		reqs = append(reqs, rrs...)
	}
	report, err := s.execute(ctx, reqs)
	if err != nil {
		return report, err
	}
	logger.Infof("Restored %d entries from %s: %d requests, %d after batching",
		len(state), s.path, report.Requests, report.Executed)
	return report, nil
}

// ReadObject restores a single logical path into dst.
func (s *Snapshot) ReadObject(ctx context.Context, logicalPath string, dst any) error {
	rrs, err := s.prepareRead(logicalPath, dst)
	if err != nil {
		return err
	}
	_, err = s.execute(ctx, rrs)
	return err
}
