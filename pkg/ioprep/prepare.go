// pkg/ioprep/prepare.go

// Package ioprep turns application values into manifest entries plus the I/O requests that
// persist them, and manifest entries back into the requests that restore them.
package ioprep

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/tensor"
	"github.com/shicheng0829/torchsnapshot/pkg/utils"
)

var logger = utils.GetLogger("snapshot")

// PrepareWrite describes value in the manifest and returns the write requests storing it
// under storagePath:
//
//   - a *tensor.Tensor becomes a TensorEntry, or a ChunkedTensorEntry split along the first
//     dimension when it is larger than cfg.MaxChunkSizeBytes;
//   - a *tensor.ShardedTensor becomes a ShardedTensorEntry with one location per local shard;
//   - anything else is encoded with CBOR as an ObjectEntry.
func PrepareWrite(logicalPath, storagePath string, value any, cfg knobs.Config) (manifest.Entry, []*ioreq.WriteReq, error) {
	switch v := value.(type) {
	case *tensor.Tensor:
		if v == nil {
			return nil, nil, errors.Errorf("nil tensor at %s", logicalPath)
		}
		if serializerOf(v) == manifest.SerializerBufferProtocol && v.Rank() > 0 && v.SizeBytes() > cfg.MaxChunkSizeBytes {
			return prepareChunked(storagePath, v, cfg.MaxChunkSizeBytes)
		}
		entry, wr := prepareTensor(storagePath, v)
		return entry, []*ioreq.WriteReq{wr}, nil
	case *tensor.ShardedTensor:
		if v == nil {
			return nil, nil, errors.Errorf("nil sharded tensor at %s", logicalPath)
		}
		return prepareSharded(storagePath, v)
	default:
		entry := &manifest.ObjectEntry{
			Location:   storagePath,
			Serializer: manifest.SerializerCBOR,
			ObjType:    fmt.Sprintf("%T", value),
		}
		return entry, []*ioreq.WriteReq{{Path: storagePath, BufferStager: NewObjectBufferStager(entry, value)}}, nil
	}
}

func serializerOf(t *tensor.Tensor) manifest.Serializer {
	if manifest.IsBufferProtocol(t.DType()) {
		return manifest.SerializerBufferProtocol
	}
	return manifest.SerializerCBOR
}

func prepareTensor(location string, t *tensor.Tensor) (*manifest.TensorEntry, *ioreq.WriteReq) {
	dtype, shape := t.Manifest()
	entry := &manifest.TensorEntry{
		Location:   location,
		Serializer: serializerOf(t),
		DType:      dtype,
		Shape:      shape,
	}
	return entry, &ioreq.WriteReq{Path: location, BufferStager: NewTensorBufferStager(entry, t)}
}

func joinOffsets(offsets []int64) string {
	parts := make([]string, len(offsets))
	for i, o := range offsets {
		parts[i] = strconv.FormatInt(o, 10)
	}
	return strings.Join(parts, "_")
}

func prepareChunked(storagePath string, t *tensor.Tensor, maxChunkSizeBytes int64) (manifest.Entry, []*ioreq.WriteReq, error) {
	dtype, shape := t.Manifest()
	rows := int(shape[0])
	rowsPerChunk := int(max(1, maxChunkSizeBytes/max(1, t.RowBytes())))

	entry := &manifest.ChunkedTensorEntry{DType: dtype, Shape: shape}
	var reqs []*ioreq.WriteReq
	for lo := 0; lo < rows; lo += rowsPerChunk {
		hi := min(rows, lo+rowsPerChunk)
		view, err := t.Rows(lo, hi)
		if err != nil {
			return nil, nil, err
		}
		offsets := make([]int64, len(shape))
		offsets[0] = int64(lo)
		sizes := append([]int64{int64(hi - lo)}, shape[1:]...)
		chunk, wr := prepareTensor(storagePath+"_"+joinOffsets(offsets), view)
		entry.Chunks = append(entry.Chunks, manifest.Shard{Offsets: offsets, Sizes: sizes, Tensor: chunk})
		reqs = append(reqs, wr)
	}
	logger.Debugf("split %s %s into %d chunks", storagePath, t, len(entry.Chunks))
	return entry, reqs, nil
}

func prepareSharded(storagePath string, st *tensor.ShardedTensor) (manifest.Entry, []*ioreq.WriteReq, error) {
	entry := &manifest.ShardedTensorEntry{}
	var reqs []*ioreq.WriteReq
	for _, ls := range st.Shards {
		if len(ls.Offsets) != ls.Tensor.Rank() || len(ls.Offsets) != len(st.Shape) {
			return nil, nil, errors.Errorf("shard at %v of %s does not match rank %d", ls.Offsets, ls.Tensor, len(st.Shape))
		}
		offsets := make([]int64, len(ls.Offsets))
		for i, o := range ls.Offsets {
			offsets[i] = int64(o)
		}
		shard, wr := prepareTensor(storagePath+"_"+joinOffsets(offsets), ls.Tensor)
		entry.Shards = append(entry.Shards, manifest.Shard{
			Offsets: offsets,
			Sizes:   append([]int64(nil), shard.Shape...),
			Tensor:  shard,
		})
		reqs = append(reqs, wr)
	}
	return entry, reqs, nil
}

func tensorRead(entry *manifest.TensorEntry, dst *tensor.Tensor) (*ioreq.ReadReq, error) {
	if err := dst.Matches(entry.DType, entry.Shape); err != nil {
		return nil, errors.WithMessagef(err, "restore %s", entry.Location)
	}
	rr := &ioreq.ReadReq{Path: entry.Location, BufferConsumer: NewTensorBufferConsumer(entry, dst)}
	if entry.ByteRange != nil {
		br := *entry.ByteRange
		rr.ByteRange = &br
	}
	return rr, nil
}

// PrepareRead returns the read requests restoring entry into dst. Tensors are restored in
// place: dst is a *tensor.Tensor (or a *tensor.ShardedTensor with the same sharding for a
// sharded entry). Objects are decoded into dst, which must be a pointer. Entries relocated
// into a slab produce ranged reads.
func PrepareRead(entry manifest.Entry, dst any) ([]*ioreq.ReadReq, error) {
	switch e := entry.(type) {
	case *manifest.TensorEntry:
		t, ok := dst.(*tensor.Tensor)
		if !ok {
			return nil, errors.Errorf("cannot restore tensor %s into %T", e.Location, dst)
		}
		rr, err := tensorRead(e, t)
		if err != nil {
			return nil, err
		}
		return []*ioreq.ReadReq{rr}, nil
	case *manifest.ChunkedTensorEntry:
		t, ok := dst.(*tensor.Tensor)
		if !ok {
			return nil, errors.Errorf("cannot restore chunked tensor into %T", dst)
		}
		if err := t.Matches(e.DType, e.Shape); err != nil {
			return nil, err
		}
		return rowBlockReads(e.Chunks, t)
	case *manifest.ShardedTensorEntry:
		switch t := dst.(type) {
		case *tensor.Tensor:
			return rowBlockReads(e.Shards, t)
		case *tensor.ShardedTensor:
			return shardReads(e.Shards, t)
		default:
			return nil, errors.Errorf("cannot restore sharded tensor into %T", dst)
		}
	case *manifest.ObjectEntry:
		return []*ioreq.ReadReq{{Path: e.Location, BufferConsumer: NewObjectBufferConsumer(dst)}}, nil
	default:
		return nil, errors.Errorf("unknown entry type %T", entry)
	}
}

// rowBlockReads restores shards that each span whole rows of dst.
func rowBlockReads(shards []manifest.Shard, dst *tensor.Tensor) ([]*ioreq.ReadReq, error) {
	shape := dst.Shape()
	reqs := make([]*ioreq.ReadReq, 0, len(shards))
	for _, s := range shards {
		if len(s.Offsets) != len(shape) || len(s.Sizes) != len(shape) {
			return nil, errors.Errorf("shard %v of rank %d cannot be restored into %s", s.Offsets, len(s.Offsets), dst)
		}
		for d := 1; d < len(shape); d++ {
			if s.Offsets[d] != 0 || int(s.Sizes[d]) != shape[d] {
				return nil, errors.Errorf("shard at %v with sizes %v does not span whole rows of %s", s.Offsets, s.Sizes, dst)
			}
		}
		view, err := dst.Rows(int(s.Offsets[0]), int(s.Offsets[0]+s.Sizes[0]))
		if err != nil {
			return nil, err
		}
		rr, err := tensorRead(s.Tensor, view)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, rr)
	}
	return reqs, nil
}

func sameOffsets(a []int64, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != int64(b[i]) {
			return false
		}
	}
	return true
}

// shardReads restores every local shard of dst from the stored shard at the same offsets.
func shardReads(shards []manifest.Shard, dst *tensor.ShardedTensor) ([]*ioreq.ReadReq, error) {
	reqs := make([]*ioreq.ReadReq, 0, len(dst.Shards))
	for _, ls := range dst.Shards {
		var found *manifest.TensorEntry
		for _, s := range shards {
			if sameOffsets(s.Offsets, ls.Offsets) {
				found = s.Tensor
				break
			}
		}
		if found == nil {
			return nil, errors.Errorf("no stored shard at offsets %v", ls.Offsets)
		}
		rr, err := tensorRead(found, ls.Tensor)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, rr)
	}
	return reqs, nil
}
