// pkg/batch/write.go

// Package batch coalesces many small I/O requests into few large ones.
//
// On the write side, small tensors are packed greedily into slabs: one object per slab
// instead of one object per tensor, with the manifest entries rewritten to point at their
// byte range inside the slab. On the read side, ranged reads of the same object are merged
// into one read covering all of them.
package batch

import (
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/utils"
)

var logger = utils.GetLogger("snapshot")

// SlabPrefix is the directory, relative to the snapshot root, holding generated slabs.
const SlabPrefix = "batched"

// EntryStager is a stager that knows which manifest entry it stages.
type EntryStager interface {
	ioreq.BufferStager
	Entry() manifest.Entry
}

// IsBatchable reports whether the exact serialized size of the entry is known before
// staging, which is required to place it in a slab.
func IsBatchable(entry manifest.Entry) bool {
	t, ok := entry.(*manifest.TensorEntry)
	if !ok || t.Serializer != manifest.SerializerBufferProtocol {
		return false
	}
	_, err := t.SizeBytes()
	return err == nil
}

func newSlabLocation() string {
	return path.Join(SlabPrefix, uuid.New().String())
}

type slab struct {
	location string
	builder  *BatchedBufferStagerBuilder
}

func newSlab() *slab {
	return &slab{location: newSlabLocation(), builder: NewBatchedBufferStagerBuilder()}
}

type relocation struct {
	from      string
	to        string
	byteRange manifest.ByteRange
}

// BatchWriteRequests packs the batchable write requests smaller than slabSizeThresholdBytes
// into slabs, first-fit in input order. A slab is sealed as soon as its size reaches the
// threshold. A threshold <= 0 selects knobs.DefaultSlabSizeThresholdBytes.
//
// It returns a deep copy of entries in which every relocated tensor points at its slab and
// byte range, and the write requests to execute: the requests left alone, in input order,
// followed by one request per slab.
func BatchWriteRequests(
	entries []manifest.Entry,
	writeReqs []*ioreq.WriteReq,
	slabSizeThresholdBytes int64,
) ([]manifest.Entry, []*ioreq.WriteReq, error) {
	if slabSizeThresholdBytes <= 0 {
		slabSizeThresholdBytes = knobs.DefaultSlabSizeThresholdBytes
	}

	var batched []*ioreq.WriteReq
	slabs := []*slab{newSlab()}
	var currSlabSize int64
	var relocations []relocation
	seen := make(map[string]bool)

	for _, wr := range writeReqs {
		es, ok := wr.BufferStager.(EntryStager)
		if !ok || !IsBatchable(es.Entry()) {
			batched = append(batched, wr)
			continue
		}
		size, err := es.Entry().(*manifest.TensorEntry).SizeBytes()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "size of %s", wr.Path)
		}
		if size >= slabSizeThresholdBytes {
			batched = append(batched, wr)
			continue
		}
		if seen[wr.Path] {
			return nil, nil, errors.Wrapf(ErrDuplicateLocation, "%s", wr.Path)
		}
		seen[wr.Path] = true

		cur := slabs[len(slabs)-1]
		byteRange := manifest.NewByteRange(currSlabSize, currSlabSize+size)
		currSlabSize += size
		cur.builder.Add(byteRange, wr.BufferStager)
		relocations = append(relocations, relocation{from: wr.Path, to: cur.location, byteRange: byteRange})

		if currSlabSize >= slabSizeThresholdBytes {
			slabs = append(slabs, newSlab())
			currSlabSize = 0
		}
	}

	nslabs := 0
	for _, s := range slabs {
		if s.builder.Len() == 0 {
			continue
		}
		stager, err := s.builder.Build()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "build slab %s", s.location)
		}
		batched = append(batched, &ioreq.WriteReq{Path: s.location, BufferStager: stager})
		nslabs++
	}

	entries = manifest.CloneEntries(entries)
	locationToEntry := make(map[string]*manifest.TensorEntry)
	for _, e := range entries {
		for _, t := range manifest.TensorEntries(e) {
			locationToEntry[t.Location] = t
		}
	}
	for _, r := range relocations {
		t, ok := locationToEntry[r.from]
		if !ok {
			return nil, nil, errors.Wrapf(ErrMissingEntry, "location %s", r.from)
		}
		t.Location = r.to
		br := r.byteRange
		t.ByteRange = &br
	}

	logger.Debugf("batched %d write requests into %d slabs, %d requests left",
		len(relocations), nslabs, len(batched))
	return entries, batched, nil
}
