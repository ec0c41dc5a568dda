// pkg/batch/stager.go

package batch

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

// StagerPart assigns a stager to its byte range within a slab.
type StagerPart struct {
	ByteRange manifest.ByteRange
	Stager    ioreq.BufferStager
}

// BatchedBufferStager stages several buffers into one slab. Each sub-stager owns a disjoint
// range of the slab and the ranges tile [0, size) without gaps.
type BatchedBufferStager struct {
	parts    []StagerPart // sorted by lower bound
	slabSize int64
}

var _ ioreq.BufferStager = &BatchedBufferStager{}

// NewBatchedBufferStager checks that the ranges are consecutive starting at 0 and returns
// the aggregate stager.
func NewBatchedBufferStager(parts []StagerPart) (*BatchedBufferStager, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrNonContiguous, "empty slab")
	}
	sorted := append([]StagerPart(nil), parts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ByteRange, sorted[j].ByteRange
		if a.Lower != b.Lower {
			return a.Lower < b.Lower
		}
		return a.Upper < b.Upper
	})
	if first := sorted[0].ByteRange; first.Lower != 0 {
		return nil, errors.Wrapf(ErrNonContiguous, "slab starts at %d", first.Lower)
	}
	var end int64
	for _, p := range sorted {
		if !p.ByteRange.Valid() {
			return nil, errors.Wrapf(ErrNonContiguous, "invalid byte range %s", p.ByteRange)
		}
		if p.ByteRange.Lower != end {
			return nil, errors.Wrapf(ErrNonContiguous, "byte range %s does not start at %d", p.ByteRange, end)
		}
		if p.Stager == nil {
			return nil, errors.Errorf("nil stager for byte range %s", p.ByteRange)
		}
		end = p.ByteRange.Upper
	}
	return &BatchedBufferStager{parts: sorted, slabSize: end}, nil
}

// SlabSize returns the size of the staged slab.
func (s *BatchedBufferStager) SlabSize() int64 {
	return s.slabSize
}

// Parts returns the sub-stagers in range order.
func (s *BatchedBufferStager) Parts() []StagerPart {
	return append([]StagerPart(nil), s.parts...)
}

type stageResult struct {
	idx int
	buf []byte
	err error
}

// StageBuffer runs every sub-stager concurrently and copies each result into its range as
// it completes. The slab is returned only when all of them succeeded; on failure the
// remaining stagers see a cancelled context and are still waited for.
func (s *BatchedBufferStager) StageBuffer(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slab := make([]byte, s.slabSize)
	results := make(chan stageResult, len(s.parts))
	for i, p := range s.parts {
		go func() {
			buf, err := p.Stager.StageBuffer(ctx)
			results <- stageResult{idx: i, buf: buf, err: err}
		}()
	}

	var firstErr error
	for range s.parts {
		r := <-results
		if firstErr != nil {
			continue
		}
		br := s.parts[r.idx].ByteRange
		if r.err != nil {
			firstErr = errors.WithMessagef(r.err, "stage byte range %s", br)
			cancel()
			continue
		}
		if int64(len(r.buf)) != br.Len() {
			firstErr = errors.Wrapf(ErrSizeMismatch, "buffer size: %d, byte range: %s", len(r.buf), br)
			cancel()
			continue
		}
		copy(slab[br.Lower:br.Upper], r.buf)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return slab, nil
}

// StagingCostBytes is the cost of every sub-stager plus the slab itself.
func (s *BatchedBufferStager) StagingCostBytes() int64 {
	cost := s.slabSize
	for _, p := range s.parts {
		cost += p.Stager.StagingCostBytes()
	}
	return cost
}

// BatchedBufferStagerBuilder accumulates (range, stager) pairs for one slab.
type BatchedBufferStagerBuilder struct {
	parts []StagerPart
	built bool
}

func NewBatchedBufferStagerBuilder() *BatchedBufferStagerBuilder {
	return &BatchedBufferStagerBuilder{}
}

func (b *BatchedBufferStagerBuilder) Add(byteRange manifest.ByteRange, stager ioreq.BufferStager) {
	b.parts = append(b.parts, StagerPart{ByteRange: byteRange, Stager: stager})
}

func (b *BatchedBufferStagerBuilder) Len() int {
	return len(b.parts)
}

// Build returns the aggregate stager. The builder cannot be used afterwards.
func (b *BatchedBufferStagerBuilder) Build() (*BatchedBufferStager, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}
	b.built = true
	parts := b.parts
	b.parts = nil
	return NewBatchedBufferStager(parts)
}
