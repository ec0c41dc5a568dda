// pkg/batch/consumer.go

package batch

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

// ConsumerPart assigns a consumer to its byte range within a slab.
type ConsumerPart struct {
	ByteRange manifest.ByteRange
	Consumer  ioreq.BufferConsumer
}

// BatchedBufferConsumer hands slices of one buffer to several consumers. Unlike the stager,
// ranges may overlap or leave holes: bytes nobody asked for are read and dropped.
type BatchedBufferConsumer struct {
	parts   []ConsumerPart
	bufSize int64
}

var _ ioreq.BufferConsumer = &BatchedBufferConsumer{}

func NewBatchedBufferConsumer(parts []ConsumerPart, bufSize int64) (*BatchedBufferConsumer, error) {
	for _, p := range parts {
		if !p.ByteRange.Valid() || p.ByteRange.Upper > bufSize {
			return nil, errors.Wrapf(ErrRangeOutOfBounds, "byte range %s, buffer size %d", p.ByteRange, bufSize)
		}
		if p.Consumer == nil {
			return nil, errors.Errorf("nil consumer for byte range %s", p.ByteRange)
		}
	}
	return &BatchedBufferConsumer{parts: append([]ConsumerPart(nil), parts...), bufSize: bufSize}, nil
}

func (c *BatchedBufferConsumer) BufSize() int64 {
	return c.bufSize
}

func (c *BatchedBufferConsumer) Parts() []ConsumerPart {
	return append([]ConsumerPart(nil), c.parts...)
}

// ConsumeBuffer runs every sub-consumer concurrently on its slice of buf. The first failure
// cancels the context seen by the others; all of them are waited for before returning.
func (c *BatchedBufferConsumer) ConsumeBuffer(ctx context.Context, buf []byte) error {
	if int64(len(buf)) != c.bufSize {
		return errors.Wrapf(ErrSizeMismatch, "buffer size: %d, expected: %d", len(buf), c.bufSize)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.parts {
		br := p.ByteRange
		g.Go(func() error {
			if err := p.Consumer.ConsumeBuffer(gctx, buf[br.Lower:br.Upper:br.Upper]); err != nil {
				return errors.WithMessagef(err, "consume byte range %s", br)
			}
			return nil
		})
	}
	return g.Wait()
}

// ConsumingCostBytes is the size of the buffer plus the cost of every sub-consumer.
func (c *BatchedBufferConsumer) ConsumingCostBytes() int64 {
	cost := c.bufSize
	for _, p := range c.parts {
		cost += p.Consumer.ConsumingCostBytes()
	}
	return cost
}
