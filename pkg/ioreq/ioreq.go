// pkg/ioreq/ioreq.go

// Package ioreq defines the unit of work exchanged between the snapshot, the batcher and the
// scheduler: a request to write a staged buffer, or to read bytes into a consumer.
package ioreq

import (
	"context"

	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

// BufferStager produces the bytes of one payload.
type BufferStager interface {
	StageBuffer(ctx context.Context) ([]byte, error)
	// StagingCostBytes estimates the peak memory needed while staging.
	StagingCostBytes() int64
}

// BufferConsumer accepts the bytes of one payload.
type BufferConsumer interface {
	ConsumeBuffer(ctx context.Context, buf []byte) error
	// ConsumingCostBytes estimates the peak memory needed while consuming.
	ConsumingCostBytes() int64
}

// WriteReq asks for the staged buffer to be written to Path.
type WriteReq struct {
	Path         string
	BufferStager BufferStager
}

// ReadReq asks for the bytes at Path to be handed to BufferConsumer. A nil ByteRange reads
// the whole object.
type ReadReq struct {
	Path           string
	BufferConsumer BufferConsumer
	ByteRange      *manifest.ByteRange
}
