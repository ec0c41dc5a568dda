// pkg/ioprep/buffer.go

package ioprep

import (
	"context"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/batch"
	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/tensor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Same value, same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ioprep: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ioprep: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodedTensor is the CBOR form of a tensor of a packed dtype.
type encodedTensor struct {
	DType string  `cbor:"dtype"`
	Shape []int64 `cbor:"shape"`
	Data  []byte  `cbor:"data"`
}

// TensorBufferStager stages the bytes of one tensor as described by its manifest entry.
type TensorBufferStager struct {
	entry  *manifest.TensorEntry
	tensor *tensor.Tensor
}

var _ batch.EntryStager = &TensorBufferStager{}

func NewTensorBufferStager(entry *manifest.TensorEntry, t *tensor.Tensor) *TensorBufferStager {
	return &TensorBufferStager{entry: entry, tensor: t}
}

// StageBuffer returns a copy of the tensor bytes, so the caller may keep mutating the tensor
// while the buffer is being written.
func (s *TensorBufferStager) StageBuffer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s.entry.Serializer {
	case manifest.SerializerBufferProtocol:
		return append([]byte(nil), s.tensor.Bytes()...), nil
	case manifest.SerializerCBOR:
		buf, err := encMode.Marshal(encodedTensor{DType: s.entry.DType, Shape: s.entry.Shape, Data: s.tensor.Bytes()})
		return buf, errors.Wrapf(err, "encode tensor %s", s.entry.Location)
	default:
		return nil, errors.Errorf("unknown serializer %q for %s", s.entry.Serializer, s.entry.Location)
	}
}

func (s *TensorBufferStager) StagingCostBytes() int64 {
	return s.tensor.SizeBytes()
}

func (s *TensorBufferStager) Entry() manifest.Entry {
	return s.entry
}

// TensorBufferConsumer fills a destination tensor, in place, with the stored bytes.
type TensorBufferConsumer struct {
	entry *manifest.TensorEntry
	dst   *tensor.Tensor
}

var _ ioreq.BufferConsumer = &TensorBufferConsumer{}

func NewTensorBufferConsumer(entry *manifest.TensorEntry, dst *tensor.Tensor) *TensorBufferConsumer {
	return &TensorBufferConsumer{entry: entry, dst: dst}
}

func (c *TensorBufferConsumer) ConsumeBuffer(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.dst.Matches(c.entry.DType, c.entry.Shape); err != nil {
		return errors.WithMessagef(err, "restore %s", c.entry.Location)
	}
	data := buf
	if c.entry.Serializer == manifest.SerializerCBOR {
		var et encodedTensor
		if err := decMode.Unmarshal(buf, &et); err != nil {
			return errors.Wrapf(err, "decode tensor %s", c.entry.Location)
		}
		data = et.Data
	}
	if int64(len(data)) != c.dst.SizeBytes() {
		return errors.Wrapf(batch.ErrSizeMismatch, "restore %s: got %d bytes, destination %s holds %d",
			c.entry.Location, len(data), c.dst, c.dst.SizeBytes())
	}
	copy(c.dst.Bytes(), data)
	return nil
}

func (c *TensorBufferConsumer) ConsumingCostBytes() int64 {
	return c.dst.SizeBytes()
}

// objectCostBytes is charged for a value whose encoded size is unknown until it is encoded.
const objectCostBytes = 64 << 10

// ObjectBufferStager encodes an arbitrary value with CBOR.
type ObjectBufferStager struct {
	entry *manifest.ObjectEntry
	value any
}

var _ batch.EntryStager = &ObjectBufferStager{}

func NewObjectBufferStager(entry *manifest.ObjectEntry, value any) *ObjectBufferStager {
	return &ObjectBufferStager{entry: entry, value: value}
}

func (s *ObjectBufferStager) StageBuffer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := encMode.Marshal(s.value)
	return buf, errors.Wrapf(err, "encode %s", s.entry.ObjType)
}

func (s *ObjectBufferStager) StagingCostBytes() int64 { return objectCostBytes }

func (s *ObjectBufferStager) Entry() manifest.Entry { return s.entry }

// ObjectBufferConsumer decodes a stored value into dst, which must be a non-nil pointer.
type ObjectBufferConsumer struct {
	dst any
}

var _ ioreq.BufferConsumer = &ObjectBufferConsumer{}

func NewObjectBufferConsumer(dst any) *ObjectBufferConsumer {
	return &ObjectBufferConsumer{dst: dst}
}

func (c *ObjectBufferConsumer) ConsumeBuffer(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(decMode.Unmarshal(buf, c.dst), "decode into %T", c.dst)
}

func (c *ObjectBufferConsumer) ConsumingCostBytes() int64 { return objectCostBytes }
