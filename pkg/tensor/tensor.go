// pkg/tensor/tensor.go

// Package tensor holds dense row-major tensors as raw bytes, the unit the snapshot writes
// and restores.
package tensor

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

// Tensor is a dense row-major tensor backed by a byte slice.
type Tensor struct {
	dtype dtypes.DType
	shape []int
	data  []byte
}

// ByteSize returns the number of bytes needed to store a tensor of the given dtype and
// shape. Packed dtypes round up to a whole byte. ok is false for dtypes that cannot be stored.
func ByteSize(dtype dtypes.DType, shape []int) (size int64, ok bool) {
	bits, ok := manifest.BitWidth(dtype)
	if !ok {
		return 0, false
	}
	return (numElements(shape)*int64(bits) + 7) / 8, true
}

func numElements(shape []int) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= int64(d)
	}
	return n
}

// New allocates a zeroed tensor.
func New(dtype dtypes.DType, shape ...int) (*Tensor, error) {
	size, ok := ByteSize(dtype, shape)
	if !ok {
		return nil, errors.Errorf("cannot allocate tensor of dtype %s", dtype)
	}
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: make([]byte, size)}, nil
}

// FromBytes wraps data as a tensor. data is not copied.
func FromBytes(dtype dtypes.DType, data []byte, shape ...int) (*Tensor, error) {
	size, ok := ByteSize(dtype, shape)
	if !ok {
		return nil, errors.Errorf("cannot hold tensor of dtype %s", dtype)
	}
	if int64(len(data)) != size {
		return nil, errors.Errorf("tensor %s%v needs %d bytes, got %d", dtype, shape, size, len(data))
	}
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: data}, nil
}

func (t *Tensor) DType() dtypes.DType { return t.dtype }

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Bytes returns the underlying storage. Writes are visible to the tensor.
func (t *Tensor) Bytes() []byte { return t.data }

func (t *Tensor) SizeBytes() int64 { return int64(len(t.data)) }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) String() string {
	return fmt.Sprintf("(%s)%v", t.dtype, t.shape)
}

// RowBytes returns the number of bytes of one slice along the first dimension.
func (t *Tensor) RowBytes() int64 {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return int64(len(t.data))
	}
	return int64(len(t.data)) / int64(t.shape[0])
}

// Rows returns the view of rows [lo, hi) along the first dimension. It shares memory with t.
func (t *Tensor) Rows(lo, hi int) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, errors.New("cannot slice a scalar")
	}
	if lo < 0 || hi > t.shape[0] || lo > hi {
		return nil, errors.Errorf("rows [%d, %d) out of range for %s", lo, hi, t)
	}
	bits, _ := manifest.BitWidth(t.dtype)
	rowBits := numElements(t.shape[1:]) * int64(bits)
	if rowBits%8 != 0 {
		return nil, errors.Errorf("rows of %s do not start on a byte boundary", t)
	}
	rb := rowBits / 8
	shape := append([]int{hi - lo}, t.shape[1:]...)
	return &Tensor{dtype: t.dtype, shape: shape, data: t.data[int64(lo)*rb : int64(hi)*rb]}, nil
}

// Manifest returns the manifest dtype name and shape of t.
func (t *Tensor) Manifest() (string, []int64) {
	shape := make([]int64, len(t.shape))
	for i, d := range t.shape {
		shape[i] = int64(d)
	}
	return t.dtype.String(), shape
}

// Matches reports whether t can hold the tensor described by the manifest dtype and shape.
func (t *Tensor) Matches(dtype string, shape []int64) error {
	want, err := manifest.ParseDType(dtype)
	if err != nil {
		return err
	}
	if want != t.dtype {
		return errors.Errorf("dtype mismatch: stored %s, destination %s", want, t.dtype)
	}
	if len(shape) != len(t.shape) {
		return errors.Errorf("shape mismatch: stored %v, destination %v", shape, t.shape)
	}
	for i := range shape {
		if int(shape[i]) != t.shape[i] {
			return errors.Errorf("shape mismatch: stored %v, destination %v", shape, t.shape)
		}
	}
	return nil
}

// LocalShard is the part of a sharded tensor held locally, placed at Offsets.
type LocalShard struct {
	Offsets []int
	Tensor  *Tensor
}

// ShardedTensor is a logical tensor of Shape of which only Shards are materialized.
type ShardedTensor struct {
	Shape  []int
	Shards []LocalShard
}
