// pkg/manifest/entry.go

// Package manifest describes how every payload of a snapshot is laid out in storage.
//
// Entries are owned by the snapshot manifest. Code that needs to rewrite them (the write
// batcher relocating tensors into slabs) works on a deep copy obtained with CloneEntries.
package manifest

import (
	"fmt"

	"github.com/pkg/errors"
)

// Serializer names the strategy used to turn a payload into bytes.
type Serializer string

const (
	// SerializerBufferProtocol writes the raw bytes of a tensor. The serialized size is
	// known from the dtype and shape before anything is staged.
	SerializerBufferProtocol Serializer = "buffer_protocol"

	// SerializerCBOR encodes the payload with CBOR. The size is only known after encoding.
	SerializerCBOR Serializer = "cbor"
)

const (
	TypeTensor        = "Tensor"
	TypeChunkedTensor = "ChunkedTensor"
	TypeShardedTensor = "ShardedTensor"
	TypeObject        = "object"
)

// ByteRange is a half-open interval [Lower, Upper) of byte offsets.
type ByteRange struct {
	Lower int64
	Upper int64
}

func NewByteRange(lower, upper int64) ByteRange {
	return ByteRange{Lower: lower, Upper: upper}
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.Upper - r.Lower
}

// Valid reports whether the bounds are ordered and non-negative.
func (r ByteRange) Valid() bool {
	return r.Lower >= 0 && r.Lower <= r.Upper
}

// Shift returns the range translated by -base.
func (r ByteRange) Shift(base int64) ByteRange {
	return ByteRange{Lower: r.Lower - base, Upper: r.Upper - base}
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Lower, r.Upper)
}

// Entry is one logical payload in the manifest.
type Entry interface {
	Type() string
	IsReplicated() bool
	// Clone returns a deep copy that shares no memory with the receiver.
	Clone() Entry
}

// TensorEntry is a tensor stored at a single location.
type TensorEntry struct {
	Location   string
	Serializer Serializer
	DType      string
	Shape      []int64
	Replicated bool
	// ByteRange is nil when the tensor occupies the whole object at Location.
	ByteRange *ByteRange
}

func (e *TensorEntry) Type() string       { return TypeTensor }
func (e *TensorEntry) IsReplicated() bool { return e.Replicated }

func (e *TensorEntry) Clone() Entry {
	return e.clone()
}

func (e *TensorEntry) clone() *TensorEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Shape = append([]int64(nil), e.Shape...)
	if e.ByteRange != nil {
		br := *e.ByteRange
		c.ByteRange = &br
	}
	return &c
}

// NumElements returns the product of the dimensions.
func (e *TensorEntry) NumElements() int64 {
	n := int64(1)
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// SizeBytes returns the exact serialized size of a buffer_protocol tensor without staging it.
func (e *TensorEntry) SizeBytes() (int64, error) {
	if e.Serializer != SerializerBufferProtocol {
		return 0, errors.Errorf("size of tensor at %s is unknown before serialization (serializer %s)", e.Location, e.Serializer)
	}
	elem, err := ElementSize(e.DType)
	if err != nil {
		return 0, err
	}
	return elem * e.NumElements(), nil
}

// Shard places a sub-tensor at Offsets with extent Sizes inside the logical tensor.
type Shard struct {
	Offsets []int64
	Sizes   []int64
	Tensor  *TensorEntry
}

func (s Shard) clone() Shard {
	return Shard{
		Offsets: append([]int64(nil), s.Offsets...),
		Sizes:   append([]int64(nil), s.Sizes...),
		Tensor:  s.Tensor.clone(),
	}
}

// ChunkedTensorEntry is a tensor split along its first dimension into an ordered list of
// chunks, each stored at its own location.
type ChunkedTensorEntry struct {
	DType      string
	Shape      []int64
	Chunks     []Shard
	Replicated bool
}

func (e *ChunkedTensorEntry) Type() string       { return TypeChunkedTensor }
func (e *ChunkedTensorEntry) IsReplicated() bool { return e.Replicated }

func (e *ChunkedTensorEntry) Clone() Entry {
	c := &ChunkedTensorEntry{
		DType:      e.DType,
		Shape:      append([]int64(nil), e.Shape...),
		Chunks:     make([]Shard, len(e.Chunks)),
		Replicated: e.Replicated,
	}
	for i, s := range e.Chunks {
		c.Chunks[i] = s.clone()
	}
	return c
}

// ShardedTensorEntry is a tensor partitioned into shards, in no particular order.
type ShardedTensorEntry struct {
	Shards []Shard
}

func (e *ShardedTensorEntry) Type() string       { return TypeShardedTensor }
func (e *ShardedTensorEntry) IsReplicated() bool { return false }

func (e *ShardedTensorEntry) Clone() Entry {
	c := &ShardedTensorEntry{Shards: make([]Shard, len(e.Shards))}
	for i, s := range e.Shards {
		c.Shards[i] = s.clone()
	}
	return c
}

// ObjectEntry is an arbitrary value encoded as a whole object.
type ObjectEntry struct {
	Location   string
	Serializer Serializer
	ObjType    string
	Replicated bool
}

func (e *ObjectEntry) Type() string       { return TypeObject }
func (e *ObjectEntry) IsReplicated() bool { return e.Replicated }

func (e *ObjectEntry) Clone() Entry {
	c := *e
	return &c
}

// CloneEntries deep-copies a list of entries.
func CloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if e != nil {
			out[i] = e.Clone()
		}
	}
	return out
}

// TensorEntries returns every TensorEntry reachable from e: e itself, or the children of a
// chunked or sharded entry. The returned pointers alias e.
func TensorEntries(e Entry) []*TensorEntry {
	switch v := e.(type) {
	case *TensorEntry:
		return []*TensorEntry{v}
	case *ChunkedTensorEntry:
		ts := make([]*TensorEntry, 0, len(v.Chunks))
		for _, c := range v.Chunks {
			if c.Tensor != nil {
				ts = append(ts, c.Tensor)
			}
		}
		return ts
	case *ShardedTensorEntry:
		ts := make([]*TensorEntry, 0, len(v.Shards))
		for _, s := range v.Shards {
			if s.Tensor != nil {
				ts = append(ts, s.Tensor)
			}
		}
		return ts
	}
	return nil
}
