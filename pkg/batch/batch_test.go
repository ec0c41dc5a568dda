// pkg/batch/batch_test.go

package batch

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

type fakeStager struct {
	data  []byte
	delay time.Duration
	err   error
	block bool // wait for cancellation before returning err
	done  *int32
}

func (s *fakeStager) StageBuffer(ctx context.Context) ([]byte, error) {
	if s.done != nil {
		defer atomic.AddInt32(s.done, 1)
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte(nil), s.data...), nil
}

func (s *fakeStager) StagingCostBytes() int64 { return int64(len(s.data)) }

type fakeEntryStager struct {
	fakeStager
	entry manifest.Entry
}

func (s *fakeEntryStager) Entry() manifest.Entry { return s.entry }

type fakeConsumer struct {
	mu    sync.Mutex
	got   [][]byte
	err   error
	block bool
	done  *int32
}

func (c *fakeConsumer) ConsumeBuffer(ctx context.Context, buf []byte) error {
	if c.done != nil {
		defer atomic.AddInt32(c.done, 1)
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, append([]byte(nil), buf...))
	return nil
}

func (c *fakeConsumer) ConsumingCostBytes() int64 { return 7 }

func randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func br(lower, upper int64) manifest.ByteRange {
	return manifest.NewByteRange(lower, upper)
}

func TestBatchedBufferStagerContiguity(t *testing.T) {
	s := &fakeStager{}
	for _, tc := range []struct {
		name   string
		ranges []manifest.ByteRange
		ok     bool
	}{
		{"consecutive", []manifest.ByteRange{br(0, 10), br(10, 25), br(25, 26)}, true},
		{"unsorted", []manifest.ByteRange{br(10, 25), br(0, 10)}, true},
		{"zero length", []manifest.ByteRange{br(0, 10), br(10, 10), br(10, 12)}, true},
		{"gap", []manifest.ByteRange{br(0, 10), br(11, 20)}, false},
		{"overlap", []manifest.ByteRange{br(0, 10), br(5, 20)}, false},
		{"not at zero", []manifest.ByteRange{br(5, 10), br(10, 20)}, false},
		{"inverted", []manifest.ByteRange{br(0, 10), br(10, 5)}, false},
		{"empty", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var parts []StagerPart
			for _, r := range tc.ranges {
				parts = append(parts, StagerPart{ByteRange: r, Stager: s})
			}
			stager, err := NewBatchedBufferStager(parts)
			if tc.ok {
				require.NoError(t, err)
				var end int64
				for _, r := range tc.ranges {
					end = max(end, r.Upper)
				}
				assert.Equal(t, end, stager.SlabSize())
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonContiguous), "got %v", err)
		})
	}
}

func TestBatchedBufferStagerRoundTrip(t *testing.T) {
	sizes := []int{17, 1, 0, 4096, 33}
	builder := NewBatchedBufferStagerBuilder()
	var stagers []*fakeStager
	var ranges []manifest.ByteRange
	var off int64
	for i, n := range sizes {
		// Later stagers finish first, so completion order differs from range order.
		s := &fakeStager{data: randBytes(n), delay: time.Duration(len(sizes)-i) * 5 * time.Millisecond}
		r := br(off, off+int64(n))
		builder.Add(r, s)
		stagers = append(stagers, s)
		ranges = append(ranges, r)
		off += int64(n)
	}
	stager, err := builder.Build()
	require.NoError(t, err)
	assert.Equal(t, off, stager.SlabSize())
	assert.Equal(t, 2*off, stager.StagingCostBytes())

	slab, err := stager.StageBuffer(context.Background())
	require.NoError(t, err)
	require.Len(t, slab, int(off))
	for i, r := range ranges {
		assert.True(t, bytes.Equal(stagers[i].data, slab[r.Lower:r.Upper]), "range %s", r)
	}

	_, err = builder.Build()
	assert.ErrorIs(t, err, ErrBuilderUsed)
}

func TestBatchedBufferStagerSizeMismatch(t *testing.T) {
	stager, err := NewBatchedBufferStager([]StagerPart{
		{ByteRange: br(0, 4), Stager: &fakeStager{data: randBytes(4)}},
		{ByteRange: br(4, 8), Stager: &fakeStager{data: randBytes(5)}},
	})
	require.NoError(t, err)
	slab, err := stager.StageBuffer(context.Background())
	require.Error(t, err)
	assert.Nil(t, slab)
	assert.True(t, errors.Is(err, ErrSizeMismatch), "got %v", err)
}

func TestBatchedBufferStagerFailureWaitsForSiblings(t *testing.T) {
	var done int32
	boom := errors.New("boom")
	parts := []StagerPart{
		{ByteRange: br(0, 4), Stager: &fakeStager{block: true, done: &done}},
		{ByteRange: br(4, 8), Stager: &fakeStager{err: boom, done: &done}},
		{ByteRange: br(8, 12), Stager: &fakeStager{block: true, done: &done}},
	}
	stager, err := NewBatchedBufferStager(parts)
	require.NoError(t, err)
	_, err = stager.StageBuffer(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom), "got %v", err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&done), "every sub-stager must have returned")
}

func TestBatchedBufferConsumer(t *testing.T) {
	a, b := &fakeConsumer{}, &fakeConsumer{}
	consumer, err := NewBatchedBufferConsumer([]ConsumerPart{
		{ByteRange: br(0, 3), Consumer: a},
		{ByteRange: br(5, 8), Consumer: b},
	}, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8+7+7), consumer.ConsumingCostBytes())

	buf := []byte("abcdefgh")
	require.NoError(t, consumer.ConsumeBuffer(context.Background(), buf))
	assert.Equal(t, [][]byte{[]byte("abc")}, a.got)
	assert.Equal(t, [][]byte{[]byte("fgh")}, b.got)

	err = consumer.ConsumeBuffer(context.Background(), buf[:7])
	assert.True(t, errors.Is(err, ErrSizeMismatch), "got %v", err)

	_, err = NewBatchedBufferConsumer([]ConsumerPart{{ByteRange: br(4, 9), Consumer: a}}, 8)
	assert.True(t, errors.Is(err, ErrRangeOutOfBounds), "got %v", err)
}

func TestBatchedBufferConsumerFailure(t *testing.T) {
	var done int32
	boom := errors.New("cannot restore")
	consumer, err := NewBatchedBufferConsumer([]ConsumerPart{
		{ByteRange: br(0, 2), Consumer: &fakeConsumer{block: true, done: &done}},
		{ByteRange: br(2, 4), Consumer: &fakeConsumer{err: boom, done: &done}},
		{ByteRange: br(0, 4), Consumer: &fakeConsumer{block: true, done: &done}},
	}, 4)
	require.NoError(t, err)
	err = consumer.ConsumeBuffer(context.Background(), make([]byte, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom), "got %v", err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&done))
}

func tensorEntry(location string, size int64) *manifest.TensorEntry {
	return &manifest.TensorEntry{
		Location:   location,
		Serializer: manifest.SerializerBufferProtocol,
		DType:      "Uint8",
		Shape:      []int64{size},
	}
}

func writeReq(e *manifest.TensorEntry) *ioreq.WriteReq {
	return &ioreq.WriteReq{Path: e.Location, BufferStager: &fakeEntryStager{entry: e}}
}

func TestBatchWriteRequestsScenario(t *testing.T) {
	const mb = 1 << 20
	var entries []manifest.Entry
	var reqs []*ioreq.WriteReq
	for _, name := range []string{"foo", "bar", "baz", "qux"} {
		e := tensorEntry("dir/"+name, 30*mb)
		entries = append(entries, e)
		reqs = append(reqs, writeReq(e))
	}

	newEntries, batched, err := BatchWriteRequests(entries, reqs, 50*mb)
	require.NoError(t, err)
	require.Len(t, batched, 2)
	for _, wr := range batched {
		assert.True(t, strings.HasPrefix(wr.Path, SlabPrefix+"/"), wr.Path)
		assert.IsType(t, &BatchedBufferStager{}, wr.BufferStager)
	}
	assert.NotEqual(t, batched[0].Path, batched[1].Path)

	for i, e := range newEntries {
		te := e.(*manifest.TensorEntry)
		slab := batched[i/2]
		assert.Equal(t, slab.Path, te.Location)
		require.NotNil(t, te.ByteRange)
		lower := int64(i%2) * 30 * mb
		assert.Equal(t, br(lower, lower+30*mb), *te.ByteRange)

		parts := slab.BufferStager.(*BatchedBufferStager).Parts()
		assert.Same(t, reqs[i].BufferStager, parts[i%2].Stager)

		// The caller's entries are untouched.
		orig := entries[i].(*manifest.TensorEntry)
		assert.True(t, strings.HasPrefix(orig.Location, "dir/"))
		assert.Nil(t, orig.ByteRange)
	}
}

func TestBatchWriteRequestsSlabCount(t *testing.T) {
	for _, tc := range []struct{ n, size, threshold int64 }{
		{10, 3, 10},
		{10, 5, 10},
		{7, 1, 100},
		{1, 99, 100},
		{12, 4, 4}, // every request alone in the request stream
	} {
		t.Run(fmt.Sprintf("n=%d,s=%d,t=%d", tc.n, tc.size, tc.threshold), func(t *testing.T) {
			var entries []manifest.Entry
			var reqs []*ioreq.WriteReq
			for i := int64(0); i < tc.n; i++ {
				e := tensorEntry(fmt.Sprintf("t/%d", i), tc.size)
				entries = append(entries, e)
				reqs = append(reqs, writeReq(e))
			}
			_, batched, err := BatchWriteRequests(entries, reqs, tc.threshold)
			require.NoError(t, err)

			if tc.size >= tc.threshold {
				require.Len(t, batched, int(tc.n))
				for i := range batched {
					assert.Same(t, reqs[i], batched[i])
				}
				return
			}
			perSlab := (tc.threshold + tc.size - 1) / tc.size
			wantSlabs := (tc.n + perSlab - 1) / perSlab
			require.Len(t, batched, int(wantSlabs))
			for i, wr := range batched {
				stager := wr.BufferStager.(*BatchedBufferStager)
				// Only the element that reached the threshold may push a slab past it.
				assert.Less(t, stager.SlabSize()-tc.size, tc.threshold)
				if i < len(batched)-1 {
					assert.GreaterOrEqual(t, stager.SlabSize(), tc.threshold)
				}
			}
		})
	}
}

func TestBatchWriteRequestsPassthrough(t *testing.T) {
	small := tensorEntry("small", 8)
	big := tensorEntry("big", 64)
	encoded := &manifest.TensorEntry{Location: "int4", Serializer: manifest.SerializerCBOR, DType: "S4", Shape: []int64{3}}
	object := &manifest.ObjectEntry{Location: "obj", Serializer: manifest.SerializerCBOR}
	plain := &ioreq.WriteReq{Path: "plain", BufferStager: &fakeStager{data: randBytes(3)}}

	reqs := []*ioreq.WriteReq{
		writeReq(small),
		writeReq(big),
		{Path: "int4", BufferStager: &fakeEntryStager{entry: encoded}},
		{Path: "obj", BufferStager: &fakeEntryStager{entry: object}},
		plain,
	}
	entries := []manifest.Entry{small, big, encoded, object}
	newEntries, batched, err := BatchWriteRequests(entries, reqs, 32)
	require.NoError(t, err)
	require.Len(t, batched, 5)
	assert.Same(t, reqs[1], batched[0])
	assert.Same(t, reqs[2], batched[1])
	assert.Same(t, reqs[3], batched[2])
	assert.Same(t, reqs[4], batched[3])
	assert.Equal(t, batched[4].Path, newEntries[0].(*manifest.TensorEntry).Location)

	assert.Equal(t, big, newEntries[1])
	assert.NotSame(t, big, newEntries[1])
	assert.Equal(t, encoded, newEntries[2])
	assert.Equal(t, object, newEntries[3])
}

func TestBatchWriteRequestsUnsizedTensorsStandalone(t *testing.T) {
	small := tensorEntry("small", 8)
	var entries []manifest.Entry
	reqs := []*ioreq.WriteReq{writeReq(small)}
	entries = append(entries, small)
	for _, dtype := range []string{"S4", "F8E5M2", "complex_float7"} {
		e := &manifest.TensorEntry{Location: dtype, Serializer: manifest.SerializerBufferProtocol, DType: dtype, Shape: []int64{4}}
		assert.False(t, IsBatchable(e), dtype)
		entries = append(entries, e)
		reqs = append(reqs, writeReq(e))
	}
	assert.True(t, IsBatchable(small))

	newEntries, batched, err := BatchWriteRequests(entries, reqs, 32)
	require.NoError(t, err)
	require.Len(t, batched, 4)
	for i := range 3 {
		assert.Same(t, reqs[i+1], batched[i])
		assert.Equal(t, entries[i+1], newEntries[i+1])
	}
	assert.True(t, strings.HasPrefix(batched[3].Path, SlabPrefix+"/"))
}

func TestBatchWriteRequestsNestedEntries(t *testing.T) {
	c0, c1 := tensorEntry("emb_0", 4), tensorEntry("emb_1", 4)
	s0 := tensorEntry("sharded/w_0", 6)
	entries := []manifest.Entry{
		&manifest.ChunkedTensorEntry{DType: "Uint8", Shape: []int64{8}, Chunks: []manifest.Shard{
			{Offsets: []int64{0}, Sizes: []int64{4}, Tensor: c0},
			{Offsets: []int64{4}, Sizes: []int64{4}, Tensor: c1},
		}},
		&manifest.ShardedTensorEntry{Shards: []manifest.Shard{{Offsets: []int64{0}, Sizes: []int64{6}, Tensor: s0}}},
	}
	reqs := []*ioreq.WriteReq{writeReq(c0), writeReq(c1), writeReq(s0)}
	newEntries, batched, err := BatchWriteRequests(entries, reqs, 1024)
	require.NoError(t, err)
	require.Len(t, batched, 1)

	chunks := newEntries[0].(*manifest.ChunkedTensorEntry).Chunks
	shard := newEntries[1].(*manifest.ShardedTensorEntry).Shards[0].Tensor
	assert.Equal(t, br(0, 4), *chunks[0].Tensor.ByteRange)
	assert.Equal(t, br(4, 8), *chunks[1].Tensor.ByteRange)
	assert.Equal(t, br(8, 14), *shard.ByteRange)
	for _, te := range []*manifest.TensorEntry{chunks[0].Tensor, chunks[1].Tensor, shard} {
		assert.Equal(t, batched[0].Path, te.Location)
	}
	assert.Equal(t, "emb_0", c0.Location)
}

func TestBatchWriteRequestsMissingEntry(t *testing.T) {
	orphan := tensorEntry("orphan", 4)
	_, _, err := BatchWriteRequests(nil, []*ioreq.WriteReq{writeReq(orphan)}, 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingEntry), "got %v", err)
}

func TestBatchWriteRequestsDuplicateLocation(t *testing.T) {
	e := tensorEntry("dup", 4)
	_, _, err := BatchWriteRequests([]manifest.Entry{e}, []*ioreq.WriteReq{writeReq(e), writeReq(e)}, 1024)
	assert.True(t, errors.Is(err, ErrDuplicateLocation), "got %v", err)
}

func rangedRead(path string, lower, upper int64, c ioreq.BufferConsumer) *ioreq.ReadReq {
	r := br(lower, upper)
	return &ioreq.ReadReq{Path: path, BufferConsumer: c, ByteRange: &r}
}

func TestBatchReadRequestsMerge(t *testing.T) {
	a, b := &fakeConsumer{}, &fakeConsumer{}
	batched, err := BatchReadRequests([]*ioreq.ReadReq{
		rangedRead("f", 0, 100, a),
		rangedRead("f", 100, 200, b),
	})
	require.NoError(t, err)
	require.Len(t, batched, 1)
	rr := batched[0]
	assert.Equal(t, "f", rr.Path)
	assert.Equal(t, br(0, 200), *rr.ByteRange)

	buf := randBytes(200)
	require.NoError(t, rr.BufferConsumer.ConsumeBuffer(context.Background(), buf))
	assert.Equal(t, [][]byte{buf[:100]}, a.got)
	assert.Equal(t, [][]byte{buf[100:]}, b.got)
}

func TestBatchReadRequestsHolesAndOffsets(t *testing.T) {
	a, b, c := &fakeConsumer{}, &fakeConsumer{}, &fakeConsumer{}
	batched, err := BatchReadRequests([]*ioreq.ReadReq{
		rangedRead("g", 80, 100, a),
		rangedRead("h", 0, 10, c),
		rangedRead("g", 50, 60, b),
	})
	require.NoError(t, err)
	require.Len(t, batched, 2)
	assert.Equal(t, "g", batched[0].Path)
	assert.Equal(t, br(50, 100), *batched[0].ByteRange)
	assert.Equal(t, "h", batched[1].Path)

	object := randBytes(100)
	require.NoError(t, batched[0].BufferConsumer.ConsumeBuffer(context.Background(), object[50:100]))
	assert.Equal(t, [][]byte{object[80:100]}, a.got)
	assert.Equal(t, [][]byte{object[50:60]}, b.got)
}

func TestBatchReadRequestsWholeObjectPassthrough(t *testing.T) {
	whole1 := &ioreq.ReadReq{Path: "f", BufferConsumer: &fakeConsumer{}}
	whole2 := &ioreq.ReadReq{Path: "f", BufferConsumer: &fakeConsumer{}}
	ranged := rangedRead("f", 0, 10, &fakeConsumer{})
	batched, err := BatchReadRequests([]*ioreq.ReadReq{whole1, ranged, whole2})
	require.NoError(t, err)
	require.Len(t, batched, 3)
	assert.Same(t, whole1, batched[0])
	assert.Same(t, whole2, batched[1])
	assert.Equal(t, br(0, 10), *batched[2].ByteRange)
}

func TestBatchReadRequestsInvalidRange(t *testing.T) {
	_, err := BatchReadRequests([]*ioreq.ReadReq{rangedRead("f", 10, 0, &fakeConsumer{})})
	require.Error(t, err)
}
