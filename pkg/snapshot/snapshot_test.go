// pkg/snapshot/snapshot_test.go

package snapshot

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shicheng0829/torchsnapshot/pkg/batch"
	"github.com/shicheng0829/torchsnapshot/pkg/knobs"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
	"github.com/shicheng0829/torchsnapshot/pkg/object"
	"github.com/shicheng0829/torchsnapshot/pkg/scheduler"
	"github.com/shicheng0829/torchsnapshot/pkg/tensor"
)

func randTensor(t *testing.T, dtype dtypes.DType, shape ...int) *tensor.Tensor {
	x, err := tensor.New(dtype, shape...)
	require.NoError(t, err)
	_, _ = rand.Read(x.Bytes())
	return x
}

func zerosLike(t *testing.T, x *tensor.Tensor) *tensor.Tensor {
	z, err := tensor.New(x.DType(), x.Shape()...)
	require.NoError(t, err)
	return z
}

type trainerState struct {
	Epoch int     `cbor:"epoch"`
	LR    float64 `cbor:"lr"`
}

func fileStorage(t *testing.T) (object.ObjectStorage, string) {
	dir := t.TempDir()
	s, err := object.CreateStorage("file", dir)
	require.NoError(t, err)
	return s, dir
}

func smallConfig() knobs.Config {
	cfg := knobs.Default()
	cfg.SlabSizeThresholdBytes = 50
	cfg.MaxChunkSizeBytes = 64
	return cfg
}

func TestTakeAndRestore(t *testing.T) {
	ctx := context.Background()
	storage, dir := fileStorage(t)

	foo := randTensor(t, dtypes.Uint8, 30)
	bar := randTensor(t, dtypes.Uint8, 30)
	baz := randTensor(t, dtypes.Uint8, 30)
	qux := randTensor(t, dtypes.Uint8, 30)
	big := randTensor(t, dtypes.Float32, 10, 4) // 160 bytes, chunked by 64
	top, bottom := randTensor(t, dtypes.Int16, 1, 3), randTensor(t, dtypes.Int16, 2, 3)
	sharded := &tensor.ShardedTensor{Shape: []int{3, 3}, Shards: []tensor.LocalShard{
		{Offsets: []int{0, 0}, Tensor: top},
		{Offsets: []int{1, 0}, Tensor: bottom},
	}}
	state := AppState{
		"foo": foo, "bar": bar, "baz": baz, "qux": qux,
		"model/big":     big,
		"model/sharded": sharded,
		"trainer":       trainerState{Epoch: 3, LR: 0.5},
	}

	snap, err := Take(ctx, "run/step_3", storage, state, smallConfig(), Quiet())
	require.NoError(t, err)
	report := snap.Report()
	assert.Equal(t, 4+3+2+1, report.Requests)
	assert.Less(t, report.Executed, report.Requests)
	assert.Greater(t, report.Slabs, 0)

	_, err = os.Stat(filepath.Join(dir, "run", "step_3", MetadataKey))
	require.NoError(t, err)

	opened, err := Open(ctx, "run/step_3", storage, Quiet())
	require.NoError(t, err)
	assert.Equal(t, 1, opened.Metadata().WorldSize)
	m := opened.Manifest()
	assert.Len(t, m, 7)
	for _, p := range []string{"foo", "bar", "baz", "qux"} {
		te := m[p].(*manifest.TensorEntry)
		assert.True(t, strings.HasPrefix(te.Location, batch.SlabPrefix+"/"), te.Location)
		require.NotNil(t, te.ByteRange)
		assert.Equal(t, int64(30), te.ByteRange.Len())
	}
	assert.Equal(t, manifest.SerializerCBOR, m["trainer"].(*manifest.ObjectEntry).Serializer)

	restoredTop, restoredBottom := zerosLike(t, top), zerosLike(t, bottom)
	var trainer trainerState
	restored := AppState{
		"foo": zerosLike(t, foo), "bar": zerosLike(t, bar), "baz": zerosLike(t, baz), "qux": zerosLike(t, qux),
		"model/big": zerosLike(t, big),
		"model/sharded": &tensor.ShardedTensor{Shape: []int{3, 3}, Shards: []tensor.LocalShard{
			{Offsets: []int{1, 0}, Tensor: restoredBottom},
			{Offsets: []int{0, 0}, Tensor: restoredTop},
		}},
		"trainer": &trainer,
	}
	restoreReport, err := opened.RestoreWithReport(ctx, restored)
	require.NoError(t, err)
	assert.LessOrEqual(t, restoreReport.Executed, restoreReport.Requests)

	for _, p := range []string{"foo", "bar", "baz", "qux", "model/big"} {
		assert.Equal(t, state[p].(*tensor.Tensor).Bytes(), restored[p].(*tensor.Tensor).Bytes(), p)
	}
	assert.Equal(t, top.Bytes(), restoredTop.Bytes())
	assert.Equal(t, bottom.Bytes(), restoredBottom.Bytes())
	assert.Equal(t, trainerState{Epoch: 3, LR: 0.5}, trainer)
}

func TestSlabLayout(t *testing.T) {
	ctx := context.Background()
	storage, err := object.CreateStorage("mem", t.Name())
	require.NoError(t, err)
	state := AppState{}
	for _, p := range []string{"foo", "bar", "baz", "qux"} {
		state[p] = randTensor(t, dtypes.Uint8, 30)
	}
	snap, err := Take(ctx, "", storage, state, smallConfig(), Quiet())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Report().Slabs)
	assert.Equal(t, 2, snap.Report().Executed)

	// Sorted paths are bar, baz, foo, qux: two per slab.
	m := snap.Manifest()
	slabOf := func(p string) string { return m[p].(*manifest.TensorEntry).Location }
	rangeOf := func(p string) manifest.ByteRange { return *m[p].(*manifest.TensorEntry).ByteRange }
	assert.Equal(t, slabOf("bar"), slabOf("baz"))
	assert.Equal(t, slabOf("foo"), slabOf("qux"))
	assert.NotEqual(t, slabOf("bar"), slabOf("foo"))
	assert.Equal(t, manifest.NewByteRange(0, 30), rangeOf("bar"))
	assert.Equal(t, manifest.NewByteRange(30, 60), rangeOf("baz"))

	dst := zerosLike(t, state["qux"].(*tensor.Tensor))
	require.NoError(t, snap.ReadObject(ctx, "qux", dst))
	assert.Equal(t, state["qux"].(*tensor.Tensor).Bytes(), dst.Bytes())
}

func TestDisableBatching(t *testing.T) {
	ctx := context.Background()
	storage, err := object.CreateStorage("mem", t.Name())
	require.NoError(t, err)
	cfg := smallConfig()
	cfg.DisableBatching = true
	state := AppState{"a": randTensor(t, dtypes.Uint8, 4), "b": randTensor(t, dtypes.Uint8, 4)}
	snap, err := Take(ctx, "s", storage, state, cfg, Quiet())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Report().Slabs)
	assert.Equal(t, snap.Report().Requests, snap.Report().Executed)
	assert.Equal(t, "0/a", snap.Manifest()["a"].(*manifest.TensorEntry).Location)
	assert.Nil(t, snap.Manifest()["a"].(*manifest.TensorEntry).ByteRange)
}

func TestRestoreErrors(t *testing.T) {
	ctx := context.Background()
	storage, dir := fileStorage(t)
	x := randTensor(t, dtypes.Uint8, 8)
	snap, err := Take(ctx, "s", storage, AppState{"x": x, "y": randTensor(t, dtypes.Uint8, 8)}, smallConfig(), Quiet())
	require.NoError(t, err)

	err = snap.Restore(ctx, AppState{"missing": zerosLike(t, x)})
	assert.Error(t, err)

	wrong, _ := tensor.New(dtypes.Float32, 2)
	err = snap.Restore(ctx, AppState{"x": wrong})
	assert.Error(t, err)

	// A truncated slab is detected instead of restoring garbage.
	slab := snap.Manifest()["x"].(*manifest.TensorEntry).Location
	require.NoError(t, os.Truncate(filepath.Join(dir, "s", filepath.FromSlash(slab)), 4))
	err = snap.Restore(ctx, AppState{"x": zerosLike(t, x), "y": zerosLike(t, x)})
	assert.ErrorIs(t, err, scheduler.ErrShortRead)

	_, err = Open(ctx, "nothing-here", storage)
	assert.ErrorIs(t, err, object.ErrNotFound)
}

func TestTakeRejectsLocationCollision(t *testing.T) {
	ctx := context.Background()
	storage, err := object.CreateStorage("mem", t.Name())
	require.NoError(t, err)
	// "w" is chunked into 0/w_0 and 0/w_64, and "w_0" is stored at 0/w_0.
	state := AppState{"w": randTensor(t, dtypes.Uint8, 80), "w_0": randTensor(t, dtypes.Uint8, 4)}
	for _, disable := range []bool{false, true} {
		cfg := smallConfig()
		cfg.DisableBatching = disable
		_, err = Take(ctx, "s", storage, state, cfg, Quiet())
		assert.ErrorIs(t, err, batch.ErrDuplicateLocation)
		assert.ErrorContains(t, err, "0/w_0")
	}
	_, err = Open(ctx, "s", storage)
	assert.ErrorIs(t, err, object.ErrNotFound)
}

func TestPackedDTypeRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage, _ := fileStorage(t)
	q := randTensor(t, dtypes.U4, 3, 5)
	require.Equal(t, int64(8), q.SizeBytes())
	state := AppState{"q": q, "bias": randTensor(t, dtypes.Uint8, 4)}
	snap, err := Take(ctx, "s", storage, state, smallConfig(), Quiet())
	require.NoError(t, err)

	qe := snap.Manifest()["q"].(*manifest.TensorEntry)
	assert.Equal(t, manifest.SerializerCBOR, qe.Serializer)
	assert.Equal(t, "0/q", qe.Location)
	assert.Nil(t, qe.ByteRange)

	reopened, err := Open(ctx, "s", storage)
	require.NoError(t, err)
	restored := AppState{"q": zerosLike(t, q), "bias": zerosLike(t, state["bias"].(*tensor.Tensor))}
	require.NoError(t, reopened.Restore(ctx, restored))
	assert.Equal(t, q.Bytes(), restored["q"].(*tensor.Tensor).Bytes())
}
