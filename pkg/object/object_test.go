// pkg/object/object_test.go

package object

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, s ObjectStorage, key string, off, limit int64) []byte {
	t.Helper()
	r, err := s.Get(key, off, limit)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func testStorage(t *testing.T, s ObjectStorage) {
	require.NoError(t, s.Create())
	data := []byte("0123456789abcdef")
	require.NoError(t, s.Put("a/b/slab", bytes.NewReader(data)))

	assert.Equal(t, data, get(t, s, "a/b/slab", 0, -1))
	assert.Equal(t, data[4:10], get(t, s, "a/b/slab", 4, 6))
	assert.Equal(t, data[12:], get(t, s, "a/b/slab", 12, 100))
	assert.Empty(t, get(t, s, "a/b/slab", 3, 0))

	_, err := s.Get("missing", 0, -1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("a/b/slab", bytes.NewReader(data[:3])))
	assert.Equal(t, data[:3], get(t, s, "a/b/slab", 0, -1))

	require.NoError(t, s.Delete("a/b/slab"))
	require.NoError(t, s.Delete("a/b/slab"))
	_, err = s.Get("a/b/slab", 0, -1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Check(s))
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := CreateStorage("file", dir)
	require.NoError(t, err)
	assert.Equal(t, "file://"+dir+"/", s.String())
	testStorage(t, s)

	require.NoError(t, s.Put("x", bytes.NewReader([]byte("y"))))
	content, err := os.ReadFile(filepath.Join(dir, "x"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(content))
}

func TestMemStorage(t *testing.T) {
	s, err := CreateStorage("MEM", "test")
	require.NoError(t, err)
	assert.Equal(t, "mem://test", s.String())
	testStorage(t, s)
}

func TestCreateStorageUnknown(t *testing.T) {
	_, err := CreateStorage("s3", "bucket")
	assert.Error(t, err)
	assert.Equal(t, []string{"file", "mem"}, Backends())
}

func TestWithPrefix(t *testing.T) {
	base, _ := newMem("base")
	s := WithPrefix(base, "snap/0/")
	assert.Equal(t, "mem://basesnap/0/", s.String())
	testStorage(t, s)

	require.NoError(t, s.Put("k", bytes.NewReader([]byte("v"))))
	assert.Equal(t, []string{"snap/0/k"}, base.(*memStore).Keys())
}

func TestLimited(t *testing.T) {
	base, _ := newMem("base")
	assert.Same(t, base, NewLimited(base, 0, 0))

	s := NewLimited(base, 1<<20, 1<<20)
	assert.Equal(t, "mem://base(limited)", s.String())
	testStorage(t, s)
}
