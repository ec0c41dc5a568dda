// pkg/object/mem.go

package object

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type memStore struct {
	sync.RWMutex
	name    string
	objects map[string][]byte
}

func (m *memStore) String() string {
	return "mem://" + m.name
}

func (m *memStore) Create() error {
	return nil
}

func (m *memStore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	m.RLock()
	defer m.RUnlock()
	d, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if off > int64(len(d)) {
		off = int64(len(d))
	}
	data := d[off:]
	if limit >= 0 && limit < int64(len(data)) {
		data = data[:limit]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Put(key string, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Delete(key string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.objects, key)
	return nil
}

// Keys returns the stored keys in order.
func (m *memStore) Keys() []string {
	m.RLock()
	defer m.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newMem(name string) (ObjectStorage, error) {
	return &memStore{name: name, objects: make(map[string][]byte)}, nil
}

func init() {
	Register("mem", newMem)
}
