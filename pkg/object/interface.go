// pkg/object/interface.go

// Package object stores the objects of a snapshot: slabs, standalone tensors, encoded
// values and the manifest.
package object

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/utils"
)

var logger = utils.GetLogger("snapshot")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is a flat key/value blob store.
type ObjectStorage interface {
	// String describes the storage, like file:///path/ .
	String() string
	// Create the bucket if it does not exist.
	Create() error
	// Get returns limit bytes of the object starting at off. A negative limit reads to the end.
	Get(key string, off, limit int64) (io.ReadCloser, error)
	// Put replaces the object with the content of in.
	Put(key string, in io.Reader) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(key string) error
}

type Creator func(endpoint string) (ObjectStorage, error)

var (
	storagesMu sync.Mutex
	storages   = make(map[string]Creator)
)

// Register makes a storage backend available under name.
func Register(name string, creator Creator) {
	storagesMu.Lock()
	defer storagesMu.Unlock()
	storages[name] = creator
}

// Backends returns the registered backend names.
func Backends() []string {
	storagesMu.Lock()
	defer storagesMu.Unlock()
	names := make([]string, 0, len(storages))
	for name := range storages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateStorage opens the storage named name (file, mem) at endpoint.
func CreateStorage(name, endpoint string) (ObjectStorage, error) {
	storagesMu.Lock()
	f, ok := storages[strings.ToLower(name)]
	storagesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("invalid storage: %s", name)
	}
	return f(endpoint)
}

type readCloser struct {
	io.Reader
	io.Closer
}
