// pkg/object/file.go

package object

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const dirSuffix = "/"

type filestore struct {
	root string
}

func (d *filestore) String() string {
	return "file://" + d.root
}

func (d *filestore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *filestore) Create() error {
	return os.MkdirAll(d.root, os.FileMode(0755))
}

func (d *filestore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", key)
		}
		return nil, err
	}
	if limit < 0 {
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		limit = max(0, fi.Size()-off)
	}
	return &readCloser{io.NewSectionReader(f, off, limit), f}, nil
}

// Put writes the object to a temporary file and renames it over the key, so a reader
// never observes a partial object.
func (d *filestore) Put(key string, in io.Reader) error {
	p := d.path(key)
	if strings.HasSuffix(key, dirSuffix) {
		return os.MkdirAll(p, os.FileMode(0755))
	}
	if err := os.MkdirAll(filepath.Dir(p), os.FileMode(0755)); err != nil {
		return err
	}
	return errors.Wrapf(atomic.WriteFile(p, in), "put %s", key)
}

func (d *filestore) Delete(key string) error {
	err := os.Remove(d.path(key))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

func newDisk(root string) (ObjectStorage, error) {
	if root == "" {
		return nil, errors.New("file storage needs a directory")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(root, dirSuffix) {
		root += dirSuffix
	}
	return &filestore{root: root}, nil
}

func init() {
	Register("file", newDisk)
}
