// pkg/object/bwlimit.go

package object

import (
	"fmt"
	"io"

	"github.com/juju/ratelimit"
)

type limitedReader struct {
	io.Reader
	r *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.Reader.Read(buf)
	if l.r != nil && n > 0 {
		l.r.Wait(int64(n))
	}
	return n, err
}

// Close closes the underlying reader
func (l *limitedReader) Close() error {
	if rc, ok := l.Reader.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}

type bwlimit struct {
	ObjectStorage
	upLimit   *ratelimit.Bucket
	downLimit *ratelimit.Bucket
}

// NewLimited caps the upload and download bandwidth of o, in bytes per second. A limit
// <= 0 leaves that direction unlimited.
func NewLimited(o ObjectStorage, up, down int64) ObjectStorage {
	if up <= 0 && down <= 0 {
		return o
	}
	bw := &bwlimit{o, nil, nil}
	if up > 0 {
		bw.upLimit = ratelimit.NewBucketWithRate(float64(up), up)
	}
	if down > 0 {
		bw.downLimit = ratelimit.NewBucketWithRate(float64(down), down)
	}
	return bw
}

func (p *bwlimit) String() string {
	return fmt.Sprintf("%s(limited)", p.ObjectStorage)
}

func (p *bwlimit) Get(key string, off, limit int64) (io.ReadCloser, error) {
	r, err := p.ObjectStorage.Get(key, off, limit)
	if err != nil || p.downLimit == nil {
		return r, err
	}
	return &limitedReader{r, p.downLimit}, nil
}

func (p *bwlimit) Put(key string, in io.Reader) error {
	if p.upLimit != nil {
		in = &limitedReader{in, p.upLimit}
	}
	return p.ObjectStorage.Put(key, in)
}
