// pkg/object/check.go

package object

import (
	"bytes"
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func checkOnce(store ObjectStorage, key string, data []byte) error {
	if err := store.Put(key, bytes.NewReader(data)); err != nil {
		if err2 := store.Create(); err2 != nil {
			return errors.Errorf("create %s: %s, previous error: %s", store, err2, err)
		}
		if err := store.Put(key, bytes.NewReader(data)); err != nil {
			return errors.Wrap(err, "put")
		}
	}
	// Ranged read, the way slab entries are restored.
	p, err := store.Get(key, 10, 50)
	if err != nil {
		return errors.Wrap(err, "get")
	}
	data2, err := io.ReadAll(p)
	_ = p.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(data[10:60], data2) {
		return errors.New("read wrong data")
	}
	if err = store.Delete(key); err != nil {
		// it's OK to don't have deletion permission
		logger.Warnf("Failed to delete %s: %s", key, err)
	}
	return nil
}

// Check writes, reads back and deletes a small object, creating the bucket if needed.
func Check(store ObjectStorage) error {
	key := "testing/" + uuid.New().String()
	data := make([]byte, 100)
	_, _ = rand.Read(data)
	var err error
	for i := 0; i < 3; i++ {
		if err = checkOnce(store, key, data); err == nil {
			return nil
		}
		logger.Debugf("check %s: %s", store, err)
		time.Sleep(time.Millisecond * time.Duration(i*300+100))
	}
	return err
}
