// pkg/meta/interface.go

// Package meta keeps a catalog of the snapshots taken, so they can be listed without
// scanning object storage.
package meta

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/utils"
)

var logger = utils.GetLogger("snapshot")

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("snapshot not recorded")

// Catalog records snapshots.
type Catalog interface {
	// Name of the catalog, like redis://host:6379/1 .
	Name() string
	// Record stores info, assigning an ID and creation time when they are empty.
	Record(ctx context.Context, info *Info) error
	// List returns every recorded snapshot, oldest first.
	List(ctx context.Context) ([]*Info, error)
	Get(ctx context.Context, id string) (*Info, error)
}

type Creator func(driver, addr string, conf *Config) (Catalog, error)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]Creator)
)

func Register(name string, register Creator) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = register
}

// NewClient connects to the catalog at uri, like redis://localhost:6379/1 or mem://name.
func NewClient(uri string, conf *Config) (Catalog, error) {
	if !strings.Contains(uri, "://") {
		uri = "redis://" + uri
	}
	p := strings.Index(uri, "://")
	driver := uri[:p]
	driversMu.Lock()
	f, ok := drivers[driver]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("invalid uri: %s", uri)
	}
	if conf == nil {
		conf = &Config{}
	}
	logger.Debugf("catalog address: %s", uri)
	c, err := f(driver, uri[p+3:], conf)
	if err != nil {
		return nil, errors.WithMessagef(err, "catalog %s://", driver)
	}
	return c, nil
}

func prepare(info *Info) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	if info.Created.IsZero() {
		info.Created = time.Now()
	}
}
