// pkg/meta/mem.go

package meta

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// memCatalog lives as long as the process. Catalogs opened with the same address share
// their content.
type memCatalog struct {
	sync.Mutex
	name  string
	infos map[string]Info
}

var (
	memCatalogsMu sync.Mutex
	memCatalogs   = make(map[string]*memCatalog)
)

func init() {
	Register("mem", newMemCatalog)
}

func newMemCatalog(driver, addr string, conf *Config) (Catalog, error) {
	name := driver + "://" + conf.Prefix + addr
	memCatalogsMu.Lock()
	defer memCatalogsMu.Unlock()
	c, ok := memCatalogs[name]
	if !ok {
		c = &memCatalog{name: name, infos: make(map[string]Info)}
		memCatalogs[name] = c
	}
	return c, nil
}

func (m *memCatalog) Name() string {
	return m.name
}

func (m *memCatalog) Record(ctx context.Context, info *Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(info)
	m.Lock()
	defer m.Unlock()
	m.infos[info.ID] = *info
	return nil
}

func (m *memCatalog) Get(ctx context.Context, id string) (*Info, error) {
	m.Lock()
	defer m.Unlock()
	info, ok := m.infos[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return &info, nil
}

func (m *memCatalog) List(ctx context.Context) ([]*Info, error) {
	m.Lock()
	defer m.Unlock()
	infos := make([]*Info, 0, len(m.infos))
	for _, info := range m.infos {
		infos = append(infos, &info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Created.Equal(infos[j].Created) {
			return infos[i].Created.Before(infos[j].Created)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}
