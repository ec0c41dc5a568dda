// pkg/meta/config.go

package meta

import "time"

// Config for clients.
type Config struct {
	Retries int
	// Prefix is prepended to every key, so several catalogs can share one database.
	Prefix string
}

// Info describes one snapshot recorded in the catalog.
type Info struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Storage  string    `json:"storage"`
	Version  string    `json:"version"`
	Created  time.Time `json:"created"`
	Entries  int       `json:"entries"`
	Requests int       `json:"requests"`
	Slabs    int       `json:"slabs"`
	Bytes    int64     `json:"bytes"`
}
