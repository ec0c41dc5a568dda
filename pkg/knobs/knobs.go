// pkg/knobs/knobs.go

// Package knobs holds the tuning parameters of snapshot I/O. Values come from Default,
// optionally overridden by environment variables (FromEnv) or command line flags, and are
// passed explicitly to the code that needs them.
package knobs

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const (
	DefaultSlabSizeThresholdBytes  int64 = 128 << 20
	DefaultMaxChunkSizeBytes       int64 = 512 << 20
	DefaultMaxPerRankIOConcurrency       = 16
	DefaultMemoryBudgetBytes       int64 = 4 << 30

	EnvSlabSizeThreshold = "TORCHSNAPSHOT_SLAB_SIZE_THRESHOLD_BYTES_OVERRIDE"
	EnvMaxChunkSize      = "TORCHSNAPSHOT_MAX_CHUNK_SIZE_BYTES_OVERRIDE"
	EnvMaxIOConcurrency  = "TORCHSNAPSHOT_MAX_PER_RANK_IO_CONCURRENCY_OVERRIDE"
	EnvMemoryBudget      = "TORCHSNAPSHOT_PER_RANK_MEMORY_BUDGET_BYTES_OVERRIDE"
	EnvDisableBatching   = "TORCHSNAPSHOT_DISABLE_BATCHING"
)

// Config for snapshot I/O.
type Config struct {
	// SlabSizeThresholdBytes is the size at which a slab is sealed. Payloads at least this
	// large are written on their own.
	SlabSizeThresholdBytes int64
	// MaxChunkSizeBytes is the size above which a tensor is split into chunks.
	MaxChunkSizeBytes int64
	// MaxPerRankIOConcurrency bounds the number of requests in flight.
	MaxPerRankIOConcurrency int
	// MemoryBudgetBytes bounds the sum of staging/consuming costs in flight.
	MemoryBudgetBytes int64
	DisableBatching   bool
}

func Default() Config {
	return Config{
		SlabSizeThresholdBytes:  DefaultSlabSizeThresholdBytes,
		MaxChunkSizeBytes:       DefaultMaxChunkSizeBytes,
		MaxPerRankIOConcurrency: DefaultMaxPerRankIOConcurrency,
		MemoryBudgetBytes:       DefaultMemoryBudgetBytes,
	}
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %s=%q", name, v)
	}
	if n <= 0 {
		return errors.Errorf("%s must be positive, got %d", name, n)
	}
	*dst = n
	return nil
}

// FromEnv returns Default overridden by the TORCHSNAPSHOT_* environment variables.
func FromEnv() (Config, error) {
	c := Default()
	for name, dst := range map[string]*int64{
		EnvSlabSizeThreshold: &c.SlabSizeThresholdBytes,
		EnvMaxChunkSize:      &c.MaxChunkSizeBytes,
		EnvMemoryBudget:      &c.MemoryBudgetBytes,
	} {
		if err := envInt64(name, dst); err != nil {
			return c, err
		}
	}
	concurrency := int64(c.MaxPerRankIOConcurrency)
	if err := envInt64(EnvMaxIOConcurrency, &concurrency); err != nil {
		return c, err
	}
	c.MaxPerRankIOConcurrency = int(concurrency)
	if v, ok := os.LookupEnv(EnvDisableBatching); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, errors.Wrapf(err, "parse %s=%q", EnvDisableBatching, v)
		}
		c.DisableBatching = b
	}
	return c, nil
}

// Validate checks that every limit is usable.
func (c Config) Validate() error {
	switch {
	case c.SlabSizeThresholdBytes <= 0:
		return errors.Errorf("slab size threshold must be positive, got %d", c.SlabSizeThresholdBytes)
	case c.MaxChunkSizeBytes <= 0:
		return errors.Errorf("max chunk size must be positive, got %d", c.MaxChunkSizeBytes)
	case c.MaxPerRankIOConcurrency <= 0:
		return errors.Errorf("io concurrency must be positive, got %d", c.MaxPerRankIOConcurrency)
	case c.MemoryBudgetBytes <= 0:
		return errors.Errorf("memory budget must be positive, got %d", c.MemoryBudgetBytes)
	}
	return nil
}
