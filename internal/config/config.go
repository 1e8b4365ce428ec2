// Package config holds the engine's tunables: a plain struct tree with
// a DefaultConfig constructor, no config file parser (the front-end, if
// any, is responsible for populating this from flags/env/file).
package config

import (
	"time"

	"github.com/kartikbazzad/vfsdb/internal/types"
)

type Config struct {
	Isolation IsolationConfig
	Retry     RetryConfig
	Registry  RegistryConfig
	ReadCache ReadCacheConfig
	Workload  WorkloadConfig
}

// IsolationConfig controls the default isolation level new transactions
// get when the caller doesn't specify one.
type IsolationConfig struct {
	Default types.IsolationLevel
}

// RetryConfig configures the WithTransaction auto-transaction helper's
// backoff when a commit hits LockConflict.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// RegistryConfig configures the transaction registry's backing SQLite
// database. DSN defaults to a named shared-cache in-memory database,
// shared by every connection in the process that opens the same DSN;
// the engine never persists state to disk.
type RegistryConfig struct {
	DSN string
}

// ReadCacheConfig bounds the per-file LRU cache of materialized
// point-in-time reads.
type ReadCacheConfig struct {
	EntriesPerFile int
}

// WorkloadConfig sizes the ants-backed concurrent transaction harness
// used by the demo shell's load generator.
type WorkloadConfig struct {
	WorkerCount int
	QueueDepth  int
}

func DefaultConfig() *Config {
	return &Config{
		Isolation: IsolationConfig{
			Default: types.Snapshot,
		},
		Retry: RetryConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     1 * time.Second,
			MaxRetries:   5,
		},
		Registry: RegistryConfig{
			DSN: "file:vfsdb_registry?mode=memory&cache=shared",
		},
		ReadCache: ReadCacheConfig{
			EntriesPerFile: 32,
		},
		Workload: WorkloadConfig{
			WorkerCount: 0, // 0 = runtime.NumCPU()
			QueueDepth:  256,
		},
	}
}
