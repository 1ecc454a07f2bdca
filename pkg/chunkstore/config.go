// SPDX-License-Identifier: AGPL-3.0-only

package chunkstore

import (
	"flag"
	"time"
)

// StoreConfig is the per-dataset retention and sizing configuration named
// in spec.md §6 ("Retention knobs (per tier)"). The zero value is not
// usable; call RegisterFlags or set every field explicitly.
type StoreConfig struct {
	// MaxChunkSize bounds a chunk by sample count.
	MaxChunkSize int
	// ChunkDuration bounds a chunk by wall-clock time span.
	ChunkDuration time.Duration
	// EarliestRetainedTimestampFn, given the current wall clock, returns the
	// oldest timestamp (ms since epoch) this tier will serve. Chunks
	// entirely before it are evictable.
	EarliestRetainedTimestampFn func(nowMs int64) int64
	// MaxPartitions bounds the number of live partitions per shard before
	// FixedMaxPartitionsEvictionPolicy starts evicting by LRU. Zero or a
	// negative value disables eviction.
	MaxPartitions int
}

// RegisterFlags binds StoreConfig's scalar fields to a FlagSet, mirroring
// the RegisterFlags idiom used throughout grafana-mimir's pkg/*/config.go.
// EarliestRetainedTimestampFn has no flag equivalent; callers set it after
// parsing flags, typically as a fixed retention window subtracted from
// time.Now().
func (c *StoreConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.MaxChunkSize, prefix+".max-chunk-size", 1000, "Maximum number of samples per chunk before it is sealed.")
	f.DurationVar(&c.ChunkDuration, prefix+".chunk-duration", time.Hour, "Maximum wall-clock duration per chunk before it is sealed.")
	f.IntVar(&c.MaxPartitions, prefix+".shard-max-partitions", 1_000_000, "Maximum number of live partitions per shard before LRU eviction begins.")
}

func (c StoreConfig) chunkDurationMs() int64 { return c.ChunkDuration.Milliseconds() }

func (c StoreConfig) earliestRetained(nowMs int64) int64 {
	if c.EarliestRetainedTimestampFn == nil {
		return 0
	}
	return c.EarliestRetainedTimestampFn(nowMs)
}
