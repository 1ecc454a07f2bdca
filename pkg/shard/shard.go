// SPDX-License-Identifier: AGPL-3.0-only

// Package shard computes shard assignment for series and exposes the
// ShardMapper contract the planners use to learn which shards are
// assigned, and to which node, per spec.md §3 and §4.8's note that cluster
// membership is an external collaborator.
package shard

import (
	"context"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/common/model"
)

// ID is a shard identifier in [0, numShards).
type ID uint32

// Status is the lifecycle state of a shard as tracked by the external
// cluster-membership system, mirrored here only through the read-only
// interface the query core needs.
type Status int

const (
	StatusUnassigned Status = iota
	StatusAssigned
	StatusRecovery
	StatusActive
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnassigned:
		return "Unassigned"
	case StatusAssigned:
		return "Assigned"
	case StatusRecovery:
		return "Recovery"
	case StatusActive:
		return "Active"
	case StatusStopped:
		return "Stopped"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Queryable reports whether a shard in this Status can serve a scan. Only
// Active shards can; Unassigned, Recovery and Error shards cannot, per
// spec.md §8's ShardNotAvailable invariant.
func (s Status) Queryable() bool { return s == StatusActive }

// Mapper is the opaque, externally-maintained contract for shard-to-node
// assignment and shard health, per spec.md §3. The core never mutates
// assignment; it only reads it during planning.
type Mapper interface {
	// ShardsForCoord returns the shard IDs assigned to node.
	ShardsForCoord(ctx context.Context, node string) ([]ID, error)
	// StatusForShard returns the current Status of shardID.
	StatusForShard(ctx context.Context, shardID ID) (Status, error)
	// NumShards returns the total number of shards configured for the
	// dataset this Mapper serves.
	NumShards() int
}

// StaticMapper is a Mapper whose every shard is always Active and assigned
// to a single node, for a single-process deployment with no external
// cluster-membership system to consult — the common case for an embedded
// or standalone instance of this query core.
type StaticMapper struct {
	Node         string
	NumShardsCfg int
}

func NewStaticMapper(node string, numShards int) *StaticMapper {
	return &StaticMapper{Node: node, NumShardsCfg: numShards}
}

func (m *StaticMapper) ShardsForCoord(_ context.Context, node string) ([]ID, error) {
	if node != m.Node {
		return nil, nil
	}
	out := make([]ID, m.NumShardsCfg)
	for i := range out {
		out[i] = ID(i)
	}
	return out, nil
}

func (m *StaticMapper) StatusForShard(_ context.Context, shardID ID) (Status, error) {
	if int(shardID) >= m.NumShardsCfg {
		return StatusUnassigned, nil
	}
	return StatusActive, nil
}

func (m *StaticMapper) NumShards() int { return m.NumShardsCfg }

// ForKey computes the shard ID for a set of shard-key column values hashed
// together, per spec.md §3: shardId = hash(shardKeyColumns) mod numShards.
func ForKey(keyHash model.Fingerprint, numShards int) ID {
	if numShards <= 0 {
		return 0
	}
	return ID(uint64(keyHash) % uint64(numShards))
}

// HashValues combines ordered column values into the single Fingerprint
// ForKey expects, the same typed hash prometheus/common/model uses to
// identify a label set. Column order must be canonicalized (e.g. sorted) by
// the caller so the same logical key always hashes identically.
func HashValues(values ...string) model.Fingerprint {
	d := xxhash.New()
	for _, v := range values {
		_, _ = d.WriteString(v)
		_, _ = d.Write([]byte{0}) // separator, avoids "ab","c" colliding with "a","bc"
	}
	return model.Fingerprint(d.Sum64())
}

// Spread is log2(number of shards queried for a shard-key class), per the
// GLOSSARY. NumShardsToQuery rounds up to the nearest power of two implied
// by spread.
type Spread int

// NumShardsToQuery returns 2^spread, the number of shards a query at this
// spread level must fan out to.
func (s Spread) NumShardsToQuery() int {
	if s < 0 {
		return 1
	}
	return 1 << uint(s)
}

// SpreadFromShardCount returns the smallest Spread whose NumShardsToQuery
// is >= n, i.e. ceil(log2(n)).
func SpreadFromShardCount(n int) Spread {
	if n <= 1 {
		return 0
	}
	return Spread(bits.Len(uint(n - 1)))
}

// ShardsForSpread returns the contiguous block of shard IDs a query at the
// given spread must fan out to for one shard-key hash, per spec.md §4.3.
// Shards are partitioned into fixed-size blocks of NumShardsToQuery()
// contiguous IDs; the block containing ForKey(keyHash, numShards) is the
// answer, matching how a lower query spread than the ingestion spread
// degrades to scanning every shard a key's writes could have landed on.
func ShardsForSpread(keyHash model.Fingerprint, numShards int, spread Spread) []ID {
	if numShards <= 0 {
		return nil
	}
	n := spread.NumShardsToQuery()
	if n > numShards {
		n = numShards
	}
	base := int(ForKey(keyHash, numShards))
	blockStart := (base / n) * n

	out := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ID((blockStart+i)%numShards))
	}
	return out
}
