// SPDX-License-Identifier: AGPL-3.0-only

package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpreadFromShardCount(t *testing.T) {
	cases := []struct {
		n    int
		want Spread
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SpreadFromShardCount(c.n), "n=%d", c.n)
	}
}

func TestNumShardsToQuery(t *testing.T) {
	assert.Equal(t, 1, Spread(0).NumShardsToQuery())
	assert.Equal(t, 4, Spread(2).NumShardsToQuery())
}

func TestForKeyDeterministic(t *testing.T) {
	h := HashValues("demo", "localNs", "foo")
	a := ForKey(h, 16)
	b := ForKey(h, 16)
	assert.Equal(t, a, b)
	assert.Less(t, uint32(a), uint32(16))
}

func TestSpreadChangePoints(t *testing.T) {
	p := NewFunctionalSpreadProvider(
		Window{StartMs: 0, EndMs: 1000, Spread: 1},
		Window{StartMs: 1000, EndMs: 0, Spread: 2},
	)

	assert.Equal(t, Spread(1), p.SpreadAt(500))
	assert.Equal(t, Spread(2), p.SpreadAt(1500))

	points := p.ChangePointsIn(0, 2000)
	assert.Equal(t, []int64{1000}, points)
}

func TestShardsForSpreadReturnsContiguousBlock(t *testing.T) {
	h := HashValues("demo", "localNs", "foo")
	shards := ShardsForSpread(h, 16, Spread(2))
	assert.Len(t, shards, 4)
	for _, id := range shards {
		assert.Less(t, uint32(id), uint32(16))
	}
	// spread 0 always yields exactly the single shard ForKey would pick.
	single := ShardsForSpread(h, 16, Spread(0))
	assert.Equal(t, []ID{ForKey(h, 16)}, single)
}

func TestStatusQueryable(t *testing.T) {
	assert.True(t, StatusActive.Queryable())
	assert.False(t, StatusRecovery.Queryable())
	assert.False(t, StatusError.Queryable())
	assert.False(t, StatusUnassigned.Queryable())
}

func TestStaticMapperAllShardsActiveOnOneNode(t *testing.T) {
	m := NewStaticMapper("node-1", 4)
	assert.Equal(t, 4, m.NumShards())

	ids, err := m.ShardsForCoord(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, []ID{0, 1, 2, 3}, ids)

	ids, err = m.ShardsForCoord(context.Background(), "node-2")
	require.NoError(t, err)
	assert.Empty(t, ids)

	for i := 0; i < 4; i++ {
		st, err := m.StatusForShard(context.Background(), ID(i))
		require.NoError(t, err)
		assert.True(t, st.Queryable())
	}
	st, err := m.StatusForShard(context.Background(), ID(4))
	require.NoError(t, err)
	assert.False(t, st.Queryable())
}
