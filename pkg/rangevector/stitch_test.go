// SPDX-License-Identifier: AGPL-3.0-only

package rangevector

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStitchNonOverlapping(t *testing.T) {
	raw := NewSliceCursor([]Sample{{10, 1}, {20, 2}})
	downsample := NewSliceCursor([]Sample{{1, 100}, {5, 200}})

	merged, err := Drain(context.Background(), Stitch(downsample, raw))
	require.NoError(t, err)

	want := []Sample{{1, 100}, {5, 200}, {10, 1}, {20, 2}}
	assert.Equal(t, want, merged)
}

func TestStitchCollisionEmitsNaN(t *testing.T) {
	a := NewSliceCursor([]Sample{{10, 1}})
	b := NewSliceCursor([]Sample{{10, 2}})

	merged, err := Drain(context.Background(), Stitch(a, b))
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(10), merged[0].TimestampMs)
	assert.True(t, math.IsNaN(merged[0].Value))
}

func TestStitchRoundTripWithSplit(t *testing.T) {
	full := []Sample{{0, 1}, {10, 2}, {20, 3}, {30, 4}, {40, 5}}

	// split(X, t=20): everything < 20 goes to one source, >= 20 to the other.
	left := NewSliceCursor(full[:2])
	right := NewSliceCursor(full[2:])

	merged, err := Drain(context.Background(), Stitch(left, right))
	require.NoError(t, err)
	assert.Equal(t, full, merged)
}

func TestStitchSingleSourcePassthrough(t *testing.T) {
	c := NewSliceCursor([]Sample{{1, 1}})
	assert.Same(t, c, Stitch(c))
}
