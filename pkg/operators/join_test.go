// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

func TestGroupLabelsKeyIgnoring(t *testing.T) {
	left := rangevector.SeriesKey{"instance": "a", "region": "us"}
	right := rangevector.SeriesKey{"instance": "a"}

	on, ignoring := joinOnLabels(execplan.BinaryJoinParams{Ignoring: []string{"region"}})
	assert.Empty(t, on)
	assert.Equal(t, []string{"region"}, ignoring)

	// Without stripping "region" the two keys don't match on their full
	// label sets; ignoring("region") must make them match.
	assert.NotEqual(t, groupLabelsKey(left, nil, nil), groupLabelsKey(right, nil, nil))
	assert.Equal(t, groupLabelsKey(left, on, ignoring), groupLabelsKey(right, on, ignoring))
}

func TestGroupLabelsKeyIgnoringDistinguishesOtherLabels(t *testing.T) {
	a := rangevector.SeriesKey{"instance": "a", "region": "us"}
	b := rangevector.SeriesKey{"instance": "b", "region": "us"}

	_, ignoring := joinOnLabels(execplan.BinaryJoinParams{Ignoring: []string{"region"}})
	assert.NotEqual(t, groupLabelsKey(a, nil, ignoring), groupLabelsKey(b, nil, ignoring))
}

func TestGroupLabelsKeyOnTakesPrecedenceOverIgnoring(t *testing.T) {
	key := rangevector.SeriesKey{"instance": "a", "region": "us"}
	on, ignoring := joinOnLabels(execplan.BinaryJoinParams{On: []string{"instance"}, Ignoring: []string{"region"}})
	assert.Equal(t, groupLabelsKey(key, on, ignoring), groupLabelsKey(rangevector.SeriesKey{"instance": "a"}, on, ignoring))
}
