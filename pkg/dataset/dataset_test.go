// SPDX-License-Identifier: AGPL-3.0-only

package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartKeyRoundTrip(t *testing.T) {
	cols := []string{"_ws_", "_ns_", "_metric_"}
	values := map[string]string{"_ws_": "demo", "_ns_": "localNs", "_metric_": "http_req_total"}

	pk := NewPartKey("promCounter", cols, values)
	decoded, err := pk.Decode()
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestPartKeyHashStable(t *testing.T) {
	cols := []string{"_ws_", "_ns_", "_metric_"}
	values := map[string]string{"_ws_": "demo", "_ns_": "localNs", "_metric_": "http_req_total"}

	a := NewPartKey("promCounter", cols, values)
	b := NewPartKey("promCounter", cols, values)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.String(), b.String())
}

func TestCanonicalizeMetricLabel(t *testing.T) {
	d := Dataset{Options: Options{MetricColumn: "kpi"}}
	in := map[string]string{"__name__": "foo", "job": "bar"}

	out := CanonicalizeMetricLabel(d, in)
	assert.Equal(t, "foo", out["kpi"])
	assert.NotContains(t, out, "__name__")
	assert.Equal(t, "bar", out["job"])
}

func TestDatasetDefaults(t *testing.T) {
	var d Dataset
	assert.Equal(t, MetricColumnDefault, d.MetricColumn())
	assert.Equal(t, DefaultShardKeyColumns, d.ShardKeyColumns())
}
