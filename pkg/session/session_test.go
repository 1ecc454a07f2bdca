// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestQueryStatsAccumulate(t *testing.T) {
	stats := NewQueryStats(prometheus.NewRegistry())
	stats.AddSamplesScanned(100)
	stats.AddSamplesScanned(50)
	stats.AddShardQueried()
	stats.AddShardQueried()
	stats.MarkPartial()

	assert.EqualValues(t, 150, stats.SamplesScanned.Load())
	assert.EqualValues(t, 2, stats.ShardsQueried.Load())
	assert.True(t, stats.PartialResult.Load())
}

func TestQueryContextDeadline(t *testing.T) {
	qc := NewQueryContext("q1", DefaultPlannerParams(), prometheus.NewRegistry())
	ctx, cancel := qc.WithDeadline(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.False(t, deadline.IsZero())
}
