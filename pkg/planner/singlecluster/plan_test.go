// SPDX-License-Identifier: AGPL-3.0-only

package singlecluster

import (
	"context"
	"testing"

	"github.com/prometheus/prometheus/promql/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/session"
	"github.com/skydb/tsdbquery/pkg/shard"
)

type fakeMapper struct {
	numShards int
}

func (f fakeMapper) ShardsForCoord(ctx context.Context, node string) ([]shard.ID, error) { return nil, nil }
func (f fakeMapper) StatusForShard(ctx context.Context, id shard.ID) (shard.Status, error) {
	return shard.StatusActive, nil
}
func (f fakeMapper) NumShards() int { return f.numShards }

func testQctx() *session.QueryContext {
	return session.NewQueryContext("q1", session.DefaultPlannerParams(), nil)
}

func mustParse(t *testing.T, q string) parser.Expr {
	expr, err := parser.ParseExpr(q)
	require.NoError(t, err)
	return expr
}

func TestCompileBareSelectorProducesSingleLeafWithLookbackWindow(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 1000, 2000, 0, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeMultiSchemaPartitionsExec, node.Type)
	require.Len(t, node.Transformers, 1)
	assert.Equal(t, execplan.KindPeriodicSamples, node.Transformers[0].Kind())
	params := execplan.Params(node.Transformers[0]).(execplan.PeriodicSamplesParams)
	assert.Equal(t, DefaultLookback.Milliseconds(), params.WindowMs)
	assert.Equal(t, "", params.FunctionName)
}

func TestCompileRateOverMatrixSelectorSetsFunctionAndWindow(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `rate(http_requests_total[5m])`), 0, 60_000, 15_000, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeMultiSchemaPartitionsExec, node.Type)
	require.Len(t, node.Transformers, 1)
	params := execplan.Params(node.Transformers[0]).(execplan.PeriodicSamplesParams)
	assert.Equal(t, "rate", params.FunctionName)
	assert.Equal(t, int64(5*60_000), params.WindowMs)
	assert.Equal(t, int64(15_000), params.StepMs)
}

func TestCompileSumAcrossShardsPushesAggregationDown(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 4}})

	node, err := p.Compile(context.Background(), mustParse(t, `sum(up)`), 0, 60_000, 15_000, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeLocalPartitionReduceAggregateExec, node.Type)
	rp := node.Params.(execplan.ReduceAggregateParams)
	assert.Equal(t, "sum", rp.Op)
	require.Len(t, node.Children, 4)
	for _, c := range node.Children {
		require.Len(t, c.Transformers, 2)
		assert.Equal(t, execplan.KindAggregateMapReduce, c.Transformers[1].Kind())
	}
}

func TestCompileTopkDoesNotPushDownAcrossShards(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 4}})

	node, err := p.Compile(context.Background(), mustParse(t, `topk(3, up)`), 0, 60_000, 15_000, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeLocalPartitionDistConcatExec, node.Type)
	require.Len(t, node.Transformers, 2)
	assert.Equal(t, execplan.KindAggregateMapReduce, node.Transformers[0].Kind())
	mp := execplan.Params(node.Transformers[0]).(execplan.AggregateMapReduceParams)
	assert.Equal(t, "topk", mp.Op)
	assert.Equal(t, float64(3), mp.Parameter)
}

func TestCompileBinaryExprWithScalarOperand(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `up * 2`), 1000, 1000, 0, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeBinaryJoinExec, node.Type)
	bp := node.Params.(execplan.BinaryJoinParams)
	assert.Equal(t, "*", bp.Op)
	assert.True(t, bp.ScalarOnRight)
	assert.Equal(t, float64(2), bp.ScalarValue)
	require.Len(t, node.Children, 2)
}

func TestCompileSetOperatorAnd(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `up and down`), 1000, 1000, 0, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeSetOperatorExec, node.Type)
	sp := node.Params.(execplan.SetOperatorParams)
	assert.Equal(t, "and", sp.Op)
}

func TestCompileBinaryJoinWithGroupLeft(t *testing.T) {
	p := New(Config{Dataset: dataset.Dataset{}, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `up + on(job) group_left(version) down`), 1000, 1000, 0, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeBinaryJoinExec, node.Type)
	bp := node.Params.(execplan.BinaryJoinParams)
	assert.True(t, bp.GroupLeft)
	assert.Equal(t, []string{"version"}, bp.GroupLabels)
	assert.Equal(t, []string{"job"}, bp.On)
}

func TestCompileClipsRangeBeforeRetentionToEmptyResult(t *testing.T) {
	p := New(Config{
		Dataset:     dataset.Dataset{},
		Mapper:      fakeMapper{numShards: 1},
		RetentionMs: 3_600_000,
		NowFn:       func() int64 { return 10_000_000 },
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 0, 1000, 0, testQctx())
	require.NoError(t, err)
	assert.Equal(t, execplan.NodeEmptyResultExec, node.Type)
}

func TestCompileMetricNameMatcherRewrittenToMetricColumn(t *testing.T) {
	ds := dataset.Dataset{Options: dataset.Options{MetricColumn: "kpi"}}
	p := New(Config{Dataset: ds, Mapper: fakeMapper{numShards: 1}})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 1000, 1000, 0, testQctx())
	require.NoError(t, err)

	params := node.Params.(execplan.MultiSchemaPartitionsParams)
	require.Len(t, params.Filters, 1)
	assert.Equal(t, "kpi", params.Filters[0].Name)
	assert.Equal(t, "up", params.Filters[0].Value)
}

func TestCompilePinnedShardKeySelectsSingleShard(t *testing.T) {
	ds := dataset.Dataset{Options: dataset.Options{ShardKeyColumns: []string{"_ws_", "_ns_", "_metric_"}}}
	p := New(Config{Dataset: ds, Mapper: fakeMapper{numShards: 16}})

	node, err := p.Compile(context.Background(), mustParse(t, `up{_ws_="demo",_ns_="localNs"}`), 1000, 1000, 0, testQctx())
	require.NoError(t, err)
	// A fully pinned shard key at spread 0 resolves to exactly one shard, so
	// compileSelector should return the single leaf directly with no
	// DistConcat wrapper.
	assert.Equal(t, execplan.NodeMultiSchemaPartitionsExec, node.Type)
}
