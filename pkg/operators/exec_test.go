// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/shard"
)

func newTestStore(t *testing.T) (*chunkstore.TimeSeriesMemStore, dataset.Ref) {
	store := chunkstore.NewTimeSeriesMemStore(nil, nil)
	ref := dataset.Ref{Dataset: "prometheus"}
	ds := dataset.Dataset{
		Ref: ref,
		PartitionColumns: []dataset.ColumnInfo{
			{Name: "_metric_", Type: dataset.StringColumn},
			{Name: "instance", Type: dataset.StringColumn},
		},
	}
	require.NoError(t, store.Setup(ref, ds, nil, shard.ID(0), chunkstore.StoreConfig{MaxChunkSize: 10_000}))

	var rows []chunkstore.IngestRow
	for i := 0; i < 20; i++ {
		ts := int64(i * 10_000)
		rows = append(rows,
			chunkstore.IngestRow{SchemaName: "counter", LabelValues: map[string]string{"_metric_": "reqs", "instance": "a"}, TimestampMs: ts, Value: float64(i)},
			chunkstore.IngestRow{SchemaName: "counter", LabelValues: map[string]string{"_metric_": "reqs", "instance": "b"}, TimestampMs: ts, Value: float64(2 * i)},
		)
	}
	require.NoError(t, store.Ingest(ref, shard.ID(0), chunkstore.IngestBatch{Rows: rows}))
	return store, ref
}

func scanLeaf(ref dataset.Ref, startMs, endMs int64) *execplan.Node {
	return execplan.NewLeaf(execplan.NodeMultiSchemaPartitionsExec, execplan.MultiSchemaPartitionsParams{
		DatasetRef:  ref,
		Shard:       shard.ID(0),
		ChunkMethod: chunkstore.ChunkScanMethod{StartMs: startMs, EndMs: endMs},
	})
}

func TestExecutorScanReturnsBothSeries(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	res, err := exec.Execute(context.Background(), scanLeaf(ref, 0, 200_000))
	require.NoError(t, err)
	require.Len(t, res.Series, 2)
	for _, s := range res.Series {
		assert.Len(t, s.Samples, 20)
	}
}

func TestExecutorPeriodicSamplesAndSumAggregation(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	leaf := scanLeaf(ref, 0, 200_000)
	leaf.WithTransformers(
		execplan.NewPeriodicSamples(execplan.PeriodicSamplesParams{StartMs: 0, EndMs: 190_000, StepMs: 10_000, WindowMs: 10_000}),
		execplan.NewAggregateMapReduce(execplan.AggregateMapReduceParams{Op: "sum"}),
	)

	res, err := exec.Execute(context.Background(), leaf)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	// reqs{a} + reqs{b} at t=100000 (i=10) is 10 + 20 = 30.
	found := false
	for _, s := range res.Series[0].Samples {
		if s.TimestampMs == 100_000 {
			assert.Equal(t, 30.0, s.Value)
			found = true
		}
	}
	assert.True(t, found, "expected a sample at t=100000")
}

func TestExecutorDistConcatAndReduceSum(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	mkShardLeaf := func() *execplan.Node {
		n := scanLeaf(ref, 0, 200_000)
		n.WithTransformers(
			execplan.NewPeriodicSamples(execplan.PeriodicSamplesParams{StartMs: 0, EndMs: 190_000, StepMs: 10_000, WindowMs: 10_000}),
			execplan.NewAggregateMapReduce(execplan.AggregateMapReduceParams{Op: "sum"}),
		)
		return n
	}

	reduceNode := execplan.NewParent(execplan.NodeLocalPartitionReduceAggregateExec,
		execplan.ReduceAggregateParams{Op: "sum"},
		mkShardLeaf(), mkShardLeaf())

	res, err := exec.Execute(context.Background(), reduceNode)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	for _, s := range res.Series[0].Samples {
		if s.TimestampMs == 100_000 {
			assert.Equal(t, 60.0, s.Value) // two identical shard partials of 30 each
		}
	}
}

func TestExecutorReduceAggregateSumsPerShardCounts(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	mkShardLeaf := func() *execplan.Node {
		n := scanLeaf(ref, 0, 200_000)
		n.WithTransformers(
			execplan.NewPeriodicSamples(execplan.PeriodicSamplesParams{StartMs: 0, EndMs: 190_000, StepMs: 10_000, WindowMs: 10_000}),
			execplan.NewAggregateMapReduce(execplan.AggregateMapReduceParams{Op: "count"}),
		)
		return n
	}

	// Each shard leaf's map stage already counts its own 2 series (instance
	// a and b) down to a count of 2 per timestamp; reducing across two such
	// shard partials must sum those counts (4), not count the 2 partials.
	reduceNode := execplan.NewParent(execplan.NodeLocalPartitionReduceAggregateExec,
		execplan.ReduceAggregateParams{Op: "count"},
		mkShardLeaf(), mkShardLeaf())

	res, err := exec.Execute(context.Background(), reduceNode)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	for _, s := range res.Series[0].Samples {
		if s.TimestampMs == 100_000 {
			assert.Equal(t, 4.0, s.Value)
		}
	}
}

// TestExecutorDistConcatPropagatesChildError exercises the concurrent
// fan-out in executeChildren: one of several children errors, and that
// error must still surface from the parent DistConcatExec.
func TestExecutorDistConcatPropagatesChildError(t *testing.T) {
	store, ref := newTestStore(t)
	e := NewExecutor(store)

	bogus := execplan.NewLeaf(execplan.NodeType("bogus"), nil)
	n := execplan.NewParent(execplan.NodeLocalPartitionDistConcatExec, execplan.DistConcatParams{}, scanLeaf(ref, 0, 200_000), bogus)

	_, err := e.Execute(context.Background(), n)
	assert.Error(t, err)
}

func TestExecutorBinaryJoinAdd(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	left := scanLeaf(ref, 0, 20_000)
	right := scanLeaf(ref, 0, 20_000)
	join := execplan.NewParent(execplan.NodeBinaryJoinExec, execplan.BinaryJoinParams{Op: "+"}, left, right)

	res, err := exec.Execute(context.Background(), join)
	require.NoError(t, err)
	require.Len(t, res.Series, 2)
	for _, s := range res.Series {
		mult := 2.0
		if s.Key["instance"] == "b" {
			mult = 4.0
		}
		for i, smp := range s.Samples {
			assert.Equal(t, mult*float64(i), smp.Value)
		}
	}
}

func TestExecutorStitchMergesOverlappingTiers(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	raw := scanLeaf(ref, 0, 100_000)
	downsample := scanLeaf(ref, 100_000, 200_000)
	stitched := execplan.NewParent(execplan.NodeStitchRvsExec, execplan.StitchParams{}, raw, downsample)

	res, err := exec.Execute(context.Background(), stitched)
	require.NoError(t, err)
	require.Len(t, res.Series, 2)
	for _, s := range res.Series {
		assert.Len(t, s.Samples, 20)
	}
}

func TestExecutorShardNotAvailable(t *testing.T) {
	store, ref := newTestStore(t)
	exec := NewExecutor(store)

	leaf := execplan.NewLeaf(execplan.NodeMultiSchemaPartitionsExec, execplan.MultiSchemaPartitionsParams{
		DatasetRef: ref, Shard: shard.ID(99),
	})
	_, err := exec.Execute(context.Background(), leaf)
	assert.Error(t, err)
}
