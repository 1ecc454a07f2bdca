// SPDX-License-Identifier: AGPL-3.0-only

package execplan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/dataset"
)

func TestWalkVisitsEveryNode(t *testing.T) {
	leaf1 := NewLeaf(NodeMultiSchemaPartitionsExec, MultiSchemaPartitionsParams{
		DatasetRef: dataset.Ref{Dataset: "prometheus"},
		ChunkMethod: chunkstore.ChunkScanMethod{StartMs: 0, EndMs: 100},
	})
	leaf2 := NewLeaf(NodeMultiSchemaPartitionsExec, MultiSchemaPartitionsParams{
		DatasetRef: dataset.Ref{Dataset: "prometheus"},
	})
	root := NewParent(NodeLocalPartitionDistConcatExec, DistConcatParams{
		Dispatchers: []DispatcherRef{{IsLocalCall: true}, {IsLocalCall: true}},
	}, leaf1, leaf2)

	var visited []NodeType
	Walk(root, func(n *Node) { visited = append(visited, n.Type) })

	assert.Equal(t, []NodeType{
		NodeLocalPartitionDistConcatExec,
		NodeMultiSchemaPartitionsExec,
		NodeMultiSchemaPartitionsExec,
	}, visited)
	assert.Equal(t, 2, CountLeaves(root))
}

func TestWithTransformersAppends(t *testing.T) {
	n := NewLeaf(NodeMultiSchemaPartitionsExec, MultiSchemaPartitionsParams{})
	n.WithTransformers(
		NewPeriodicSamples(PeriodicSamplesParams{StartMs: 0, EndMs: 100, StepMs: 10}),
		NewAggregateMapReduce(AggregateMapReduceParams{Op: "sum", By: []string{"job"}}),
	)

	require := assert.New(t)
	require.Len(n.Transformers, 2)
	require.Equal(KindPeriodicSamples, n.Transformers[0].Kind())
	require.Equal(KindAggregateMapReduce, n.Transformers[1].Kind())

	p, ok := Params(n.Transformers[1]).(AggregateMapReduceParams)
	require.True(ok)
	require.Equal("sum", p.Op)
}

func TestCountLeavesSingleNode(t *testing.T) {
	n := NewLeaf(NodeLabelValuesExec, LabelValuesParams{})
	assert.Equal(t, 1, CountLeaves(n))
}
