// SPDX-License-Identifier: AGPL-3.0-only

package multipartition

import (
	"context"
	"testing"

	"github.com/prometheus/prometheus/promql/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/session"
)

type stubLocations struct {
	parts []PartitionAssignment
}

func (s stubLocations) GetPartitions(ctx context.Context, routingKey string, startMs, endMs int64) ([]PartitionAssignment, error) {
	return s.parts, nil
}
func (s stubLocations) GetAuthorizedPartitions(ctx context.Context, startMs, endMs int64) ([]PartitionAssignment, error) {
	return s.parts, nil
}

type stubInner struct{ gotStart, gotEnd int64 }

func (s *stubInner) Compile(_ context.Context, _ parser.Expr, startMs, endMs, _ int64, _ *session.QueryContext) (*execplan.Node, error) {
	s.gotStart, s.gotEnd = startMs, endMs
	return execplan.NewLeaf(execplan.NodeMultiSchemaPartitionsExec, nil), nil
}

func qctx(allowRemote bool) *session.QueryContext {
	params := session.DefaultPlannerParams()
	params.ProcessMultiPartition = allowRemote
	return session.NewQueryContext("q1", params, nil)
}

func mustParse(t *testing.T, q string) parser.Expr {
	expr, err := parser.ParseExpr(q)
	require.NoError(t, err)
	return expr
}

func TestCompileSinglePartitionDelegatesLocally(t *testing.T) {
	inner := &stubInner{}
	p := New(Config{
		Locations:          stubLocations{parts: []PartitionAssignment{{Name: "local", StartMs: 0, EndMs: 0}}},
		LocalPartitionName: "local",
		Inner:              inner,
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 1000, 2000, 100, qctx(false))
	require.NoError(t, err)
	assert.Equal(t, execplan.NodeMultiSchemaPartitionsExec, node.Type)
	assert.Equal(t, int64(1000), inner.gotStart)
	assert.Equal(t, int64(2000), inner.gotEnd)
}

func TestCompileRemotePartitionRejectedWithoutProcessMultiPartition(t *testing.T) {
	inner := &stubInner{}
	p := New(Config{
		Locations: stubLocations{parts: []PartitionAssignment{
			{Name: "local", StartMs: 0, EndMs: 5000},
			{Name: "remote-a", StartMs: 5000, EndMs: 10000, EndpointURL: "http://remote-a"},
		}},
		LocalPartitionName: "local",
		Inner:              inner,
	})

	_, err := p.Compile(context.Background(), mustParse(t, `up`), 0, 10000, 100, qctx(false))
	assert.Error(t, err)
}

func TestCompileFansOutToLocalAndRemotePartitions(t *testing.T) {
	inner := &stubInner{}
	p := New(Config{
		Locations: stubLocations{parts: []PartitionAssignment{
			{Name: "local", StartMs: 0, EndMs: 5000},
			{Name: "remote-a", StartMs: 5000, EndMs: 10000, EndpointURL: "http://remote-a"},
		}},
		LocalPartitionName: "local",
		Inner:              inner,
		RemoteTimeoutMs:    5000,
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 0, 10000, 100, qctx(true))
	require.NoError(t, err)
	require.Equal(t, execplan.NodeLocalPartitionDistConcatExec, node.Type)
	require.Len(t, node.Children, 2)

	assert.Equal(t, execplan.NodeMultiSchemaPartitionsExec, node.Children[0].Type)
	remote := node.Children[1]
	require.Equal(t, execplan.NodePromQlRemoteExec, remote.Type)
	rp := remote.Params.(execplan.PromQlRemoteParams)
	assert.Equal(t, "http://remote-a", rp.Endpoint)
	assert.Equal(t, "up", rp.Query)
	assert.Equal(t, int64(5000), rp.StartMs)
	assert.Equal(t, int64(10000), rp.EndMs)
}

func TestCompilePushesSumDownToEachPartitionAndReduces(t *testing.T) {
	inner := &stubInner{}
	p := New(Config{
		Locations: stubLocations{parts: []PartitionAssignment{
			{Name: "local", StartMs: 0, EndMs: 5000},
			{Name: "remote-a", StartMs: 5000, EndMs: 10000, EndpointURL: "http://remote-a"},
		}},
		LocalPartitionName: "local",
		Inner:              inner,
	})

	node, err := p.Compile(context.Background(), mustParse(t, `sum(up)`), 0, 10000, 100, qctx(true))
	require.NoError(t, err)
	require.Equal(t, execplan.NodeMultiPartitionReduceAggregateExec, node.Type)
	rp := node.Params.(execplan.ReduceAggregateParams)
	assert.Equal(t, "sum", rp.Op)
	require.Len(t, node.Children, 2)

	local := node.Children[0]
	require.Len(t, local.Transformers, 1)
	assert.Equal(t, execplan.KindAggregateMapReduce, local.Transformers[0].Kind())

	remote := node.Children[1]
	rpp := remote.Params.(execplan.PromQlRemoteParams)
	assert.Equal(t, "sum (up)", rpp.Query)
}
