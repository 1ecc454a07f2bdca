// SPDX-License-Identifier: AGPL-3.0-only

package longrange

import (
	"context"
	"testing"

	"github.com/prometheus/prometheus/promql/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/session"
)

type stubTier struct {
	name        string
	gotStartMs  int64
	gotEndMs    int64
	calls       int
}

func (s *stubTier) Compile(_ context.Context, _ parser.Expr, startMs, endMs, _ int64, _ *session.QueryContext) (*execplan.Node, error) {
	s.calls++
	s.gotStartMs, s.gotEndMs = startMs, endMs
	return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: s.name}), nil
}

func testQctx() *session.QueryContext {
	return session.NewQueryContext("q1", session.DefaultPlannerParams(), nil)
}

func TestCompileEntirelyWithinRawDelegatesDirectly(t *testing.T) {
	raw := &stubTier{name: "raw"}
	ds := &stubTier{name: "downsample"}
	p := New(Config{
		Raw: raw, Downsample: ds,
		EarliestRawTimestampFn:      func() int64 { return 1000 },
		LatestDownsampleTimestampFn: func() int64 { return 500 },
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 2000, 3000, 100, testQctx())
	require.NoError(t, err)
	require.Equal(t, 1, raw.calls)
	require.Equal(t, 0, ds.calls)
	assert.Equal(t, execplan.EmptyResultParams{Reason: "raw"}, node.Params)
}

func TestCompileEntirelyWithinDownsampleDelegatesDirectly(t *testing.T) {
	raw := &stubTier{name: "raw"}
	ds := &stubTier{name: "downsample"}
	p := New(Config{
		Raw: raw, Downsample: ds,
		EarliestRawTimestampFn:      func() int64 { return 5000 },
		LatestDownsampleTimestampFn: func() int64 { return 6000 },
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 0, 1000, 100, testQctx())
	require.NoError(t, err)
	require.Equal(t, 0, raw.calls)
	require.Equal(t, 1, ds.calls)
	assert.Equal(t, execplan.EmptyResultParams{Reason: "downsample"}, node.Params)
}

func TestCompileSplitRangeStitchesBothTiers(t *testing.T) {
	raw := &stubTier{name: "raw"}
	ds := &stubTier{name: "downsample"}
	p := New(Config{
		Raw: raw, Downsample: ds,
		EarliestRawTimestampFn:      func() int64 { return 7_000 },
		LatestDownsampleTimestampFn: func() int64 { return 6_500 },
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 0, 10_000, 1_000, testQctx())
	require.NoError(t, err)

	require.Equal(t, execplan.NodeStitchRvsExec, node.Type)
	require.Len(t, node.Children, 2)
	assert.Equal(t, int64(0), ds.gotStartMs)
	assert.Equal(t, int64(6_000), ds.gotEndMs) // aligned down to the last 1000ms step <= 6500
	assert.Equal(t, int64(7_000), raw.gotStartMs) // aligned up to the first 1000ms step >= 7000
	assert.Equal(t, int64(10_000), raw.gotEndMs)
}

func TestCompileGapBetweenTiersReturnsEmptyResult(t *testing.T) {
	raw := &stubTier{name: "raw"}
	ds := &stubTier{name: "downsample"}
	p := New(Config{
		Raw: raw, Downsample: ds,
		EarliestRawTimestampFn:      func() int64 { return 9_000 },
		LatestDownsampleTimestampFn: func() int64 { return 3_000 },
	})

	node, err := p.Compile(context.Background(), mustParse(t, `up`), 4_000, 8_000, 1_000, testQctx())
	require.NoError(t, err)
	assert.Equal(t, execplan.NodeEmptyResultExec, node.Type)
	assert.Equal(t, 0, raw.calls)
	assert.Equal(t, 0, ds.calls)
}

func mustParse(t *testing.T, q string) parser.Expr {
	expr, err := parser.ParseExpr(q)
	require.NoError(t, err)
	return expr
}
