// SPDX-License-Identifier: AGPL-3.0-only

package selector

import (
	"context"
	"testing"

	"github.com/prometheus/prometheus/promql/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/session"
)

type stubPlanner struct{ calls int }

func (s *stubPlanner) Compile(context.Context, parser.Expr, int64, int64, int64, *session.QueryContext) (*execplan.Node, error) {
	s.calls++
	return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{}), nil
}

func mustParse(t *testing.T, q string) parser.Expr {
	expr, err := parser.ParseExpr(q)
	require.NoError(t, err)
	return expr
}

func qctx() *session.QueryContext {
	return session.NewQueryContext("q1", session.DefaultPlannerParams(), nil)
}

func TestDefaultSelectorRoutesRecordingRuleSuffix(t *testing.T) {
	assert.Equal(t, "recordingRules", DefaultSelector("job:http_requests:rate5m:1m"))
	assert.Equal(t, "longTerm", DefaultSelector("http_requests_total"))
}

func TestRouterDispatchesToSelectedPlanner(t *testing.T) {
	longTerm := &stubPlanner{}
	recording := &stubPlanner{}
	r := New(Config{Planners: map[string]Planner{"longTerm": longTerm, "recordingRules": recording}})

	_, err := r.Compile(context.Background(), mustParse(t, `http_requests_total`), 0, 1000, 0, qctx())
	require.NoError(t, err)
	assert.Equal(t, 1, longTerm.calls)
	assert.Equal(t, 0, recording.calls)

	_, err = r.Compile(context.Background(), mustParse(t, `job:http_requests:1m`), 0, 1000, 0, qctx())
	require.NoError(t, err)
	assert.Equal(t, 1, recording.calls)
}

func TestRouterErrorsWhenPlannerMissing(t *testing.T) {
	r := New(Config{Planners: map[string]Planner{"longTerm": &stubPlanner{}}})
	_, err := r.Compile(context.Background(), mustParse(t, `job:http_requests:1m`), 0, 1000, 0, qctx())
	assert.Error(t, err)
}
