// SPDX-License-Identifier: AGPL-3.0-only

// Package selector holds a mapping from planner name to Planner and routes
// a query to one of them by its metric name, per spec.md §4.7. It is the
// outermost layer: callers that need partition/shard-regex expansion wrap
// one of these per planner name, not the other way around.
package selector

import (
	"context"
	"strings"

	"github.com/prometheus/prometheus/promql/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/session"
)

var tracer = otel.Tracer("pkg/planner/selector")

// Planner is the contract every named planner in the registry satisfies.
type Planner interface {
	Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error)
}

// SelectorFn maps a metric name to the name of the planner that should
// serve it, per spec.md §4.7.
type SelectorFn func(metricName string) string

// RecordingRuleSuffixes are the default suffixes DefaultSelector routes to
// the "recordingRules" planner, mirroring Prometheus's recording-rule
// naming convention (e.g. "job:http_requests:rate5m" style names carrying
// an interval token like :1m, :5m).
var RecordingRuleSuffixes = []string{":1m", ":5m", ":10m", ":1h"}

// DefaultSelector implements spec.md §4.7's default rule: metric names
// containing one of RecordingRuleSuffixes route to "recordingRules";
// everything else routes to "longTerm".
func DefaultSelector(metricName string) string {
	for _, suffix := range RecordingRuleSuffixes {
		if strings.Contains(metricName, suffix) {
			return "recordingRules"
		}
	}
	return "longTerm"
}

// Config wires the named planner registry and the function that decides
// which one a given metric name routes to.
type Config struct {
	Planners map[string]Planner
	Select   SelectorFn
}

type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	if cfg.Select == nil {
		cfg.Select = DefaultSelector
	}
	return &Router{cfg: cfg}
}

// Compile is the query's top-level planning span: every query passes
// through this one entry point once, so it's where an operator traces
// which planner a given query resolved to, mirroring how
// streamingpromql's QueryPlanner.NewQueryPlan roots its own tracing at the
// compile boundary rather than inside each sub-planner.
func (r *Router) Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	ctx, span := tracer.Start(ctx, "Router.Compile")
	defer span.End()
	span.SetAttributes(attribute.String("query_id", qctx.QueryID))

	name, err := routingMetricName(expr)
	if err != nil {
		return nil, err
	}
	plannerName := r.cfg.Select(name)
	span.SetAttributes(attribute.String("planner", plannerName), attribute.String("routing_metric", name))

	p, ok := r.cfg.Planners[plannerName]
	if !ok {
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "no planner registered for %q (routed from metric %q)", plannerName, name)
	}
	return p.Compile(ctx, expr, startMs, endMs, stepMs, qctx)
}

// routingMetricName extracts the single metric name driving this query's
// plan selection: the first vector selector's Name. Expressions mixing
// metrics across the recording-rules boundary (e.g. a binary expr between
// a raw and a recorded series) are accepted, but are routed by whichever
// selector is encountered first in AST order — a documented simplification
// since spec.md's selector is keyed by metric name, not by AST shape.
func routingMetricName(expr parser.Expr) (string, error) {
	var name string
	parser.Inspect(expr, func(node parser.Node, _ []parser.Node) error {
		if name != "" {
			return nil
		}
		if vs, ok := node.(*parser.VectorSelector); ok {
			name = vs.Name
		}
		return nil
	})
	if name == "" {
		return "", qerrors.New(qerrors.TypeBadQuery, "query contains no vector selector to route on")
	}
	return name, nil
}
