// SPDX-License-Identifier: AGPL-3.0-only

// Package shardregex expands a regex (=~) shard-key filter into a union of
// concrete shard-key tuples and compiles one subplan per tuple, per
// spec.md §4.6. It is stateless across queries: the only state is the
// ShardKeyMatcherFn callback supplied at construction.
package shardregex

import (
	"context"
	"fmt"

	"github.com/grafana/regexp"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/session"
)

// InnerPlanner is the planner this layer delegates to once shard-key
// filters are concrete (no more regex matchers on shard-key columns).
type InnerPlanner interface {
	Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error)
}

// ShardKeyMatcherFn expands a set of filters (which may include regex
// matchers on shard-key columns) into the union of concrete per-column
// value tuples they match, per spec.md §4.6. Each returned tuple is itself
// a slice of equality matchers, one per shard-key column.
type ShardKeyMatcherFn func(filters []*labels.Matcher) ([][]*labels.Matcher, error)

type Config struct {
	Dataset    dataset.Dataset
	Inner      InnerPlanner
	MatcherFn  ShardKeyMatcherFn
}

type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

func (p *Planner) Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	selectors := collectVectorSelectors(expr)
	if len(selectors) == 0 {
		return p.cfg.Inner.Compile(ctx, expr, startMs, endMs, stepMs, qctx)
	}

	needsExpansion := false
	for _, vs := range selectors {
		if hasShardKeyRegex(p.cfg.Dataset, vs.LabelMatchers) {
			needsExpansion = true
			break
		}
	}
	if !needsExpansion {
		return p.cfg.Inner.Compile(ctx, expr, startMs, endMs, stepMs, qctx)
	}

	// Only the top-level expression's own selector(s) drive expansion in
	// this implementation: spec.md §4.6's tuple union applies per selector,
	// and the common case is a single selector (or several sharing the
	// same shard-key regex) under an optional outer aggregate.
	tuples, err := p.cfg.MatcherFn(selectors[0].LabelMatchers)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeBadQuery, err, "expanding shard-key regex")
	}
	if len(tuples) == 0 {
		return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: "shard-key regex matched no concrete tuples"}), nil
	}

	if agg, ok := expr.(*parser.AggregateExpr); ok && isAssociative(agg.Op.String()) {
		return p.compilePushedAggregate(ctx, agg, tuples, startMs, endMs, stepMs, qctx)
	}
	return p.compileConcat(ctx, expr, tuples, startMs, endMs, stepMs, qctx)
}

func (p *Planner) compileConcat(ctx context.Context, expr parser.Expr, tuples [][]*labels.Matcher, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	children, err := p.compilePerTuple(ctx, expr, tuples, startMs, endMs, stepMs, qctx, nil)
	if err != nil {
		return nil, err
	}
	if len(children) == 1 {
		return children[0], nil
	}
	dispatchers := make([]execplan.DispatcherRef, len(children))
	for i := range dispatchers {
		dispatchers[i] = execplan.DispatcherRef{IsLocalCall: true}
	}
	return execplan.NewParent(execplan.NodeLocalPartitionDistConcatExec, execplan.DistConcatParams{Dispatchers: dispatchers}, children...), nil
}

// compilePushedAggregate lifts an associative aggregate above the tuple
// union and pushes its map side into each per-tuple subplan, per spec.md
// §4.6's rule (a).
func (p *Planner) compilePushedAggregate(ctx context.Context, agg *parser.AggregateExpr, tuples [][]*labels.Matcher, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	var by, without []string
	if agg.Without {
		without = agg.Grouping
	} else {
		by = agg.Grouping
	}
	mapParams := execplan.AggregateMapReduceParams{Op: agg.Op.String(), By: by, Without: without, Parameter: literalParam(agg.Param)}

	children, err := p.compilePerTuple(ctx, agg.Expr, tuples, startMs, endMs, stepMs, qctx, &mapParams)
	if err != nil {
		return nil, err
	}
	if len(children) == 1 {
		return children[0], nil
	}
	node := execplan.NewParent(execplan.NodeLocalPartitionReduceAggregateExec,
		execplan.ReduceAggregateParams{Op: agg.Op.String(), By: by, Without: without}, children...)
	node.WithTransformers(execplan.NewAggregatePresenter(execplan.AggregatePresenterParams{Op: agg.Op.String(), Parameter: literalParam(agg.Param)}))
	return node, nil
}

func (p *Planner) compilePerTuple(ctx context.Context, expr parser.Expr, tuples [][]*labels.Matcher, startMs, endMs, stepMs int64, qctx *session.QueryContext, mapParams *execplan.AggregateMapReduceParams) ([]*execplan.Node, error) {
	children := make([]*execplan.Node, 0, len(tuples))
	for _, tuple := range tuples {
		tupleExpr := rewriteWithTuple(expr, tuple)
		node, err := p.cfg.Inner.Compile(ctx, tupleExpr, startMs, endMs, stepMs, qctx)
		if err != nil {
			return nil, err
		}
		if mapParams != nil {
			node.WithTransformers(execplan.NewAggregateMapReduce(*mapParams))
		}
		children = append(children, node)
	}
	return children, nil
}

// rewriteWithTuple replaces, in every vector selector of expr, the matchers
// on the tuple's columns with the concrete equality matchers from tuple,
// leaving matchers on other columns untouched.
func rewriteWithTuple(expr parser.Expr, tuple []*labels.Matcher) parser.Expr {
	clone := cloneExpr(expr)
	for _, vs := range collectVectorSelectors(clone) {
		vs.LabelMatchers = mergeTupleMatchers(vs.LabelMatchers, tuple)
	}
	return clone
}

func mergeTupleMatchers(existing []*labels.Matcher, tuple []*labels.Matcher) []*labels.Matcher {
	byName := make(map[string]*labels.Matcher, len(tuple))
	for _, m := range tuple {
		byName[m.Name] = m
	}
	out := make([]*labels.Matcher, 0, len(existing))
	for _, m := range existing {
		if _, replaced := byName[m.Name]; replaced {
			continue
		}
		out = append(out, m)
	}
	for _, m := range tuple {
		out = append(out, m)
	}
	return out
}

func hasShardKeyRegex(d dataset.Dataset, matchers []*labels.Matcher) bool {
	shardCols := make(map[string]bool, len(d.ShardKeyColumns()))
	for _, c := range d.ShardKeyColumns() {
		shardCols[c] = true
	}
	for _, m := range matchers {
		name := m.Name
		if name == dataset.InputMetricLabel {
			name = d.MetricColumn()
		}
		if shardCols[name] && (m.Type == labels.MatchRegexp || m.Type == labels.MatchNotRegexp) {
			return true
		}
	}
	return false
}

// KnownShardKeyTuple is one concrete, previously-observed combination of
// shard-key column values, e.g. one (_ws_, _ns_) pair a catalog has seen
// samples for. NewCatalogMatcherFn expands a regex filter set against a
// fixed slice of these rather than against a live, growing catalog, since
// this package has no catalog/index dependency of its own.
type KnownShardKeyTuple map[string]string

// NewCatalogMatcherFn builds a ShardKeyMatcherFn that expands regex
// shard-key matchers against known, a fixed catalog of concrete shard-key
// tuples, using grafana/regexp (a drop-in, pre-compiled-cache-friendly
// stand-in for the standard library's regexp used the same way elsewhere
// in this stack for matcher compilation). Every filter in a candidate
// selector set must match its corresponding tuple column, and every
// equality filter must match exactly, for that tuple to be included in the
// returned union.
func NewCatalogMatcherFn(known []KnownShardKeyTuple) ShardKeyMatcherFn {
	return func(filters []*labels.Matcher) ([][]*labels.Matcher, error) {
		compiled := make(map[string]*regexp.Regexp, len(filters))
		for _, m := range filters {
			if m.Type != labels.MatchRegexp && m.Type != labels.MatchNotRegexp {
				continue
			}
			re, err := regexp.Compile("^(?:" + m.Value + ")$")
			if err != nil {
				return nil, qerrors.Wrap(qerrors.TypeBadQuery, err, fmt.Sprintf("compiling shard-key regex %q", m.Value))
			}
			compiled[m.Name] = re
		}

		var tuples [][]*labels.Matcher
		for _, tuple := range known {
			if !tupleMatchesFilters(tuple, filters, compiled) {
				continue
			}
			m := make([]*labels.Matcher, 0, len(tuple))
			for name, value := range tuple {
				m = append(m, &labels.Matcher{Type: labels.MatchEqual, Name: name, Value: value})
			}
			tuples = append(tuples, m)
		}
		return tuples, nil
	}
}

func tupleMatchesFilters(tuple KnownShardKeyTuple, filters []*labels.Matcher, compiled map[string]*regexp.Regexp) bool {
	for _, m := range filters {
		v, ok := tuple[m.Name]
		if !ok {
			continue
		}
		switch m.Type {
		case labels.MatchEqual:
			if v != m.Value {
				return false
			}
		case labels.MatchNotEqual:
			if v == m.Value {
				return false
			}
		case labels.MatchRegexp:
			if !compiled[m.Name].MatchString(v) {
				return false
			}
		case labels.MatchNotRegexp:
			if compiled[m.Name].MatchString(v) {
				return false
			}
		}
	}
	return true
}

func isAssociative(op string) bool {
	switch op {
	case "sum", "min", "max", "count", "group":
		return true
	default:
		return false
	}
}

func literalParam(param parser.Expr) float64 {
	if lit, ok := param.(*parser.NumberLiteral); ok {
		return lit.Val
	}
	return 0
}

func collectVectorSelectors(expr parser.Expr) []*parser.VectorSelector {
	var out []*parser.VectorSelector
	parser.Inspect(expr, func(node parser.Node, _ []parser.Node) error {
		if vs, ok := node.(*parser.VectorSelector); ok {
			out = append(out, vs)
		}
		return nil
	})
	return out
}

// cloneExpr deep-copies expr's AST via a parse/print round trip, since
// parser.Expr has no general Clone() and this planner must not mutate the
// caller's shared AST when rewriting matchers per tuple.
func cloneExpr(expr parser.Expr) parser.Expr {
	reparsed, err := parser.ParseExpr(expr.String())
	if err != nil {
		// expr.String() must itself be valid PromQL; a failure here means
		// upstream already rejected something this planner should never see.
		return expr
	}
	return reparsed
}
