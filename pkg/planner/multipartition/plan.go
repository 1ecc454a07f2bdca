// SPDX-License-Identifier: AGPL-3.0-only

// Package multipartition fans a query out across the partitions (local
// cluster plus any remote clusters) that own slices of its time range, per
// spec.md §4.5. A partition here is a time-bounded cluster assignment, not
// a shard: the shard-key-level routing spec.md describes for leaf-level
// partition lookup needs a concrete cluster-topology service this module
// doesn't have one of in the retrieved examples, so this planner routes at
// the coarser, fully-specified granularity spec.md also describes:
// per-partition time ranges from a PartitionLocationProvider.
package multipartition

import (
	"context"

	"github.com/prometheus/prometheus/promql/parser"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/session"
)

// PartitionAssignment names one partition's ownership of a time range, per
// spec.md §4.5's PartitionLocationProvider contract.
type PartitionAssignment struct {
	Name        string
	EndpointURL string
	StartMs     int64
	EndMs       int64
}

// PartitionLocationProvider resolves which partitions own which slices of
// a query's time range, per spec.md §4.5.
type PartitionLocationProvider interface {
	GetPartitions(ctx context.Context, routingKey string, startMs, endMs int64) ([]PartitionAssignment, error)
	GetAuthorizedPartitions(ctx context.Context, startMs, endMs int64) ([]PartitionAssignment, error)
}

// InnerPlanner is the single-partition (long-range or single-cluster)
// planner this package delegates to for the local partition's slice.
type InnerPlanner interface {
	Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error)
}

// Config wires a Planner to its partition topology and local identity.
type Config struct {
	Locations          PartitionLocationProvider
	LocalPartitionName string
	Inner              InnerPlanner
	RemoteTimeoutMs    int64
}

type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

func (p *Planner) Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	parts, err := p.cfg.Locations.GetAuthorizedPartitions(ctx, startMs, endMs)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeInternal, err, "resolving authorized partitions")
	}
	if len(parts) == 0 {
		return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: "no partitions authorized for this range"}), nil
	}

	if agg, ok := expr.(*parser.AggregateExpr); ok && isAssociative(agg.Op.String()) {
		return p.compilePushedAggregate(ctx, agg, parts, startMs, endMs, stepMs, qctx)
	}
	return p.compilePlain(ctx, expr, parts, startMs, endMs, stepMs, qctx)
}

func (p *Planner) compilePlain(ctx context.Context, expr parser.Expr, parts []PartitionAssignment, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	children, dispatchers, err := p.compilePerPartitionLeaves(ctx, expr, parts, startMs, endMs, stepMs, qctx, nil)
	if err != nil {
		return nil, err
	}
	return concatOrSingle(children, dispatchers), nil
}

// compilePushedAggregate pushes an associative aggregate's inner expression
// down to every partition, attaches the map-side AggregateMapReduce
// transformer to each local subplan (remote subplans carry the equivalent
// aggregate in their serialized query fragment instead), then unites them
// under a MultiPartitionReduceAggregateExec, per spec.md §4.5.
func (p *Planner) compilePushedAggregate(ctx context.Context, agg *parser.AggregateExpr, parts []PartitionAssignment, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	by, without := groupingOf(agg)
	mapParams := execplan.AggregateMapReduceParams{Op: agg.Op.String(), By: by, Without: without, Parameter: literalParam(agg.Param)}

	children, dispatchers, err := p.compilePerPartitionLeaves(ctx, agg.Expr, parts, startMs, endMs, stepMs, qctx, &mapParams)
	if err != nil {
		return nil, err
	}
	if len(children) == 1 {
		return children[0], nil
	}
	node := execplan.NewParent(execplan.NodeMultiPartitionReduceAggregateExec,
		execplan.ReduceAggregateParams{Dispatchers: dispatchers, Op: agg.Op.String(), By: by, Without: without},
		children...)
	node.WithTransformers(execplan.NewAggregatePresenter(execplan.AggregatePresenterParams{Op: agg.Op.String(), Parameter: literalParam(agg.Param)}))
	return node, nil
}

// compilePerPartitionLeaves builds one child per partition: a locally
// compiled subplan for the local partition, or a PromQlRemoteExec leaf
// carrying the re-serialized query fragment for any other. When mapParams
// is non-nil the expression is an aggregate's pushed-down operand, so the
// local child gets the map-side transformer attached and the remote
// fragment is wrapped in the same aggregate so its partial matches.
func (p *Planner) compilePerPartitionLeaves(ctx context.Context, expr parser.Expr, parts []PartitionAssignment, startMs, endMs, stepMs int64, qctx *session.QueryContext, mapParams *execplan.AggregateMapReduceParams) ([]*execplan.Node, []execplan.DispatcherRef, error) {
	var children []*execplan.Node
	var dispatchers []execplan.DispatcherRef

	for _, part := range parts {
		segStart, segEnd := clampRange(part.StartMs, part.EndMs, startMs, endMs)
		if segStart > segEnd {
			continue
		}

		if part.Name == p.cfg.LocalPartitionName {
			node, err := p.cfg.Inner.Compile(ctx, expr, segStart, segEnd, stepMs, qctx)
			if err != nil {
				return nil, nil, err
			}
			if mapParams != nil {
				node.WithTransformers(execplan.NewAggregateMapReduce(*mapParams))
			}
			children = append(children, node)
			dispatchers = append(dispatchers, execplan.DispatcherRef{IsLocalCall: true})
			continue
		}

		if !qctx.Params.ProcessMultiPartition {
			return nil, nil, qerrors.Newf(qerrors.TypeBadQuery, "query range spans remote partition %q but multi-partition fan-out is disabled", part.Name)
		}
		query := expr.String()
		if mapParams != nil {
			query = formatPushedAggregateQuery(mapParams, query)
		}
		children = append(children, execplan.NewLeaf(execplan.NodePromQlRemoteExec, execplan.PromQlRemoteParams{
			Endpoint: part.EndpointURL, Query: query, StartMs: segStart, EndMs: segEnd, StepMs: stepMs, TimeoutMs: p.cfg.RemoteTimeoutMs,
		}))
		dispatchers = append(dispatchers, execplan.DispatcherRef{ClusterName: part.Name})
	}
	return children, dispatchers, nil
}

func concatOrSingle(children []*execplan.Node, dispatchers []execplan.DispatcherRef) *execplan.Node {
	if len(children) == 1 {
		return children[0]
	}
	return execplan.NewParent(execplan.NodeLocalPartitionDistConcatExec, execplan.DistConcatParams{Dispatchers: dispatchers}, children...)
}

func clampRange(partStart, partEnd, queryStart, queryEnd int64) (int64, int64) {
	start := maxInt64(partStart, queryStart)
	end := queryEnd
	if partEnd > 0 {
		end = minInt64(partEnd, queryEnd)
	}
	return start, end
}

func isAssociative(op string) bool {
	switch op {
	case "sum", "min", "max", "count", "group":
		return true
	default:
		return false
	}
}

func groupingOf(agg *parser.AggregateExpr) (by, without []string) {
	if agg.Without {
		return nil, agg.Grouping
	}
	return agg.Grouping, nil
}

func literalParam(param parser.Expr) float64 {
	if lit, ok := param.(*parser.NumberLiteral); ok {
		return lit.Val
	}
	return 0
}

// formatPushedAggregateQuery re-wraps inner in the same aggregate so a
// remote partition's partial matches what the local map stage computes;
// for count this still sends "count by(...) (inner)" to the remote side,
// since the local reduce stage sums partial counts rather than re-counting
// them (see operators.reduceOpFor).
func formatPushedAggregateQuery(p *execplan.AggregateMapReduceParams, inner string) string {
	op := p.Op
	grouping := ""
	if len(p.By) > 0 {
		grouping = " by (" + joinLabels(p.By) + ")"
	} else if len(p.Without) > 0 {
		grouping = " without (" + joinLabels(p.Without) + ")"
	}
	return op + grouping + " (" + inner + ")"
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += ", "
		}
		out += l
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
