// SPDX-License-Identifier: AGPL-3.0-only

// Package singlecluster compiles a parsed PromQL expression into an
// execplan.Node tree scoped to shards owned by one cluster, per spec.md
// §4.3: retention clipping, shard selection (including spread-change
// splitting), label rewriting, aggregation push-down, and offset/subquery
// grid alignment.
package singlecluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/session"
	"github.com/skydb/tsdbquery/pkg/shard"
)

// DefaultLookback is the instant-vector-selector lookback window applied
// when a bare (non-ranged) selector is evaluated at a grid point, mirroring
// PromQL's own 5-minute default.
const DefaultLookback = 5 * time.Minute

// Config wires a Planner to the dataset and cluster-membership state it
// plans against.
type Config struct {
	Dataset     dataset.Dataset
	Mapper      shard.Mapper
	Spread      *shard.FunctionalSpreadProvider
	RetentionMs int64 // 0 means unbounded
	NowFn       func() int64
}

// Planner compiles PromQL expressions into execplan.Node trees for one
// dataset within one cluster.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.NowFn == nil {
		cfg.NowFn = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.Spread == nil {
		cfg.Spread = shard.Static(0)
	}
	return &Planner{cfg: cfg}
}

// grid is the [StartMs, EndMs] range and StepMs spacing a (sub)expression
// must be evaluated on; StepMs==0 marks an instant query.
type grid struct {
	startMs, endMs, stepMs int64
}

func (g grid) offsetBy(d time.Duration) grid {
	ms := d.Milliseconds()
	return grid{startMs: g.startMs - ms, endMs: g.endMs - ms, stepMs: g.stepMs}
}

// Compile builds the physical plan for expr evaluated over [startMs, endMs]
// at stepMs (stepMs==0 for an instant query at startMs==endMs), per
// spec.md §4.2.
func (p *Planner) Compile(_ context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	// Retention clipping: a query entirely before the tier's retained
	// window compiles to EmptyResultExec rather than scanning anything.
	if p.cfg.RetentionMs > 0 {
		earliest := p.cfg.NowFn() - p.cfg.RetentionMs
		if endMs < earliest {
			return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: "query range entirely before retained window"}), nil
		}
		if startMs < earliest {
			startMs = earliest
		}
	}
	return p.compile(expr, grid{startMs: startMs, endMs: endMs, stepMs: stepMs}, qctx)
}

func (p *Planner) compile(expr parser.Expr, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	switch e := expr.(type) {
	case *parser.ParenExpr:
		return p.compile(e.Expr, g, qctx)

	case *parser.VectorSelector:
		return p.compileSelector(e, "", nil, g, qctx)

	case *parser.MatrixSelector:
		vs, ok := e.VectorSelector.(*parser.VectorSelector)
		if !ok {
			return nil, qerrors.Newf(qerrors.TypeBadQuery, "matrix selector must wrap a vector selector")
		}
		return p.compileSelector(vs, "", nil, g, qctx, e.Range)

	case *parser.SubqueryExpr:
		return p.compileSubquery(e, g, qctx)

	case *parser.Call:
		return p.compileCall(e, g, qctx)

	case *parser.AggregateExpr:
		return p.compileAggregate(e, g, qctx)

	case *parser.BinaryExpr:
		return p.compileBinary(e, g, qctx)

	case *parser.UnaryExpr:
		return p.compileUnary(e, g, qctx)

	case *parser.NumberLiteral:
		return nil, qerrors.New(qerrors.TypeBadQuery, "a bare scalar literal is not a plannable vector expression")

	default:
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "unsupported expression type %T", expr)
	}
}

// compileSelector rewrites __name__ to the dataset's metric column, selects
// shards for the shard-key values pinned by equality matchers, and emits
// one MultiSchemaPartitionsExec leaf per selected shard (split further at
// any spread-change point within the range), combined under a
// DistConcatExec, or under a StitchRvsExec when the range spans a spread
// change, per spec.md §4.3.
func (p *Planner) compileSelector(vs *parser.VectorSelector, fnArgScalar string, functionArgs []float64, g grid, qctx *session.QueryContext, rangeDur ...time.Duration) (*execplan.Node, error) {
	matchers := rewriteMetricNameMatcher(p.cfg.Dataset, vs.LabelMatchers)
	matchers, bucketLe, isBucket := rewriteHistogramBucketMatcher(p.cfg.Dataset, matchers)

	offset := vs.OriginalOffset
	windowMs := DefaultLookback.Milliseconds()
	if len(rangeDur) > 0 {
		windowMs = rangeDur[0].Milliseconds()
	}

	shardedGrid := g.offsetBy(offset)
	segments := p.splitAtSpreadChanges(shardedGrid.startMs, shardedGrid.endMs)

	var children []*execplan.Node
	for _, seg := range segments {
		shards, err := p.selectShards(matchers, seg.startMs, qctx)
		if err != nil {
			return nil, err
		}
		for _, sid := range shards {
			if err := p.checkShardAvailable(sid); err != nil {
				if qctx != nil && qctx.Params.AllowPartialResults && qerrors.Is(err, qerrors.TypeShardNotAvailable) {
					qctx.Stats.MarkPartial()
					continue
				}
				return nil, err
			}
			leaf := execplan.NewLeaf(execplan.NodeMultiSchemaPartitionsExec, execplan.MultiSchemaPartitionsParams{
				DatasetRef:  p.cfg.Dataset.Ref,
				Shard:       sid,
				ChunkMethod: chunkstore.ChunkScanMethod{StartMs: seg.startMs - windowMs, EndMs: seg.endMs},
				Filters:     matchers,
			})
			leaf.WithTransformers(execplan.NewPeriodicSamples(execplan.PeriodicSamplesParams{
				StartMs:      seg.startMs + offset.Milliseconds(),
				EndMs:        seg.endMs + offset.Milliseconds(),
				StepMs:       stepOrInstant(g.stepMs),
				WindowMs:     windowMs,
				OffsetMs:     offset.Milliseconds(),
				FunctionName: fnArgScalar,
				FunctionArgs: functionArgs,
			}))
			if isBucket {
				leaf.WithTransformers(execplan.NewInstantFunction(execplan.InstantFunctionParams{
					FunctionName: "histogram_bucket",
					ScalarArgs:   []float64{bucketLe},
				}))
			}
			if qctx != nil {
				qctx.Stats.AddShardQueried()
			}
			children = append(children, leaf)
		}
	}

	if len(children) == 0 {
		return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: "no shards selected"}), nil
	}
	if len(children) == 1 && len(segments) == 1 {
		return children[0], nil
	}

	dispatchers := make([]execplan.DispatcherRef, len(children))
	for i := range dispatchers {
		dispatchers[i] = execplan.DispatcherRef{IsLocalCall: true}
	}
	if len(segments) > 1 {
		// Segments span a spread change: stitch their outputs together
		// instead of a plain concat, per spec.md §4.3's "query range split
		// and restitched" rule.
		return execplan.NewParent(execplan.NodeStitchRvsExec, execplan.StitchParams{}, children...), nil
	}
	return execplan.NewParent(execplan.NodeLocalPartitionDistConcatExec, execplan.DistConcatParams{Dispatchers: dispatchers}, children...), nil
}

func stepOrInstant(stepMs int64) int64 {
	if stepMs <= 0 {
		return 1
	}
	return stepMs
}

type rangeSegment struct{ startMs, endMs int64 }

// splitAtSpreadChanges divides [startMs, endMs] at every spread change
// point within it, per spec.md §4.3.
func (p *Planner) splitAtSpreadChanges(startMs, endMs int64) []rangeSegment {
	points := p.cfg.Spread.ChangePointsIn(startMs, endMs)
	if len(points) == 0 {
		return []rangeSegment{{startMs, endMs}}
	}
	segs := make([]rangeSegment, 0, len(points)+1)
	cur := startMs
	for _, pt := range points {
		segs = append(segs, rangeSegment{cur, pt})
		cur = pt
	}
	segs = append(segs, rangeSegment{cur, endMs})
	return segs
}

func (p *Planner) selectShards(matchers []*labels.Matcher, atMs int64, qctx *session.QueryContext) ([]shard.ID, error) {
	shardKeyCols := p.cfg.Dataset.ShardKeyColumns()
	values := make([]string, len(shardKeyCols))
	pinned := true
	for i, col := range shardKeyCols {
		v, ok := equalityValue(matchers, col)
		if !ok {
			pinned = false
			break
		}
		values[i] = v
	}

	numShards := 1
	if p.cfg.Mapper != nil {
		numShards = p.cfg.Mapper.NumShards()
	}
	if !pinned {
		// No concrete shard key: must query every shard, per spec.md §4.3.
		out := make([]shard.ID, numShards)
		for i := range out {
			out[i] = shard.ID(i)
		}
		return out, nil
	}

	spread := p.cfg.Spread.SpreadAt(atMs)
	if qctx != nil && qctx.Params.SpreadOverride >= 0 {
		spread = shard.Spread(qctx.Params.SpreadOverride)
	}
	hash := shard.HashValues(values...)
	return shard.ShardsForSpread(hash, numShards, spread), nil
}

func (p *Planner) checkShardAvailable(sid shard.ID) error {
	if p.cfg.Mapper == nil {
		return nil
	}
	status, err := p.cfg.Mapper.StatusForShard(context.Background(), sid)
	if err != nil {
		return qerrors.Wrap(qerrors.TypeShardNotAvailable, err, "looking up shard status")
	}
	if !status.Queryable() {
		return qerrors.Newf(qerrors.TypeShardNotAvailable, "shard %d is %s", sid, status)
	}
	return nil
}

func equalityValue(matchers []*labels.Matcher, name string) (string, bool) {
	for _, m := range matchers {
		if m.Name == name && m.Type == labels.MatchEqual {
			return m.Value, true
		}
	}
	return "", false
}

// rewriteMetricNameMatcher rewrites any __name__ matcher to the dataset's
// configured metric column, per spec.md §4.3's label rewriting rule.
func rewriteMetricNameMatcher(d dataset.Dataset, matchers []*labels.Matcher) []*labels.Matcher {
	out := make([]*labels.Matcher, len(matchers))
	for i, m := range matchers {
		if m.Name == dataset.InputMetricLabel {
			out[i] = &labels.Matcher{Type: m.Type, Name: d.MetricColumn(), Value: m.Value}
			continue
		}
		out[i] = m
	}
	return out
}

// rewriteHistogramBucketMatcher rewrites a `{_metric_="X_bucket", le="v"}`
// filter to `{_metric_="X"}`, returning the `le` value as a float and
// isBucket=true, per spec.md §4.3's histogram-bucket rewrite. Matchers are
// returned unchanged (isBucket=false) when the metric column isn't an
// equality match ending in "_bucket", or there's no equality `le` matcher,
// since the rewrite only fires for the literal bucket-selector shape.
func rewriteHistogramBucketMatcher(d dataset.Dataset, matchers []*labels.Matcher) ([]*labels.Matcher, float64, bool) {
	metricCol := d.MetricColumn()
	metricIdx := -1
	for i, m := range matchers {
		if m.Name == metricCol && m.Type == labels.MatchEqual {
			metricIdx = i
			break
		}
	}
	if metricIdx < 0 || !strings.HasSuffix(matchers[metricIdx].Value, "_bucket") {
		return matchers, 0, false
	}

	leIdx := -1
	for i, m := range matchers {
		if m.Name == "le" && m.Type == labels.MatchEqual {
			leIdx = i
			break
		}
	}
	if leIdx < 0 {
		return matchers, 0, false
	}
	le, err := strconv.ParseFloat(matchers[leIdx].Value, 64)
	if err != nil {
		return matchers, 0, false
	}

	out := make([]*labels.Matcher, 0, len(matchers)-1)
	for i, m := range matchers {
		switch i {
		case leIdx:
			continue
		case metricIdx:
			out = append(out, &labels.Matcher{Type: m.Type, Name: metricCol, Value: strings.TrimSuffix(m.Value, "_bucket")})
		default:
			out = append(out, m)
		}
	}
	return out, le, true
}

func (p *Planner) compileCall(call *parser.Call, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	if len(call.Args) == 0 {
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "function %s requires an argument", call.Func.Name)
	}

	switch call.Func.Name {
	case "absent", "absent_over_time":
		inner, err := p.compile(call.Args[0], g, qctx)
		if err != nil {
			return nil, err
		}
		inner.WithTransformers(execplan.NewAbsentFunction(execplan.AbsentFunctionParams{OverTime: call.Func.Name == "absent_over_time"}))
		return inner, nil
	}

	// The range-vector argument isn't always Args[0]: quantile_over_time's
	// phi comes before it, predict_linear/holt_winters's scalars come
	// after it. Find it wherever it is; everything else is a scalar arg.
	rangeIdx := -1
	for i, a := range call.Args {
		switch a.(type) {
		case *parser.MatrixSelector, *parser.SubqueryExpr:
			rangeIdx = i
		}
	}

	if rangeIdx < 0 {
		inner, err := p.compile(call.Args[0], g, qctx)
		if err != nil {
			return nil, err
		}
		inner.WithTransformers(execplan.NewInstantFunction(execplan.InstantFunctionParams{
			FunctionName: call.Func.Name,
			ScalarArgs:   literalArgsExcept(call.Args, -1),
		}))
		return inner, nil
	}

	scalarArgs := literalArgsExcept(call.Args, rangeIdx)
	switch arg := call.Args[rangeIdx].(type) {
	case *parser.MatrixSelector:
		vs, ok := arg.VectorSelector.(*parser.VectorSelector)
		if !ok {
			return nil, qerrors.New(qerrors.TypeBadQuery, "matrix selector must wrap a vector selector")
		}
		return p.compileSelector(vs, call.Func.Name, scalarArgs, g, qctx, arg.Range)
	case *parser.SubqueryExpr:
		return p.compileOuterFunctionOverSubquery(call, arg, scalarArgs, g, qctx)
	default:
		return nil, qerrors.Newf(qerrors.TypeInternal, "unreachable: range-vector arg resolved to unexpected type %T", arg)
	}
}

// literalArgsExcept returns the NumberLiteral values among args, in call
// order, skipping the range-vector argument at skipIdx (pass -1 to keep
// all of them) — e.g. quantile_over_time's phi or holt_winters' sf/tf.
func literalArgsExcept(args []parser.Expr, skipIdx int) []float64 {
	var out []float64
	for i, a := range args {
		if i == skipIdx {
			continue
		}
		if lit, ok := a.(*parser.NumberLiteral); ok {
			out = append(out, lit.Val)
		}
	}
	return out
}

func (p *Planner) compileSubquery(sq *parser.SubqueryExpr, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	step := sq.Step
	if step <= 0 {
		step = time.Minute
	}
	inner := g.offsetBy(sq.OriginalOffset)
	inner.startMs -= sq.Range.Milliseconds()
	inner.stepMs = step.Milliseconds()
	// Align the inner grid to multiples of the subquery step: the first
	// point rounds up, the last rounds down.
	if s := inner.stepMs; s > 0 {
		if r := ((inner.startMs % s) + s) % s; r != 0 {
			inner.startMs += s - r
		}
		inner.endMs -= ((inner.endMs % s) + s) % s
	}
	return p.compile(sq.Expr, inner, qctx)
}

// compileOuterFunctionOverSubquery compiles the subquery's own expression
// over its finer grid, then re-windows the resulting series at the outer
// grid with the outer function, per spec.md §4.2's subquery grid alignment.
func (p *Planner) compileOuterFunctionOverSubquery(call *parser.Call, sq *parser.SubqueryExpr, scalarArgs []float64, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	inner, err := p.compileSubquery(sq, g, qctx)
	if err != nil {
		return nil, err
	}
	inner.WithTransformers(execplan.NewPeriodicSamples(execplan.PeriodicSamplesParams{
		StartMs:      g.startMs,
		EndMs:        g.endMs,
		StepMs:       stepOrInstant(g.stepMs),
		WindowMs:     sq.Range.Milliseconds(),
		OffsetMs:     sq.OriginalOffset.Milliseconds(),
		FunctionName: call.Func.Name,
		FunctionArgs: scalarArgs,
	}))
	return inner, nil
}

func (p *Planner) compileUnary(e *parser.UnaryExpr, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	inner, err := p.compile(e.Expr, g, qctx)
	if err != nil {
		return nil, err
	}
	if e.Op.String() == "-" {
		inner.WithTransformers(execplan.NewInstantFunction(execplan.InstantFunctionParams{FunctionName: "__negate"}))
	}
	return inner, nil
}

func (p *Planner) compileAggregate(e *parser.AggregateExpr, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	op, err := aggregateOpName(e.Op)
	if err != nil {
		return nil, err
	}
	param := aggregateParameter(e.Param)

	inner, err := p.compile(e.Expr, g, qctx)
	if err != nil {
		return nil, err
	}

	mapParams := execplan.AggregateMapReduceParams{Op: op, By: groupingLabels(e), Without: withoutLabels(e), Parameter: param}
	if op == "count_values" {
		mapParams.CountValuesLabel = aggregateParamLabel(e.Param)
	}

	if inner.Type == execplan.NodeLocalPartitionDistConcatExec && isPushDownable(op) {
		for _, child := range inner.Children {
			child.WithTransformers(execplan.NewAggregateMapReduce(mapParams))
		}
		reduced := execplan.NewParent(execplan.NodeLocalPartitionReduceAggregateExec,
			execplan.ReduceAggregateParams{Op: op, By: mapParams.By, Without: mapParams.Without}, inner.Children...)
		reduced.WithTransformers(execplan.NewAggregatePresenter(execplan.AggregatePresenterParams{Op: op, Parameter: param}))
		return reduced, nil
	}

	inner.WithTransformers(
		execplan.NewAggregateMapReduce(mapParams),
		execplan.NewAggregatePresenter(execplan.AggregatePresenterParams{Op: op, Parameter: param}),
	)
	return inner, nil
}

func groupingLabels(e *parser.AggregateExpr) []string {
	if e.Without {
		return nil
	}
	return e.Grouping
}

func withoutLabels(e *parser.AggregateExpr) []string {
	if e.Without {
		return e.Grouping
	}
	return nil
}

func isPushDownable(op string) bool {
	switch op {
	case "sum", "min", "max", "count", "group":
		return true
	default:
		return false
	}
}

func aggregateOpName(op parser.ItemType) (string, error) {
	name := op.String()
	if name == "" {
		return "", qerrors.New(qerrors.TypeBadQuery, "unsupported aggregation operator")
	}
	return name, nil
}

func aggregateParameter(param parser.Expr) float64 {
	if param == nil {
		return 0
	}
	if lit, ok := param.(*parser.NumberLiteral); ok {
		return lit.Val
	}
	return 0
}

// aggregateParamLabel returns count_values's label-name parameter, the one
// aggregate op whose Param is a string rather than a number.
func aggregateParamLabel(param parser.Expr) string {
	if lit, ok := param.(*parser.StringLiteral); ok {
		return lit.Val
	}
	return ""
}

func (p *Planner) compileBinary(e *parser.BinaryExpr, g grid, qctx *session.QueryContext) (*execplan.Node, error) {
	lhsLit, lhsIsLit := e.LHS.(*parser.NumberLiteral)
	rhsLit, rhsIsLit := e.RHS.(*parser.NumberLiteral)

	if lhsIsLit && rhsIsLit {
		return nil, qerrors.New(qerrors.TypeBadQuery, "scalar-scalar binary expressions are not a plannable vector result")
	}

	setOp := setOperatorName(e.Op)

	if lhsIsLit || rhsIsLit {
		var operand parser.Expr
		scalarOnLeft := lhsIsLit
		var scalarVal float64
		if lhsIsLit {
			operand = e.RHS
			scalarVal = lhsLit.Val
		} else {
			operand = e.LHS
			scalarVal = rhsLit.Val
		}
		node, err := p.compile(operand, g, qctx)
		if err != nil {
			return nil, err
		}
		// A scalar operand is planned as a BinaryJoinExec node with
		// Scalar*=true and ScalarValue set, whose scalar side is a synthetic
		// EmptyResultExec child that keeps execBinaryJoin's two-child
		// contract; the scalar value itself travels in the params.
		scalar := execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{Reason: "scalar operand"})
		var children []*execplan.Node
		if scalarOnLeft {
			children = []*execplan.Node{scalar, node}
		} else {
			children = []*execplan.Node{node, scalar}
		}
		return execplan.NewParent(execplan.NodeBinaryJoinExec, execplan.BinaryJoinParams{
			Op: binOpName(e.Op), ScalarOnLeft: scalarOnLeft, ScalarOnRight: !scalarOnLeft,
			ScalarValue: scalarVal, ReturnBool: e.ReturnBool,
		}, children...), nil
	}

	left, err := p.compile(e.LHS, g, qctx)
	if err != nil {
		return nil, err
	}
	right, err := p.compile(e.RHS, g, qctx)
	if err != nil {
		return nil, err
	}

	if setOp != "" {
		return execplan.NewParent(execplan.NodeSetOperatorExec, execplan.SetOperatorParams{
			Op: setOp, On: vectorMatchingOn(e.VectorMatching), Ignoring: vectorMatchingIgnoring(e.VectorMatching),
		}, left, right), nil
	}

	params := execplan.BinaryJoinParams{
		Op:         binOpName(e.Op),
		On:         vectorMatchingOn(e.VectorMatching),
		Ignoring:   vectorMatchingIgnoring(e.VectorMatching),
		ReturnBool: e.ReturnBool,
	}
	if e.VectorMatching != nil {
		switch e.VectorMatching.Card {
		case parser.CardManyToOne:
			params.GroupLeft = true
			params.GroupLabels = e.VectorMatching.Include
		case parser.CardOneToMany:
			params.GroupRight = true
			params.GroupLabels = e.VectorMatching.Include
		}
	}
	return execplan.NewParent(execplan.NodeBinaryJoinExec, params, left, right), nil
}

func vectorMatchingOn(vm *parser.VectorMatching) []string {
	if vm == nil || !vm.On {
		return nil
	}
	return vm.MatchingLabels
}

func vectorMatchingIgnoring(vm *parser.VectorMatching) []string {
	if vm == nil || vm.On {
		return nil
	}
	return vm.MatchingLabels
}

func setOperatorName(op parser.ItemType) string {
	switch op.String() {
	case "and", "or", "unless":
		return op.String()
	default:
		return ""
	}
}

func binOpName(op parser.ItemType) string {
	switch op.String() {
	case "+", "-", "*", "/", "%", "^", "==", "!=", ">", "<", ">=", "<=":
		return op.String()
	default:
		return fmt.Sprintf("%s", op)
	}
}
