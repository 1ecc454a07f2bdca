// SPDX-License-Identifier: AGPL-3.0-only

package execplan

// TransformerKind tags the kind of RangeVectorTransformer a Node carries.
type TransformerKind string

const (
	KindPeriodicSamples         TransformerKind = "PeriodicSamplesMapper"
	KindInstantFunction         TransformerKind = "InstantVectorFunctionMapper"
	KindAggregateMapReduce      TransformerKind = "AggregateMapReduce"
	KindAggregatePresenter      TransformerKind = "AggregatePresenter"
	KindBinaryJoin              TransformerKind = "BinaryJoinExec"
	KindSetOperator             TransformerKind = "SetOperatorExec"
	KindAbsentFunction          TransformerKind = "AbsentFunctionMapper"
	KindStitchRvs               TransformerKind = "StitchRvsMapper"
	KindLabelCardinalityPresent TransformerKind = "LabelCardinalityPresenter"
	KindTopkCardPresenter       TransformerKind = "TopkCardPresenter"
)

// Transformer is one step in a Node's attached transformer list: a tagged
// variant over the RangeVectorTransformer kinds of spec.md §4.2, each
// carrying its own parameters instead of being a distinct Go type
// implementing a shared method set. Operators switch on Kind() to decide
// how to interpret Params.
type Transformer interface {
	Kind() TransformerKind
	transformerParams() interface{}
}

type baseTransformer struct {
	kind   TransformerKind
	params interface{}
}

func (b baseTransformer) Kind() TransformerKind        { return b.kind }
func (b baseTransformer) transformerParams() interface{} { return b.params }

// Params returns t's underlying parameter struct for callers that already
// switched on Kind() and need the concrete value.
func Params(t Transformer) interface{} { return t.transformerParams() }

// PeriodicSamplesParams configures PeriodicSamplesMapper: the operator that
// turns a raw sample scan into an evenly-spaced RangeVector per spec.md
// §4.2 and §8's instant-vector-at-offset examples.
type PeriodicSamplesParams struct {
	StartMs      int64
	EndMs        int64
	StepMs       int64
	WindowMs     int64 // range-vector selector duration, 0 for instant selectors
	OffsetMs     int64
	FunctionName string    // "" for a plain selector, else e.g. "rate", "increase"
	FunctionArgs []float64 // extra scalar args a parametrized range function takes besides the range vector itself, e.g. quantile_over_time's phi or holt_winters' sf/tf
}

func NewPeriodicSamples(p PeriodicSamplesParams) Transformer {
	return baseTransformer{kind: KindPeriodicSamples, params: p}
}

// InstantFunctionParams configures InstantVectorFunctionMapper, the
// pointwise PromQL instant functions (abs, ceil, clamp_*, ...).
type InstantFunctionParams struct {
	FunctionName string
	ScalarArgs   []float64
}

func NewInstantFunction(p InstantFunctionParams) Transformer {
	return baseTransformer{kind: KindInstantFunction, params: p}
}

// AggregateMapReduceParams configures the map side of a PromQL aggregation
// (sum, avg, min, max, count, stddev, stdvar, topk, bottomk, quantile),
// grouped by By/Without per spec.md §4.2.
type AggregateMapReduceParams struct {
	Op               string
	By               []string
	Without          []string
	Parameter        float64 // topk/bottomk/quantile's k/q argument
	CountValuesLabel string  // count_values's output label name
}

func NewAggregateMapReduce(p AggregateMapReduceParams) Transformer {
	return baseTransformer{kind: KindAggregateMapReduce, params: p}
}

// AggregatePresenterParams configures the finalization side of an
// aggregation: turning partial accumulators into output samples (e.g.
// dividing sum by count for avg, extracting the quantile).
type AggregatePresenterParams struct {
	Op        string
	Parameter float64
}

func NewAggregatePresenter(p AggregatePresenterParams) Transformer {
	return baseTransformer{kind: KindAggregatePresenter, params: p}
}

// BinaryJoinParams configures a PromQL binary arithmetic/comparison
// operator between two range-vector inputs, with the on/ignoring/
// group_left/group_right modifiers of spec.md's PromQL surface.
type BinaryJoinParams struct {
	Op             string
	On             []string
	Ignoring       []string
	GroupLeft      bool
	GroupRight     bool
	GroupLabels    []string
	ReturnBool     bool
	ScalarOnLeft   bool // set when one side is a bare scalar, not a vector
	ScalarOnRight  bool
	ScalarValue    float64
}

func NewBinaryJoin(p BinaryJoinParams) Transformer {
	return baseTransformer{kind: KindBinaryJoin, params: p}
}

// SetOperatorParams configures and/or/unless between two range-vector
// inputs.
type SetOperatorParams struct {
	Op       string // "and", "or", "unless"
	On       []string
	Ignoring []string
}

func NewSetOperator(p SetOperatorParams) Transformer {
	return baseTransformer{kind: KindSetOperator, params: p}
}

// AbsentFunctionParams configures absent()/absent_over_time(), which emit a
// single synthetic series when their input is empty.
type AbsentFunctionParams struct {
	OverTime     bool
	SyntheticTags map[string]string
}

func NewAbsentFunction(p AbsentFunctionParams) Transformer {
	return baseTransformer{kind: KindAbsentFunction, params: p}
}

// StitchRvsParams configures StitchRvsMapper, the n-way per-series
// timestamp-aligned merge of spec.md §4.4 (tier stitching) and §4.3 (spread
// change stitching). It carries no fields: the inputs to stitch are the
// Node's own Children, and the merge rule is fixed (see rangevector.Stitch).
type StitchRvsParams struct{}

func NewStitchRvs() Transformer {
	return baseTransformer{kind: KindStitchRvs, params: StitchRvsParams{}}
}

// LabelCardinalityPresenterParams configures the presenter that turns raw
// per-shard label cardinality counts into the merged response shape.
type LabelCardinalityPresenterParams struct {
	ShardKeyColumns []string
}

func NewLabelCardinalityPresenter(p LabelCardinalityPresenterParams) Transformer {
	return baseTransformer{kind: KindLabelCardinalityPresent, params: p}
}

// TopkCardPresenterParams configures the presenter that merges per-shard
// top-k cardinality lists into a single top-k, re-sorting and truncating.
type TopkCardPresenterParams struct {
	K int
}

func NewTopkCardPresenter(p TopkCardPresenterParams) Transformer {
	return baseTransformer{kind: KindTopkCardPresenter, params: p}
}
