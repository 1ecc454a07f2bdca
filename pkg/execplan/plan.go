// SPDX-License-Identifier: AGPL-3.0-only

// Package execplan defines the physical plan tree planners compile to:
// a tagged variant over operator kinds (spec.md §9's "deep class
// hierarchies of ExecPlan nodes → tagged variant" guidance), with
// transformers attached to each node as a separate ordered list so
// plan-rewrite passes (push-down, stitcher injection) can walk the tree as
// plain immutable data.
package execplan

import (
	"github.com/prometheus/prometheus/model/labels"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/shard"
)

// NodeType tags the kind of physical operator a Node represents.
type NodeType string

const (
	NodeMultiSchemaPartitionsExec        NodeType = "MultiSchemaPartitionsExec"
	NodeLabelValuesExec                  NodeType = "LabelValuesExec"
	NodeLabelNamesExec                   NodeType = "LabelNamesExec"
	NodePartKeysExec                     NodeType = "PartKeysExec"
	NodeLabelCardinalityExec             NodeType = "LabelCardinalityExec"
	NodeTopkCardExec                     NodeType = "TopkCardExec"
	NodePromQlRemoteExec                 NodeType = "PromQlRemoteExec"
	NodeEmptyResultExec                  NodeType = "EmptyResultExec"
	NodeLocalPartitionDistConcatExec     NodeType = "LocalPartitionDistConcatExec"
	NodeLocalPartitionReduceAggregateExec NodeType = "LocalPartitionReduceAggregateExec"
	NodeLabelValuesDistConcatExec        NodeType = "LabelValuesDistConcatExec"
	NodePartKeysDistConcatExec           NodeType = "PartKeysDistConcatExec"
	NodeLabelNamesDistConcatExec         NodeType = "LabelNamesDistConcatExec"
	NodeLabelCardinalityReduceExec       NodeType = "LabelCardinalityReduceExec"
	NodeTopkCardReduceExec               NodeType = "TopkCardReduceExec"
	NodeMultiPartitionReduceAggregateExec NodeType = "MultiPartitionReduceAggregateExec"
	NodeStitchRvsExec                    NodeType = "StitchRvsExec"
	NodeBinaryJoinExec                   NodeType = "BinaryJoinExec"
	NodeSetOperatorExec                  NodeType = "SetOperatorExec"
)

// Node is one physical plan node: a type tag, its operator-specific
// parameters, its children (if any), and the ordered list of
// RangeVectorTransformers applied to its (possibly merged) output stream.
type Node struct {
	Type         NodeType
	Params       interface{} // one of the *Params types below, matching Type
	Children     []*Node
	Transformers []Transformer
}

// DispatcherRef identifies, per spec.md §4.8, where a Node (typically a
// reduce/concat parent's child) should be evaluated: same process or
// another node/cluster. It is attached to a Node by the planner that owns
// the fan-out, not stored on the Node itself, since the same subplan may be
// dispatched differently depending on who's asking.
type DispatcherRef struct {
	ClusterName string
	IsLocalCall bool
}

// --- Leaf params ---

// MultiSchemaPartitionsParams is the leaf shard-local scan, spec.md §4.2.
type MultiSchemaPartitionsParams struct {
	DatasetRef  dataset.Ref
	Shard       shard.ID
	ChunkMethod chunkstore.ChunkScanMethod
	Filters     []*labels.Matcher
	ColName     string // optional, e.g. for histogram bucket rewrites
	SchemaName  string // optional, pins the data schema to scan
}

// LabelValuesParams, LabelNamesParams, PartKeysParams, LabelCardinalityParams
// and TopkCardParams are the metadata leaves mirroring chunkstore's
// metadata operations, per spec.md §4.2.
type LabelValuesParams struct {
	DatasetRef dataset.Ref
	Shard      shard.ID
	Filters    []*labels.Matcher
	LabelNames []string
	StartMs    int64
	EndMs      int64
}

type LabelNamesParams struct {
	DatasetRef dataset.Ref
	Shard      shard.ID
	Filters    []*labels.Matcher
	StartMs    int64
	EndMs      int64
}

type PartKeysParams struct {
	DatasetRef dataset.Ref
	Shard      shard.ID
	Filters    []*labels.Matcher
	StartMs    int64
	EndMs      int64
}

type LabelCardinalityParams struct {
	DatasetRef dataset.Ref
	Shard      shard.ID
	Filters    []*labels.Matcher
	StartMs    int64
	EndMs      int64
}

type TopkCardParams struct {
	DatasetRef     dataset.Ref
	Shard          shard.ID
	ShardKeyPrefix map[string]string
	K              int
	IncludeInactive bool
}

// PromQlRemoteParams serializes the equivalent PromQL fragment to issue to
// a remote partition, per spec.md §4.2 and §4.5.
type PromQlRemoteParams struct {
	Endpoint  string
	TimeoutMs int64
	Query     string
	UrlParams map[string]string
	StartMs   int64
	EndMs     int64
	StepMs    int64
}

// EmptyResultParams marks a plan that was statically determined to produce
// no data (e.g. retention clipping collapsed the range to nothing), per
// spec.md §4.3.
type EmptyResultParams struct {
	Reason string
}

// --- Reduce/concat params ---

// DistConcatParams fans a set of child plans out via their dispatchers and
// interleaves the resulting streams, per spec.md §4.2.
type DistConcatParams struct {
	Dispatchers []DispatcherRef // parallel to Children
}

// ReduceAggregateParams fans a set of child plans out and folds their
// partial accumulators, per spec.md §4.2.
type ReduceAggregateParams struct {
	Dispatchers []DispatcherRef
	Op          string
	Without     []string
	By          []string
}

// StitchParams has no extra fields beyond Children; kept as a distinct
// type for symmetry with the other non-leaf params and so a tree-walk can
// switch on it explicitly.
type StitchParams struct{}

// LabelCardinalityReduceParams has no fields: a LabelCardinalityReduceExec
// always sums its children's per-label-name distinct-value counts.
type LabelCardinalityReduceParams struct{}

// TopkCardReduceParams configures the final truncation applied after
// merging children's per-shard top-k cardinality lists.
type TopkCardReduceParams struct {
	K int
}

// NewLeaf builds a leaf Node of the given type and params.
func NewLeaf(t NodeType, params interface{}) *Node {
	return &Node{Type: t, Params: params}
}

// NewParent builds a non-leaf Node with the given children.
func NewParent(t NodeType, params interface{}, children ...*Node) *Node {
	return &Node{Type: t, Params: params, Children: children}
}

// WithTransformers returns n with transformers appended; n is mutated and
// returned for chaining during planning.
func (n *Node) WithTransformers(t ...Transformer) *Node {
	n.Transformers = append(n.Transformers, t...)
	return n
}

// Walk visits every node in the tree rooted at n, pre-order.
func Walk(n *Node, visit func(*Node)) {
	if n == nil {
		return
	}
	visit(n)
	for _, c := range n.Children {
		Walk(c, visit)
	}
}

// CountLeaves returns the number of leaf nodes (nodes with no children) in
// the tree rooted at n.
func CountLeaves(n *Node) int {
	count := 0
	Walk(n, func(node *Node) {
		if len(node.Children) == 0 {
			count++
		}
	})
	return count
}
