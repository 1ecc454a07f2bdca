// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

var tracer = otel.Tracer("pkg/operators")

// RemoteQuerier issues the PromQL fragment of a PromQlRemoteExec leaf to
// another partition, per spec.md §4.5. Implementations live outside this
// package (pkg/dispatch), since they depend on the transport used to reach
// the remote partition; wire format is out of this repository's scope.
type RemoteQuerier interface {
	Query(ctx context.Context, p execplan.PromQlRemoteParams) (*Result, error)
}

// Executor interprets an execplan.Node tree against a single shard-local
// store, applying push-down leaves, reduce/concat/stitch combinators, and
// each node's transformer list in order.
type Executor struct {
	Store  *chunkstore.TimeSeriesMemStore
	Remote RemoteQuerier // optional; required only to execute PromQlRemoteExec leaves
}

func NewExecutor(store *chunkstore.TimeSeriesMemStore) *Executor {
	return &Executor{Store: store}
}

// Execute runs n, recursing into children as needed, then applies n's own
// transformer list to the combined result.
func (e *Executor) Execute(ctx context.Context, n *execplan.Node) (*Result, error) {
	if n == nil {
		return emptyResult(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, string(n.Type))
	defer span.End()
	span.SetAttributes(attribute.Int("children", len(n.Children)))

	res, err := e.executeNode(ctx, n)
	if err != nil {
		return nil, errors.Wrapf(err, "executing %s", n.Type)
	}

	for _, tr := range n.Transformers {
		res, err = Apply(res, tr)
		if err != nil {
			return nil, errors.Wrapf(err, "applying %s to %s", tr.Kind(), n.Type)
		}
	}
	return res, nil
}

func (e *Executor) executeNode(ctx context.Context, n *execplan.Node) (*Result, error) {
	switch n.Type {
	case execplan.NodeEmptyResultExec:
		return emptyResult(), nil

	case execplan.NodeMultiSchemaPartitionsExec:
		return e.execScan(ctx, n.Params.(execplan.MultiSchemaPartitionsParams))

	case execplan.NodeLabelValuesExec:
		return e.execLabelValues(n.Params.(execplan.LabelValuesParams))

	case execplan.NodeLabelNamesExec:
		return e.execLabelNames(n.Params.(execplan.LabelNamesParams))

	case execplan.NodePartKeysExec:
		return e.execPartKeys(n.Params.(execplan.PartKeysParams))

	case execplan.NodeLabelCardinalityExec:
		return e.execLabelCardinality(n.Params.(execplan.LabelCardinalityParams))

	case execplan.NodeTopkCardExec:
		return e.execTopkCard(n.Params.(execplan.TopkCardParams))

	case execplan.NodePromQlRemoteExec:
		if e.Remote == nil {
			return nil, qerrors.New(qerrors.TypeInternal, "executor has no RemoteQuerier configured for PromQlRemoteExec")
		}
		return e.Remote.Query(ctx, n.Params.(execplan.PromQlRemoteParams))

	case execplan.NodeLocalPartitionDistConcatExec, execplan.NodeLabelValuesDistConcatExec,
		execplan.NodePartKeysDistConcatExec, execplan.NodeLabelNamesDistConcatExec:
		return e.execDistConcat(ctx, n)

	case execplan.NodeLocalPartitionReduceAggregateExec, execplan.NodeMultiPartitionReduceAggregateExec:
		return e.execReduceAggregate(ctx, n)

	case execplan.NodeLabelCardinalityReduceExec:
		return e.execLabelCardinalityReduce(ctx, n)

	case execplan.NodeTopkCardReduceExec:
		return e.execTopkCardReduce(ctx, n)

	case execplan.NodeStitchRvsExec:
		return e.execStitch(ctx, n)

	case execplan.NodeBinaryJoinExec:
		return e.execBinaryJoin(ctx, n)

	case execplan.NodeSetOperatorExec:
		return e.execSetOperator(ctx, n)

	default:
		return nil, qerrors.Newf(qerrors.TypeInternal, "unknown node type %s", n.Type)
	}
}

func (e *Executor) execScan(ctx context.Context, p execplan.MultiSchemaPartitionsParams) (*Result, error) {
	partitions, err := e.Store.ScanPartitions(ctx, p.DatasetRef, p.Shard, p.Filters, p.ChunkMethod)
	if err != nil {
		return nil, err
	}

	out := make([]SeriesEntry, 0, len(partitions))
	for _, part := range partitions {
		samples := part.ScanRange(p.ChunkMethod.StartMs, p.ChunkMethod.EndMs)
		if len(samples) == 0 {
			continue
		}
		key := make(rangevector.SeriesKey, len(part.LabelValues))
		for k, v := range part.LabelValues {
			key[k] = v
		}
		out = append(out, SeriesEntry{Key: key, Samples: samples})
	}
	return &Result{Series: out}, nil
}

func (e *Executor) execLabelValues(p execplan.LabelValuesParams) (*Result, error) {
	rows, err := e.Store.LabelValues(p.DatasetRef, p.Shard, p.Filters, p.LabelNames, p.StartMs, p.EndMs)
	if err != nil {
		return nil, err
	}
	return &Result{LabelValues: rows}, nil
}

func (e *Executor) execLabelNames(p execplan.LabelNamesParams) (*Result, error) {
	names, err := e.Store.LabelNames(p.DatasetRef, p.Shard, p.Filters, p.StartMs, p.EndMs)
	if err != nil {
		return nil, err
	}
	return &Result{LabelNames: names}, nil
}

func (e *Executor) execPartKeys(p execplan.PartKeysParams) (*Result, error) {
	partitions, err := e.Store.ScanPartitions(context.Background(), p.DatasetRef, p.Shard, p.Filters,
		chunkstore.ChunkScanMethod{StartMs: p.StartMs, EndMs: p.EndMs})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(partitions))
	for _, part := range partitions {
		out = append(out, part.LabelValues)
	}
	return &Result{PartKeys: out}, nil
}

func (e *Executor) execLabelCardinality(p execplan.LabelCardinalityParams) (*Result, error) {
	card, err := e.Store.LabelCardinality(p.DatasetRef, p.Shard, p.Filters, p.StartMs, p.EndMs)
	if err != nil {
		return nil, err
	}
	return &Result{Cardinality: card}, nil
}

func (e *Executor) execTopkCard(p execplan.TopkCardParams) (*Result, error) {
	top, err := e.Store.TopkCardinality(p.DatasetRef, p.Shard, p.ShardKeyPrefix, p.K, p.IncludeInactive)
	if err != nil {
		return nil, err
	}
	return &Result{TopkCard: top}, nil
}

func (e *Executor) execDistConcat(ctx context.Context, n *execplan.Node) (*Result, error) {
	childResults, err := e.executeChildren(ctx, n.Children)
	if err != nil {
		return nil, err
	}

	out := emptyResult()
	for _, cr := range childResults {
		out.Series = append(out.Series, cr.Series...)
		out.LabelValues = append(out.LabelValues, cr.LabelValues...)
		out.LabelNames = append(out.LabelNames, cr.LabelNames...)
		out.PartKeys = append(out.PartKeys, cr.PartKeys...)
	}
	out.LabelNames = dedupeStrings(out.LabelNames)
	return out, nil
}

// executeChildren runs each of children concurrently, one goroutine per
// shard/partition leaf, mirroring how a distributed concat or reduce node
// fans a query out across its children in production: these children are
// independent subplans (different shards or partitions) with no shared
// state, so there's no reason to pay for them one at a time. The first
// child error cancels ctx for its siblings and is returned; results are
// returned in the same order as children regardless of completion order.
func (e *Executor) executeChildren(ctx context.Context, children []*execplan.Node) ([]*Result, error) {
	results := make([]*Result, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			cr, err := e.Execute(gctx, child)
			if err != nil {
				return err
			}
			results[i] = cr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
