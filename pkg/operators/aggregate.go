// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
)

// execReduceAggregate folds a set of already map-side-aggregated children
// (one per queried shard, or one per partition for the multi-partition
// variant) into a single result, per spec.md §4.2's "two-stage
// aggregation" shape: the map side runs once per shard inside that shard's
// AggregateMapReduce transformer, and this reduce step only needs to
// combine those partials using the same commutative/associative op.
func (e *Executor) execReduceAggregate(ctx context.Context, n *execplan.Node) (*Result, error) {
	p, ok := n.Params.(execplan.ReduceAggregateParams)
	if !ok {
		return nil, qerrors.New(qerrors.TypeInternal, "reduce-aggregate node missing ReduceAggregateParams")
	}
	if !pushDownableOps[p.Op] {
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "aggregation %q cannot be pushed down across a reduce node; run it over a concatenated input instead", p.Op)
	}

	childResults, err := e.executeChildren(ctx, n.Children)
	if err != nil {
		return nil, err
	}

	acc := newAccumulatorSet(reduceOpFor(p.Op))
	for _, cr := range childResults {
		for _, s := range cr.Series {
			acc.merge(s.Key, p.By, p.Without, s.Samples)
		}
	}
	return &Result{Series: acc.finish()}, nil
}
