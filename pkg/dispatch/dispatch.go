// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch abstracts where a plan node's children are evaluated,
// per spec.md §4.8: the same Node tree is dispatched differently depending
// on whether the target is this process, another node in the cluster, or
// (for multi-partition queries) a different partition's API entirely. Wire
// format for the remote case is explicitly out of this repository's scope;
// RemoteNodeDispatcher below is the seam a transport would plug into.
package dispatch

import (
	"context"

	"github.com/grafana/dskit/concurrency"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/operators"
	"github.com/skydb/tsdbquery/pkg/qerrors"
)

// Dispatcher evaluates one plan Node and returns its Result, per spec.md
// §4.8's "dispatch(plan) -> Task<QueryResponse>" contract (Go surfaces the
// Task as a blocking call returning (*operators.Result, error); callers
// that want concurrency run Dispatch in a goroutine, as the rest of this
// module's fan-out combinators already do via operators.Executor).
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *execplan.Node) (*operators.Result, error)
}

// InProcessPlanDispatcher evaluates a plan directly against a local
// operators.Executor, used for the common case where a node's children all
// live on shards this process owns.
type InProcessPlanDispatcher struct {
	Executor *operators.Executor
}

func NewInProcessPlanDispatcher(exec *operators.Executor) *InProcessPlanDispatcher {
	return &InProcessPlanDispatcher{Executor: exec}
}

func (d *InProcessPlanDispatcher) Dispatch(ctx context.Context, plan *execplan.Node) (*operators.Result, error) {
	return d.Executor.Execute(ctx, plan)
}

// RemoteNodeDispatcher forwards a plan to another node in the local cluster
// for evaluation (as opposed to RemotePartitionQuerier, which forwards a
// PromQL string to a different partition's own query API). It is grounded
// on grafana-mimir's querier-to-store-gateway RPC shape, but this module
// stops at the interface: LocalClusterTransport carries the actual bytes
// and is supplied by the binary wiring this package into a server.
type RemoteNodeDispatcher struct {
	NodeAddr  string
	Transport LocalClusterTransport
}

// LocalClusterTransport is the seam a gRPC/HTTP client implementation
// would satisfy to let RemoteNodeDispatcher reach another node. No
// implementation ships in this module; spec.md explicitly scopes the wire
// format out, and a fabricated one would just be dead code.
type LocalClusterTransport interface {
	ExecutePlan(ctx context.Context, nodeAddr string, plan *execplan.Node) (*operators.Result, error)
}

func NewRemoteNodeDispatcher(nodeAddr string, transport LocalClusterTransport) *RemoteNodeDispatcher {
	return &RemoteNodeDispatcher{NodeAddr: nodeAddr, Transport: transport}
}

func (d *RemoteNodeDispatcher) Dispatch(ctx context.Context, plan *execplan.Node) (*operators.Result, error) {
	if d.Transport == nil {
		return nil, qerrors.Newf(qerrors.TypeRemoteError, "no transport configured to reach node %s", d.NodeAddr)
	}
	return d.Transport.ExecutePlan(ctx, d.NodeAddr, plan)
}

// ByDispatcherRef selects the concrete Dispatcher for one DispatcherRef,
// the minimal routing logic a planner's DistConcat/ReduceAggregate node
// needs: local calls go straight to local, anything else goes out via
// whatever non-local Dispatcher the caller registered for that cluster.
type ByDispatcherRef struct {
	Local     Dispatcher
	ByCluster map[string]Dispatcher
}

func (b ByDispatcherRef) Select(ref execplan.DispatcherRef) (Dispatcher, error) {
	if ref.IsLocalCall || ref.ClusterName == "" {
		if b.Local == nil {
			return nil, qerrors.New(qerrors.TypeInternal, "no local dispatcher configured")
		}
		return b.Local, nil
	}
	d, ok := b.ByCluster[ref.ClusterName]
	if !ok {
		return nil, qerrors.Newf(qerrors.TypeShardNotAvailable, "no dispatcher registered for cluster %q", ref.ClusterName)
	}
	return d, nil
}

// dispatchConcurrency bounds how many of a node's children are dispatched
// at once, the same way the rest of this stack bounds fan-out against a
// store-gateway or ingester fleet rather than opening one goroutine per
// child unconditionally.
const dispatchConcurrency = 16

// DispatchChildren resolves and dispatches one plan per (ref, plan) pair
// concurrently, bounded by dispatchConcurrency, and returns results in the
// same order as refs/plans. It is the cross-dispatcher analogue of
// operators.Executor's in-process child fan-out: a DistConcat/ReduceAggregate
// node whose children's DispatcherRef point at different clusters uses
// this instead of recursing directly into one Executor.
func (b ByDispatcherRef) DispatchChildren(ctx context.Context, refs []execplan.DispatcherRef, plans []*execplan.Node) ([]*operators.Result, error) {
	if len(refs) != len(plans) {
		return nil, qerrors.New(qerrors.TypeInternal, "DispatchChildren: refs and plans length mismatch")
	}
	results := make([]*operators.Result, len(plans))
	err := concurrency.ForEachJob(ctx, len(plans), dispatchConcurrency, func(ctx context.Context, idx int) error {
		d, err := b.Select(refs[idx])
		if err != nil {
			return err
		}
		res, err := d.Dispatch(ctx, plans[idx])
		if err != nil {
			return err
		}
		results[idx] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
