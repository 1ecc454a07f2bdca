// SPDX-License-Identifier: AGPL-3.0-only

// Package longrange splits a query across the raw and downsample tiers at
// their retention boundary and stitches the two results, per spec.md §4.4.
package longrange

import (
	"context"

	"github.com/prometheus/prometheus/promql/parser"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/session"
)

// TierPlanner is the single-cluster planner contract this package wraps;
// satisfied by *singlecluster.Planner.
type TierPlanner interface {
	Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error)
}

// Config wires the raw and downsample tier planners and the functions that
// tell this planner where their retention boundaries currently sit.
type Config struct {
	Raw        TierPlanner
	Downsample TierPlanner
	// EarliestRawTimestampFn returns the oldest timestamp (ms) the raw tier
	// still retains.
	EarliestRawTimestampFn func() int64
	// LatestDownsampleTimestampFn returns the newest timestamp (ms) the
	// downsample tier has rolled up, i.e. the latest point it can serve.
	LatestDownsampleTimestampFn func() int64
}

type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

func (p *Planner) Compile(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, qctx *session.QueryContext) (*execplan.Node, error) {
	earliestRaw := p.cfg.EarliestRawTimestampFn()
	latestDownsample := p.cfg.LatestDownsampleTimestampFn()

	rawApplies := p.cfg.Raw != nil && endMs >= earliestRaw
	downsampleApplies := p.cfg.Downsample != nil && startMs <= latestDownsample

	switch {
	case rawApplies && downsampleApplies:
		return p.compileSplit(ctx, expr, startMs, endMs, stepMs, earliestRaw, latestDownsample, qctx)
	case rawApplies:
		return p.cfg.Raw.Compile(ctx, expr, maxInt64(startMs, earliestRaw), endMs, stepMs, qctx)
	case downsampleApplies:
		return p.cfg.Downsample.Compile(ctx, expr, startMs, minInt64(endMs, latestDownsample), stepMs, qctx)
	default:
		return execplan.NewLeaf(execplan.NodeEmptyResultExec, execplan.EmptyResultParams{
			Reason: "query range falls in the gap between downsample and raw retention",
		}), nil
	}
}

// compileSplit builds the raw and downsample subplans over their
// step-aligned halves of [startMs, endMs] and stitches them, per spec.md
// §4.4's boundary rule: the raw grid starts at the first step >=
// earliestRaw, the downsample grid ends at the last step <=
// latestDownsample.
func (p *Planner) compileSplit(ctx context.Context, expr parser.Expr, startMs, endMs, stepMs int64, earliestRaw, latestDownsample int64, qctx *session.QueryContext) (*execplan.Node, error) {
	rawStart := alignUp(maxInt64(startMs, earliestRaw), stepMs)
	downsampleEnd := alignDown(minInt64(endMs, latestDownsample), stepMs)

	dsNode, err := p.cfg.Downsample.Compile(ctx, expr, startMs, downsampleEnd, stepMs, qctx)
	if err != nil {
		return nil, err
	}
	rawNode, err := p.cfg.Raw.Compile(ctx, expr, rawStart, endMs, stepMs, qctx)
	if err != nil {
		return nil, err
	}
	return execplan.NewParent(execplan.NodeStitchRvsExec, execplan.StitchParams{}, dsNode, rawNode), nil
}

func alignUp(ms, stepMs int64) int64 {
	if stepMs <= 0 {
		return ms
	}
	if rem := ms % stepMs; rem != 0 {
		return ms + (stepMs - rem)
	}
	return ms
}

func alignDown(ms, stepMs int64) int64 {
	if stepMs <= 0 {
		return ms
	}
	return ms - (ms % stepMs)
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
