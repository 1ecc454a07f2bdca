// SPDX-License-Identifier: AGPL-3.0-only

package shard

import "sort"

// Window is a half-open time interval [StartMs, EndMs) during which Spread
// was constant for a shard-key class.
type Window struct {
	StartMs int64
	EndMs   int64 // 0 means "still current"
	Spread  Spread
}

// FunctionalSpreadProvider answers "what was the spread for this shard-key
// class at time t", and enumerates the change points within a range so the
// single-cluster planner can split a query at each one, per spec.md §4.3.
//
// Grounded on the teacher's ring.ReplicationSet change-detection idiom:
// rather than a single scalar, dynamic shard counts are modeled as an
// explicit, queryable timeline.
type FunctionalSpreadProvider struct {
	windows []Window // sorted ascending by StartMs, non-overlapping
}

// NewFunctionalSpreadProvider builds a provider from an explicit timeline.
// windows need not be sorted; NewFunctionalSpreadProvider sorts them.
func NewFunctionalSpreadProvider(windows ...Window) *FunctionalSpreadProvider {
	ws := make([]Window, len(windows))
	copy(ws, windows)
	sort.Slice(ws, func(i, j int) bool { return ws[i].StartMs < ws[j].StartMs })
	return &FunctionalSpreadProvider{windows: ws}
}

// Static returns a provider with a single, constant spread for all time.
func Static(spread Spread) *FunctionalSpreadProvider {
	return NewFunctionalSpreadProvider(Window{StartMs: 0, EndMs: 0, Spread: spread})
}

// SpreadAt returns the Spread in effect at timestamp t.
func (p *FunctionalSpreadProvider) SpreadAt(t int64) Spread {
	var cur Spread
	for _, w := range p.windows {
		if w.StartMs > t {
			break
		}
		if w.EndMs == 0 || t < w.EndMs {
			cur = w.Spread
		}
	}
	return cur
}

// ChangePointsIn returns the timestamps within (startMs, endMs] at which
// the spread changes, in ascending order. The single-cluster planner uses
// these to split a query range into segments of constant spread, per
// spec.md §4.3.
func (p *FunctionalSpreadProvider) ChangePointsIn(startMs, endMs int64) []int64 {
	var points []int64
	for _, w := range p.windows {
		if w.StartMs > startMs && w.StartMs <= endMs {
			points = append(points, w.StartMs)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	return points
}
