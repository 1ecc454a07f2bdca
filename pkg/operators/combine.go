// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"
	"sort"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

// execStitch merges n's children's series by key via the n-way stitcher of
// spec.md §4.4 and §4.3, used both for tier stitching (raw + downsample)
// and for stitching across a spread-change boundary.
func (e *Executor) execStitch(ctx context.Context, n *execplan.Node) (*Result, error) {
	childResults, err := e.executeChildren(ctx, n.Children)
	if err != nil {
		return nil, err
	}
	return stitchResults(childResults)
}

func stitchResults(childResults []*Result) (*Result, error) {
	bySortKey := make(map[string]rangevector.SeriesKey)
	cursorsByKey := make(map[string][]rangevector.Cursor)
	for _, cr := range childResults {
		for _, s := range cr.Series {
			sk := SeriesEntry{Key: s.Key}.sortKey()
			bySortKey[sk] = s.Key
			cursorsByKey[sk] = append(cursorsByKey[sk], rangevector.NewSliceCursor(s.Samples))
		}
	}

	out := make([]SeriesEntry, 0, len(bySortKey))
	keys := make([]string, 0, len(bySortKey))
	for k := range bySortKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, sk := range keys {
		merged := rangevector.Stitch(cursorsByKey[sk]...)
		samples, err := rangevector.Drain(context.Background(), merged)
		if err != nil {
			return nil, err
		}
		out = append(out, SeriesEntry{Key: bySortKey[sk], Samples: samples})
	}
	return &Result{Series: out}, nil
}

// The helpers below handle the two metadata reduce node kinds (label
// cardinality and top-k cardinality); they don't need the stitcher since
// their payloads aren't time series.

func (e *Executor) execLabelCardinalityReduce(ctx context.Context, n *execplan.Node) (*Result, error) {
	childResults, err := e.executeChildren(ctx, n.Children)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]int)
	for _, cr := range childResults {
		for name, count := range cr.Cardinality {
			merged[name] += count
		}
	}
	return &Result{Cardinality: merged}, nil
}

func (e *Executor) execTopkCardReduce(ctx context.Context, n *execplan.Node) (*Result, error) {
	p, ok := n.Params.(execplan.TopkCardReduceParams)
	if !ok {
		return nil, qerrors.New(qerrors.TypeInternal, "TopkCardReduceExec missing TopkCardReduceParams")
	}

	childResults, err := e.executeChildren(ctx, n.Children)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int)
	for _, cr := range childResults {
		for _, nc := range cr.TopkCard {
			byName[nc.Name] += nc.Count
		}
	}

	merged := make([]chunkstore.NameCount, 0, len(byName))
	for name, count := range byName {
		merged = append(merged, chunkstore.NameCount{Name: name, Count: count})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Count != merged[j].Count {
			return merged[i].Count > merged[j].Count
		}
		return merged[i].Name < merged[j].Name
	})
	if p.K > 0 && len(merged) > p.K {
		merged = merged[:p.K]
	}
	return &Result{TopkCard: merged}, nil
}
