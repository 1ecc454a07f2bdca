// SPDX-License-Identifier: AGPL-3.0-only

package rangevector

import (
	"context"
	"math"
)

// StitchCursor performs an n-way timestamp merge of sources, all assumed to
// carry samples for the same series key (typically from different tiers or
// shard-change segments), per spec.md §4.2's StitchRvsExec contract.
//
// n is expected to be small (two tiers, or a handful of spread-change
// segments), so a linear scan across sources beats a heap, matching
// spec.md §4.2's explicit guidance.
type StitchCursor struct {
	sources []Cursor
	heads   []*Sample // nil entry means that source is exhausted
	started bool
}

// Stitch returns a Cursor that merges sources in timestamp order. On
// simultaneous non-NaN values from more than one source for the same
// timestamp, the merged row's value is NaN (spec.md §4.2, §5: "unable to
// calculate" sentinel, non-NaN wins if unique, otherwise NaN).
func Stitch(sources ...Cursor) Cursor {
	if len(sources) == 1 {
		return sources[0]
	}
	return &StitchCursor{sources: sources, heads: make([]*Sample, len(sources))}
}

func (s *StitchCursor) fillHeads(ctx context.Context) error {
	for i, src := range s.sources {
		if src == nil || s.heads[i] != nil {
			continue
		}
		sample, ok, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.heads[i] = &sample
	}
	return nil
}

func (s *StitchCursor) Next(ctx context.Context) (Sample, bool, error) {
	if err := s.fillHeads(ctx); err != nil {
		return Sample{}, false, err
	}

	minTs := int64(math.MaxInt64)
	any := false
	for _, h := range s.heads {
		if h == nil {
			continue
		}
		any = true
		if h.TimestampMs < minTs {
			minTs = h.TimestampMs
		}
	}
	if !any {
		return Sample{}, false, nil
	}

	var result Sample
	result.TimestampMs = minTs
	nonNaNCount := 0
	var nonNaNValue float64

	for i, h := range s.heads {
		if h == nil || h.TimestampMs != minTs {
			continue
		}
		if !math.IsNaN(h.Value) {
			nonNaNCount++
			nonNaNValue = h.Value
		}
		s.heads[i] = nil // consumed
	}

	switch nonNaNCount {
	case 0:
		result.Value = math.NaN()
	case 1:
		result.Value = nonNaNValue
	default:
		result.Value = math.NaN() // collision: more than one source produced a value
	}

	return result, true, nil
}

func (s *StitchCursor) Close() {
	for _, src := range s.sources {
		if src != nil {
			src.Close()
		}
	}
}
