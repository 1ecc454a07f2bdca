// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"math"
	"sort"
	"strconv"

	"github.com/skydb/tsdbquery/pkg/rangevector"
)

// pushDownableOps are the aggregation operators whose partial per-shard
// results can be re-combined by a ReduceAggregateExec, per spec.md §4.3's
// aggregation push-down rule. topk, bottomk and quantile need the full set
// of contributing series at once to pick order statistics, so they always
// run as a single AggregateMapReduce over a concatenated (not reduced)
// input; see the accumulator's finish for where this matters.
//
// avg, stddev and stdvar are deliberately excluded: combining per-shard
// averages (or variances) with the same op at the reduce stage gives the
// wrong answer unless every shard contributes an equal number of samples,
// since it would need to carry (sum, count) or Welford state through the
// reduce step rather than a single folded value. Real distributed PromQL
// setups hit the same wall, which is why Prometheus federation docs
// recommend exporting sum_over_time/count_over_time pairs instead of avg.
var pushDownableOps = map[string]bool{
	"sum": true, "min": true, "max": true, "count": true, "group": true,
}

// reduceOpFor returns the op a ReduceAggregateExec must apply to fold
// already-map-side-aggregated partials, which differs from the map op for
// count: each shard's partial is itself a count, so the partials must be
// summed, not counted again.
func reduceOpFor(mapOp string) string {
	if mapOp == "count" {
		return "sum"
	}
	return mapOp
}

// accumulatorSet groups series by their retained grouping labels and folds
// per-timestamp values with op, per spec.md §4.2's AggregateMapReduce.
type accumulatorSet struct {
	op     string
	groups map[string]*aggGroup
}

type aggGroup struct {
	key  rangevector.SeriesKey
	byTs map[int64][]float64
}

func newAccumulatorSet(op string) *accumulatorSet {
	return &accumulatorSet{op: op, groups: make(map[string]*aggGroup)}
}

func (a *accumulatorSet) merge(key rangevector.SeriesKey, by, without []string, samples []rangevector.Sample) {
	gk, retained := groupingKey(key, by, without)
	g, ok := a.groups[gk]
	if !ok {
		g = &aggGroup{key: retained, byTs: make(map[int64][]float64)}
		a.groups[gk] = g
	}
	for _, s := range samples {
		g.byTs[s.TimestampMs] = append(g.byTs[s.TimestampMs], s.Value)
	}
}

func (a *accumulatorSet) finish() []SeriesEntry {
	gks := make([]string, 0, len(a.groups))
	for gk := range a.groups {
		gks = append(gks, gk)
	}
	sort.Strings(gks)

	out := make([]SeriesEntry, 0, len(gks))
	for _, gk := range gks {
		g := a.groups[gk]
		tss := make([]int64, 0, len(g.byTs))
		for ts := range g.byTs {
			tss = append(tss, ts)
		}
		sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })

		samples := make([]rangevector.Sample, len(tss))
		for i, ts := range tss {
			samples[i] = rangevector.Sample{TimestampMs: ts, Value: foldValues(a.op, g.byTs[ts])}
		}
		out = append(out, SeriesEntry{Key: g.key, Samples: samples})
	}
	return out
}

// countValuesAccumulator implements count_values: it groups by the
// By/Without-retained labels the same way accumulatorSet does, but then
// splits each of those groups further by the sample's own value, emitting
// one output series per distinct (group, value) pair with label set to the
// value's string form and the series' value set to how many input series
// shared it at that timestamp.
type countValuesAccumulator struct {
	label  string
	groups map[string]*aggGroup
}

func newCountValuesAccumulator(label string) *countValuesAccumulator {
	return &countValuesAccumulator{label: label, groups: make(map[string]*aggGroup)}
}

func (a *countValuesAccumulator) merge(key rangevector.SeriesKey, by, without []string, samples []rangevector.Sample) {
	baseKey, retained := groupingKey(key, by, without)
	for _, s := range samples {
		valueStr := strconv.FormatFloat(s.Value, 'g', -1, 64)
		gk := baseKey + "\x00" + valueStr
		g, ok := a.groups[gk]
		if !ok {
			gKey := retained.Clone()
			gKey[a.label] = valueStr
			g = &aggGroup{key: gKey, byTs: make(map[int64][]float64)}
			a.groups[gk] = g
		}
		g.byTs[s.TimestampMs] = append(g.byTs[s.TimestampMs], 1)
	}
}

func (a *countValuesAccumulator) finish() []SeriesEntry {
	gks := make([]string, 0, len(a.groups))
	for gk := range a.groups {
		gks = append(gks, gk)
	}
	sort.Strings(gks)

	out := make([]SeriesEntry, 0, len(gks))
	for _, gk := range gks {
		g := a.groups[gk]
		tss := make([]int64, 0, len(g.byTs))
		for ts := range g.byTs {
			tss = append(tss, ts)
		}
		sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })

		samples := make([]rangevector.Sample, len(tss))
		for i, ts := range tss {
			samples[i] = rangevector.Sample{TimestampMs: ts, Value: float64(len(g.byTs[ts]))}
		}
		out = append(out, SeriesEntry{Key: g.key, Samples: samples})
	}
	return out
}

func groupingKey(key rangevector.SeriesKey, by, without []string) (string, rangevector.SeriesKey) {
	retained := rangevector.SeriesKey{}
	switch {
	case len(by) > 0:
		for _, name := range by {
			if v, ok := key[name]; ok {
				retained[name] = v
			}
		}
	case len(without) > 0:
		excluded := make(map[string]struct{}, len(without))
		for _, n := range without {
			excluded[n] = struct{}{}
		}
		for name, v := range key {
			if _, skip := excluded[name]; !skip {
				retained[name] = v
			}
		}
	default:
		// no by/without: aggregate everything into a single group, all
		// labels dropped, matching PromQL's default.
	}
	return (SeriesEntry{Key: retained}).sortKey(), retained
}

func foldValues(op string, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	switch op {
	case "sum":
		return sumOf(values)
	case "avg":
		return sumOf(values) / float64(len(values))
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "count":
		return float64(len(values))
	case "stddev":
		return math.Sqrt(varianceOf(values))
	case "stdvar":
		return varianceOf(values)
	case "group":
		return 1
	default:
		return sumOf(values)
	}
}

func sumOf(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func varianceOf(values []float64) float64 {
	mean := sumOf(values) / float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return ss / float64(len(values))
}

// quantileOf implements Prometheus's linear-interpolation quantile over an
// unsorted slice, mutating it in place by sorting.
func quantileOf(q float64, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sort.Float64s(values)
	if q < 0 {
		return math.Inf(-1)
	}
	if q > 1 {
		return math.Inf(1)
	}
	if len(values) == 1 {
		return values[0]
	}
	rank := q * float64(len(values)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return values[lo]
	}
	frac := rank - float64(lo)
	return values[lo]*(1-frac) + values[hi]*frac
}
