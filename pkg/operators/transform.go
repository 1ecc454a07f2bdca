// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

// Apply runs one node-attached transformer over res, per spec.md §4.2's
// RangeVectorTransformer list.
func Apply(res *Result, t execplan.Transformer) (*Result, error) {
	params := execplan.Params(t)
	switch t.Kind() {
	case execplan.KindPeriodicSamples:
		return applyPeriodicSamples(res, params.(execplan.PeriodicSamplesParams))
	case execplan.KindInstantFunction:
		return applyInstantFunction(res, params.(execplan.InstantFunctionParams))
	case execplan.KindAggregateMapReduce:
		return applyAggregateMapReduce(res, params.(execplan.AggregateMapReduceParams))
	case execplan.KindAggregatePresenter:
		return applyAggregatePresenter(res, params.(execplan.AggregatePresenterParams))
	case execplan.KindAbsentFunction:
		return applyAbsent(res, params.(execplan.AbsentFunctionParams)), nil
	case execplan.KindStitchRvs:
		return applyStitchTransformer(res)
	case execplan.KindLabelCardinalityPresent:
		return applyLabelCardinalityPresenter(res, params.(execplan.LabelCardinalityPresenterParams)), nil
	case execplan.KindTopkCardPresenter:
		return applyTopkCardPresenter(res, params.(execplan.TopkCardPresenterParams)), nil
	case execplan.KindBinaryJoin, execplan.KindSetOperator:
		// These only make sense as the combinator of a two-child node
		// (execBinaryJoin/execSetOperator); a plan that attaches them as a
		// post-transform on an already-singular stream is malformed.
		return nil, qerrors.Newf(qerrors.TypeInternal, "%s must be a node's combinator, not a transformer on a single input", t.Kind())
	default:
		return nil, qerrors.Newf(qerrors.TypeInternal, "unknown transformer kind %s", t.Kind())
	}
}

func applyPeriodicSamples(res *Result, p execplan.PeriodicSamplesParams) (*Result, error) {
	out := make([]SeriesEntry, 0, len(res.Series))
	for _, s := range res.Series {
		samples, err := resampleSeries(s.Samples, p)
		if err != nil {
			return nil, err
		}
		out = append(out, SeriesEntry{Key: s.Key, Samples: samples})
	}
	return &Result{Series: out}, nil
}

// resampleSeries evaluates the selector/function at each grid point in
// [StartMs, EndMs] spaced StepMs apart, per spec.md §4.2 and §8's subquery
// and offset examples: the lookback window at grid point t is
// (t-OffsetMs-WindowMs, t-OffsetMs], and a window with no samples produces
// no output point (not a zero or a NaN), matching PromQL's "no data" gap.
func resampleSeries(samples []rangevector.Sample, p execplan.PeriodicSamplesParams) ([]rangevector.Sample, error) {
	step := p.StepMs
	if step <= 0 {
		step = 1
	}
	var out []rangevector.Sample
	for t := p.StartMs; t <= p.EndMs; t += step {
		shifted := t - p.OffsetMs
		window := windowSamples(samples, shifted-p.WindowMs, shifted)
		if len(window) == 0 {
			continue
		}
		v, ok, err := evalWindow(p.FunctionName, window, float64(p.WindowMs)/1000, p.FunctionArgs)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, rangevector.Sample{TimestampMs: t, Value: v})
	}
	return out, nil
}

func windowSamples(samples []rangevector.Sample, startExclusive, endInclusive int64) []rangevector.Sample {
	lo := sort.Search(len(samples), func(i int) bool { return samples[i].TimestampMs > startExclusive })
	hi := sort.Search(len(samples), func(i int) bool { return samples[i].TimestampMs > endInclusive })
	if lo >= hi {
		return nil
	}
	return samples[lo:hi]
}

func evalWindow(fn string, window []rangevector.Sample, windowSeconds float64, args []float64) (float64, bool, error) {
	switch fn {
	case "", "last_over_time":
		return window[len(window)-1].Value, true, nil
	case "rate", "increase":
		if len(window) < 2 {
			return 0, false, nil
		}
		delta := window[len(window)-1].Value - window[0].Value
		if delta < 0 {
			// counter reset: PromQL's rate() corrects for resets by adding
			// back each drop; approximate here by summing positive deltas.
			delta = 0
			for i := 1; i < len(window); i++ {
				d := window[i].Value - window[i-1].Value
				if d > 0 {
					delta += d
				}
			}
		}
		if fn == "increase" {
			return delta, true, nil
		}
		if windowSeconds <= 0 {
			return 0, false, nil
		}
		return delta / windowSeconds, true, nil
	case "delta":
		if len(window) < 2 {
			return 0, false, nil
		}
		return window[len(window)-1].Value - window[0].Value, true, nil
	case "avg_over_time":
		return sumOf(valuesOf(window)) / float64(len(window)), true, nil
	case "sum_over_time":
		return sumOf(valuesOf(window)), true, nil
	case "min_over_time":
		return foldValues("min", valuesOf(window)), true, nil
	case "max_over_time":
		return foldValues("max", valuesOf(window)), true, nil
	case "count_over_time":
		return float64(len(window)), true, nil
	case "stddev_over_time":
		return foldValues("stddev", valuesOf(window)), true, nil
	case "stdvar_over_time":
		return foldValues("stdvar", valuesOf(window)), true, nil
	case "quantile_over_time":
		if len(args) < 1 {
			return 0, false, qerrors.New(qerrors.TypeBadQuery, "quantile_over_time requires a phi argument")
		}
		return quantileOf(args[0], valuesOf(window)), true, nil
	case "deriv":
		slope, _ := linearRegression(window, window[0].TimestampMs)
		return slope, true, nil
	case "predict_linear":
		if len(args) < 1 {
			return 0, false, qerrors.New(qerrors.TypeBadQuery, "predict_linear requires a duration argument")
		}
		last := window[len(window)-1].TimestampMs
		slope, intercept := linearRegression(window, last)
		return slope*args[0] + intercept, true, nil
	case "holt_winters":
		if len(args) < 2 {
			return 0, false, qerrors.New(qerrors.TypeBadQuery, "holt_winters requires sf and tf arguments")
		}
		v, ok := holtWinters(window, args[0], args[1])
		return v, ok, nil
	case "resets":
		count := 0
		for i := 1; i < len(window); i++ {
			if window[i].Value < window[i-1].Value {
				count++
			}
		}
		return float64(count), true, nil
	case "changes":
		count := 0
		for i := 1; i < len(window); i++ {
			if window[i].Value != window[i-1].Value {
				count++
			}
		}
		return float64(count), true, nil
	default:
		return 0, false, qerrors.Newf(qerrors.TypeBadQuery, "unsupported range-vector function %q", fn)
	}
}

// linearRegression fits samples (timestamp-in-seconds-relative-to-interceptMs,
// value) to a line by least squares, as Prometheus's deriv/predict_linear do,
// and returns its slope and the value it predicts at interceptMs.
func linearRegression(samples []rangevector.Sample, interceptMs int64) (slope, intercept float64) {
	var n, sumX, sumY, sumXY, sumX2 float64
	for _, s := range samples {
		x := float64(s.TimestampMs-interceptMs) / 1000
		n++
		sumY += s.Value
		sumX += x
		sumXY += x * s.Value
		sumX2 += x * x
	}
	if n < 2 {
		return 0, 0
	}
	covXY := sumXY - sumX*sumY/n
	varX := sumX2 - sumX*sumX/n
	if varX == 0 {
		return 0, sumY / n
	}
	slope = covXY / varX
	intercept = sumY/n - slope*sumX/n
	return slope, intercept
}

// holtWinters implements Holt's linear (double exponential smoothing)
// method: sf is the data smoothing factor, tf the trend smoothing factor,
// per PromQL's holt_winters(range-vector, sf, tf) semantics.
func holtWinters(window []rangevector.Sample, sf, tf float64) (float64, bool) {
	if len(window) < 2 {
		return 0, false
	}
	s0 := window[0].Value
	s1 := window[0].Value
	b := window[1].Value - window[0].Value
	for i := 1; i < len(window); i++ {
		x := sf * window[i].Value
		trend := tf*(s1-s0) + (1-tf)*b
		b = trend
		s0 = s1
		s1 = x + (1-sf)*(s0+b)
	}
	return s1, true
}

func valuesOf(samples []rangevector.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func applyInstantFunction(res *Result, p execplan.InstantFunctionParams) (*Result, error) {
	switch p.FunctionName {
	case "histogram_bucket":
		return applyHistogramBucketFilter(res, p.ScalarArgs)
	case "histogram_quantile":
		if len(p.ScalarArgs) < 1 {
			return nil, qerrors.New(qerrors.TypeBadQuery, "histogram_quantile requires a phi argument")
		}
		return applyHistogramQuantile(res, p.ScalarArgs[0], false)
	case "histogram_max_quantile":
		if len(p.ScalarArgs) < 1 {
			return nil, qerrors.New(qerrors.TypeBadQuery, "histogram_max_quantile requires a phi argument")
		}
		return applyHistogramQuantile(res, p.ScalarArgs[0], true)
	}

	fn, err := instantFunc(p.FunctionName, p.ScalarArgs)
	if err != nil {
		return nil, err
	}
	out := make([]SeriesEntry, 0, len(res.Series))
	for _, s := range res.Series {
		samples := make([]rangevector.Sample, len(s.Samples))
		for i, smp := range s.Samples {
			samples[i] = rangevector.Sample{TimestampMs: smp.TimestampMs, Value: fn(smp.TimestampMs, smp.Value)}
		}
		out = append(out, SeriesEntry{Key: s.Key, Samples: samples})
	}
	return &Result{Series: out}, nil
}

// instantFunc returns the pointwise mapper for a PromQL instant function,
// given the sample's timestamp (milliseconds since epoch) and value. Most
// cases ignore the timestamp; the time-of-day functions (hour, minute, ...)
// ignore the value instead, since PromQL defines them in terms of the
// sample's timestamp, not its value.
func instantFunc(name string, args []float64) (func(int64, float64) float64, error) {
	arg := func(i int) float64 {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	ignoreTs := func(f func(float64) float64) func(int64, float64) float64 {
		return func(_ int64, v float64) float64 { return f(v) }
	}
	switch name {
	case "abs":
		return ignoreTs(math.Abs), nil
	case "ceil":
		return ignoreTs(math.Ceil), nil
	case "floor":
		return ignoreTs(math.Floor), nil
	case "round":
		return ignoreTs(math.Round), nil
	case "sqrt":
		return ignoreTs(math.Sqrt), nil
	case "exp":
		return ignoreTs(math.Exp), nil
	case "ln":
		return ignoreTs(math.Log), nil
	case "log2":
		return ignoreTs(math.Log2), nil
	case "log10":
		return ignoreTs(math.Log10), nil
	case "sgn":
		return ignoreTs(func(v float64) float64 {
			switch {
			case v > 0:
				return 1
			case v < 0:
				return -1
			default:
				return 0
			}
		}), nil
	case "clamp_min":
		return ignoreTs(func(v float64) float64 { return math.Max(v, arg(0)) }), nil
	case "clamp_max":
		return ignoreTs(func(v float64) float64 { return math.Min(v, arg(0)) }), nil
	case "clamp":
		return ignoreTs(func(v float64) float64 { return math.Min(math.Max(v, arg(0)), arg(1)) }), nil
	case "__negate":
		return ignoreTs(func(v float64) float64 { return -v }), nil
	case "hour":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Hour()) }, nil
	case "minute":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Minute()) }, nil
	case "day_of_week":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Weekday()) }, nil
	case "day_of_month":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Day()) }, nil
	case "day_of_year":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().YearDay()) }, nil
	case "month":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Month()) }, nil
	case "year":
		return func(ts int64, _ float64) float64 { return float64(time.UnixMilli(ts).UTC().Year()) }, nil
	case "days_in_month":
		return func(ts int64, _ float64) float64 {
			t := time.UnixMilli(ts).UTC()
			firstOfNextMonth := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			return float64(firstOfNextMonth.AddDate(0, 0, -1).Day())
		}, nil
	default:
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "unsupported instant function %q", name)
	}
}

// applyHistogramBucketFilter implements the InstantVectorFunctionMapper
// emitted by the histogram-bucket rewrite (spec.md §4.3): after
// compileSelector rewrites {_metric_="X_bucket", le="v"} to {_metric_="X"},
// every bucket series of X is scanned, and this keeps only the one whose
// own "le" label matches v, dropping that now-redundant label from its key.
func applyHistogramBucketFilter(res *Result, args []float64) (*Result, error) {
	if len(args) < 1 {
		return nil, qerrors.New(qerrors.TypeBadQuery, "histogram_bucket requires a le argument")
	}
	target := args[0]
	out := make([]SeriesEntry, 0, len(res.Series))
	for _, s := range res.Series {
		leStr, ok := s.Key["le"]
		if !ok {
			continue
		}
		le, err := strconv.ParseFloat(leStr, 64)
		if err != nil || le != target {
			continue
		}
		key := s.Key.Clone()
		delete(key, "le")
		out = append(out, SeriesEntry{Key: key, Samples: s.Samples})
	}
	return &Result{Series: out}, nil
}

// histogramBucketPoint is one (le, cumulative count) pair contributing to a
// histogram_quantile/histogram_max_quantile computation at one timestamp.
type histogramBucketPoint struct {
	le    float64
	count float64
}

// applyHistogramQuantile implements histogram_quantile and
// histogram_max_quantile: unlike every other instant function, these
// operate across series, not within one — all bucket series sharing the
// same label set (everything but "le") are grouped, and one output value
// per group per timestamp is computed by interpolating across their
// cumulative counts (the classic Prometheus bucket-quantile algorithm).
// histogram_max_quantile instead returns the upper bound of the bucket the
// rank falls into, without interpolating inside it — a coarser estimate
// useful when a caller wants a guaranteed upper bound rather than a
// best-effort value.
func applyHistogramQuantile(res *Result, q float64, useMax bool) (*Result, error) {
	type group struct {
		key  rangevector.SeriesKey
		byTs map[int64][]histogramBucketPoint
	}
	groups := make(map[string]*group)
	for _, s := range res.Series {
		leStr, ok := s.Key["le"]
		if !ok {
			continue
		}
		le, err := strconv.ParseFloat(leStr, 64)
		if err != nil {
			continue
		}
		retained := s.Key.Clone()
		delete(retained, "le")
		gk := (SeriesEntry{Key: retained}).sortKey()
		g, ok := groups[gk]
		if !ok {
			g = &group{key: retained, byTs: make(map[int64][]histogramBucketPoint)}
			groups[gk] = g
		}
		for _, smp := range s.Samples {
			g.byTs[smp.TimestampMs] = append(g.byTs[smp.TimestampMs], histogramBucketPoint{le: le, count: smp.Value})
		}
	}

	gks := make([]string, 0, len(groups))
	for gk := range groups {
		gks = append(gks, gk)
	}
	sort.Strings(gks)

	out := make([]SeriesEntry, 0, len(gks))
	for _, gk := range gks {
		g := groups[gk]
		tss := make([]int64, 0, len(g.byTs))
		for ts := range g.byTs {
			tss = append(tss, ts)
		}
		sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })

		samples := make([]rangevector.Sample, 0, len(tss))
		for _, ts := range tss {
			v, ok := bucketQuantile(q, g.byTs[ts], useMax)
			if !ok {
				continue
			}
			samples = append(samples, rangevector.Sample{TimestampMs: ts, Value: v})
		}
		if len(samples) == 0 {
			continue
		}
		out = append(out, SeriesEntry{Key: g.key, Samples: samples})
	}
	return &Result{Series: out}, nil
}

// bucketQuantile computes the q-quantile (or, if useMax, the upper bound of
// the bucket containing it) from a histogram's cumulative (le, count)
// buckets, following Prometheus's standard bucket-quantile algorithm: sort
// by le, require a +Inf bucket as the total, coalesce non-monotonic counts,
// then binary-search for the first bucket whose count reaches the target
// rank and linearly interpolate between it and the previous bucket.
func bucketQuantile(q float64, buckets []histogramBucketPoint, useMax bool) (float64, bool) {
	if q < 0 {
		return math.Inf(-1), true
	}
	if q > 1 {
		return math.Inf(1), true
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].le < buckets[j].le })
	if len(buckets) == 0 || !math.IsInf(buckets[len(buckets)-1].le, 1) {
		return 0, false
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].count < buckets[i-1].count {
			buckets[i].count = buckets[i-1].count
		}
	}
	total := buckets[len(buckets)-1].count
	if total == 0 {
		return 0, false
	}
	rank := q * total

	if useMax {
		for _, b := range buckets {
			if b.count >= rank {
				return b.le, true
			}
		}
		return buckets[len(buckets)-1].le, true
	}

	idx := sort.Search(len(buckets), func(i int) bool { return buckets[i].count >= rank })
	if idx == 0 {
		if math.IsInf(buckets[0].le, -1) {
			return math.Inf(-1), true
		}
		if buckets[0].count == 0 {
			return buckets[0].le, true
		}
		return buckets[0].le * (rank / buckets[0].count), true
	}
	if idx == len(buckets)-1 && math.IsInf(buckets[idx].le, 1) {
		return buckets[idx-1].le, true
	}
	lo, hi := buckets[idx-1], buckets[idx]
	if hi.count == lo.count {
		return hi.le, true
	}
	frac := (rank - lo.count) / (hi.count - lo.count)
	return lo.le + (hi.le-lo.le)*frac, true
}

func applyAggregateMapReduce(res *Result, p execplan.AggregateMapReduceParams) (*Result, error) {
	switch p.Op {
	case "topk", "bottomk":
		return aggregateTopkBottomk(res, p), nil
	case "quantile":
		return aggregateQuantile(res, p), nil
	case "count_values":
		if p.CountValuesLabel == "" {
			return nil, qerrors.New(qerrors.TypeBadQuery, "count_values requires a label name argument")
		}
		acc := newCountValuesAccumulator(p.CountValuesLabel)
		for _, s := range res.Series {
			acc.merge(s.Key, p.By, p.Without, s.Samples)
		}
		return &Result{Series: acc.finish()}, nil
	default:
		acc := newAccumulatorSet(p.Op)
		for _, s := range res.Series {
			acc.merge(s.Key, p.By, p.Without, s.Samples)
		}
		return &Result{Series: acc.finish()}, nil
	}
}

// applyAggregatePresenter finalizes a reduced/mapped aggregation. For the
// ops this package computes in a single AggregateMapReduce pass (see
// applyAggregateMapReduce) there is nothing left to do; it exists so every
// aggregation plan carries both halves symmetrically, matching spec.md
// §4.2's map/presenter pairing, and as the hook a future two-stage avg
// (sum-and-count partials combined, then divided here) would use.
func applyAggregatePresenter(res *Result, _ execplan.AggregatePresenterParams) (*Result, error) {
	return res, nil
}

func aggregateTopkBottomk(res *Result, p execplan.AggregateMapReduceParams) *Result {
	k := int(p.Parameter)
	if k <= 0 {
		return &Result{}
	}

	type groupTs struct {
		gk string
		ts int64
	}
	byTs := make(map[groupTs][]struct {
		key rangevector.SeriesKey
		v   float64
	})
	for _, s := range res.Series {
		gk, _ := groupingKey(s.Key, p.By, p.Without)
		for _, smp := range s.Samples {
			k := groupTs{gk, smp.TimestampMs}
			byTs[k] = append(byTs[k], struct {
				key rangevector.SeriesKey
				v   float64
			}{s.Key, smp.Value})
		}
	}

	kept := make(map[string]rangevector.SeriesKey)
	perSeriesSamples := make(map[string][]rangevector.Sample)
	for gts, entries := range byTs {
		ts := gts.ts
		sort.Slice(entries, func(i, j int) bool {
			if p.Op == "bottomk" {
				return entries[i].v < entries[j].v
			}
			return entries[i].v > entries[j].v
		})
		n := k
		if n > len(entries) {
			n = len(entries)
		}
		for _, e := range entries[:n] {
			sk := (SeriesEntry{Key: e.key}).sortKey()
			kept[sk] = e.key
			perSeriesSamples[sk] = append(perSeriesSamples[sk], rangevector.Sample{TimestampMs: ts, Value: e.v})
		}
	}

	out := make([]SeriesEntry, 0, len(kept))
	for sk, key := range kept {
		samples := perSeriesSamples[sk]
		sort.Slice(samples, func(i, j int) bool { return samples[i].TimestampMs < samples[j].TimestampMs })
		out = append(out, SeriesEntry{Key: key, Samples: samples})
	}
	return &Result{Series: out}
}

func aggregateQuantile(res *Result, p execplan.AggregateMapReduceParams) *Result {
	byTs := make(map[int64][]float64)
	for _, s := range res.Series {
		for _, smp := range s.Samples {
			byTs[smp.TimestampMs] = append(byTs[smp.TimestampMs], smp.Value)
		}
	}
	tss := make([]int64, 0, len(byTs))
	for ts := range byTs {
		tss = append(tss, ts)
	}
	sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })

	samples := make([]rangevector.Sample, len(tss))
	for i, ts := range tss {
		samples[i] = rangevector.Sample{TimestampMs: ts, Value: quantileOf(p.Parameter, byTs[ts])}
	}
	return &Result{Series: []SeriesEntry{{Key: rangevector.SeriesKey{}, Samples: samples}}}
}

func applyAbsent(res *Result, p execplan.AbsentFunctionParams) *Result {
	hasData := len(res.Series) > 0
	if p.OverTime {
		hasData = false
		for _, s := range res.Series {
			if len(s.Samples) > 0 {
				hasData = true
				break
			}
		}
	}
	if hasData {
		return &Result{}
	}
	key := rangevector.SeriesKey{}
	for k, v := range p.SyntheticTags {
		key[k] = v
	}
	return &Result{Series: []SeriesEntry{{Key: key, Samples: []rangevector.Sample{{Value: 1}}}}}
}

func applyStitchTransformer(res *Result) (*Result, error) {
	byKey := make(map[string][]rangevector.Cursor)
	order := make(map[string]rangevector.SeriesKey)
	for _, s := range res.Series {
		sk := s.sortKey()
		order[sk] = s.Key
		byKey[sk] = append(byKey[sk], rangevector.NewSliceCursor(s.Samples))
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]SeriesEntry, 0, len(keys))
	for _, sk := range keys {
		merged := rangevector.Stitch(byKey[sk]...)
		samples, err := rangevector.Drain(context.Background(), merged)
		if err != nil {
			return nil, err
		}
		out = append(out, SeriesEntry{Key: order[sk], Samples: samples})
	}
	return &Result{Series: out}, nil
}

func applyLabelCardinalityPresenter(res *Result, p execplan.LabelCardinalityPresenterParams) *Result {
	if len(p.ShardKeyColumns) == 0 {
		return res
	}
	filtered := make(map[string]int, len(p.ShardKeyColumns))
	for _, name := range p.ShardKeyColumns {
		if v, ok := res.Cardinality[name]; ok {
			filtered[name] = v
		}
	}
	return &Result{Cardinality: filtered}
}

func applyTopkCardPresenter(res *Result, p execplan.TopkCardPresenterParams) *Result {
	if p.K <= 0 || len(res.TopkCard) <= p.K {
		return res
	}
	return &Result{TopkCard: res.TopkCard[:p.K]}
}
