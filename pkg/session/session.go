// SPDX-License-Identifier: AGPL-3.0-only

// Package session carries the per-query parameters and live statistics
// threaded through planning and execution, per spec.md §6.
package session

import (
	"context"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// PlannerParams holds the per-query knobs a caller (an HTTP handler, a
// recording-rule evaluator) can override, per spec.md §6's "Per-query
// overrides" table.
type PlannerParams struct {
	// SpreadOverride, when >= 0, pins the shard spread for this query
	// instead of consulting the planner's shard.FunctionalSpreadProvider.
	SpreadOverride int
	// QueryTimeout bounds the whole query's wall-clock execution.
	QueryTimeout time.Duration
	// SampleLimit is the configured per-leaf raw-sample cap. It is carried
	// with the query's parameters only: no planner or operator in this
	// module reads it, so leaf scans are not capped and
	// qerrors.TypeSampleLimitExceeded is never raised.
	SampleLimit int
	// ProcessMultiPartition allows the multi-partition planner to issue
	// PromQlRemoteExec leaves for partitions this process doesn't own.
	ProcessMultiPartition bool
	// AllowPartialResults downgrades a ShardNotAvailable error on any one
	// shard to a partial, flagged response instead of failing the query.
	AllowPartialResults bool
}

// DefaultPlannerParams mirrors the defaults named in spec.md §6.
func DefaultPlannerParams() PlannerParams {
	return PlannerParams{
		SpreadOverride:        -1,
		QueryTimeout:          30 * time.Second,
		SampleLimit:           1_000_000,
		ProcessMultiPartition: false,
		AllowPartialResults:   false,
	}
}

// RegisterFlags binds PlannerParams' scalar fields as the server-wide
// defaults; per-query overrides still take precedence when set explicitly
// by a caller, matching the RegisterFlags idiom the rest of this module
// uses for config.
func (p *PlannerParams) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.IntVar(&p.SpreadOverride, prefix+".spread-override", -1, "Fixed shard spread to use for every query; -1 defers to the dataset's spread provider.")
	f.DurationVar(&p.QueryTimeout, prefix+".query-timeout", 30*time.Second, "Maximum wall-clock duration for a single query.")
	f.IntVar(&p.SampleLimit, prefix+".sample-limit", 1_000_000, "Per-leaf raw-sample cap carried with each query; not enforced by this module.")
	f.BoolVar(&p.ProcessMultiPartition, prefix+".process-multi-partition", false, "Allow the multi-partition planner to fan out to remote partitions.")
	f.BoolVar(&p.AllowPartialResults, prefix+".allow-partial-results", false, "Return a partial result instead of failing when a shard is unavailable.")
}

// QueryContext bundles PlannerParams with the query's own identity and
// deadline for one execution, per spec.md §6.
type QueryContext struct {
	QueryID string
	Params  PlannerParams
	Stats   *QueryStats
}

// NewQueryContext builds a QueryContext with a fresh QueryStats.
func NewQueryContext(queryID string, params PlannerParams, reg prometheus.Registerer) *QueryContext {
	return &QueryContext{QueryID: queryID, Params: params, Stats: NewQueryStats(reg)}
}

// WithDeadline derives a context.Context bounded by qc's QueryTimeout.
func (qc *QueryContext) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if qc.Params.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, qc.Params.QueryTimeout)
}

// QueryStats accumulates the live counters spec.md §6 names under "Query
// statistics": samples scanned, shards queried, and partial-result flags.
// Fields are atomic so concurrent leaf executions can update them without a
// shared lock.
type QueryStats struct {
	SamplesScanned atomic.Int64
	ShardsQueried  atomic.Int64
	PartialResult  atomic.Bool

	samplesScannedMetric prometheus.Counter
	shardsQueriedMetric  prometheus.Counter
}

// NewQueryStats constructs a QueryStats whose counters are also exported as
// Prometheus metrics on reg (which may be nil to skip registration).
func NewQueryStats(reg prometheus.Registerer) *QueryStats {
	return &QueryStats{
		samplesScannedMetric: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_query_samples_scanned_total",
			Help: "Total number of raw samples scanned across all queries.",
		}),
		shardsQueriedMetric: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_query_shards_queried_total",
			Help: "Total number of shard-local scans issued across all queries.",
		}),
	}
}

// AddSamplesScanned records n more samples read by a leaf, updating both
// the in-memory counter and the exported metric.
func (s *QueryStats) AddSamplesScanned(n int64) {
	s.SamplesScanned.Add(n)
	s.samplesScannedMetric.Add(float64(n))
}

// AddShardQueried records one more shard-local scan having been issued.
func (s *QueryStats) AddShardQueried() {
	s.ShardsQueried.Add(1)
	s.shardsQueriedMetric.Inc()
}

// MarkPartial flags that this query's result is missing data from at least
// one unavailable shard.
func (s *QueryStats) MarkPartial() {
	s.PartialResult.Store(true)
}
