// SPDX-License-Identifier: AGPL-3.0-only

// Package chunkstore implements the in-memory, shard-local time series
// store (TimeSeriesMemStore) described in spec.md §4.1: per-shard setup,
// ingest, time-bounded scan, and label index lookups, backed by
// append-only, TTL-bounded chunks.
package chunkstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/rangevector"
	"github.com/skydb/tsdbquery/pkg/shard"
)

// cardinalityCacheSize bounds the number of distinct (filters, window) query
// shapes memoized per cardinality call, mirroring storegateway/indexcache's
// bounded in-memory cache rather than letting either cache grow unbounded
// under a high-cardinality matcher fuzz.
const cardinalityCacheSize = 1024

// IngestRow is one sample targeted at a specific series within an ingest
// batch.
type IngestRow struct {
	SchemaName  string
	LabelValues map[string]string // decoded partition-key column values, metric column already canonicalized
	TimestampMs int64
	Value       float64
}

// IngestBatch is a container of samples submitted to one (dataset, shard)
// in a single Ingest call, per spec.md §4.1.
type IngestBatch struct {
	Rows []IngestRow
}

// ChunkScanMethod gates MultiSchemaPartitionsExec-style scans to a time
// window, per spec.md §4.1/§4.2.
type ChunkScanMethod struct {
	StartMs int64
	EndMs   int64
}

type shardState struct {
	mu         sync.RWMutex
	partitions map[string]*Partition // keyed by PartKey.String()
	index      *labelIndex
	version    uint64 // bumped on every Ingest; invalidates cardinality cache entries
}

func newShardState() *shardState {
	return &shardState{
		partitions: make(map[string]*Partition),
		index:      newLabelIndex(),
	}
}

type datasetState struct {
	ds      dataset.Dataset
	schemas map[string]dataset.Schema
	cfg     StoreConfig

	mu     sync.RWMutex
	shards map[shard.ID]*shardState
}

type storeMetrics struct {
	ingestedTotal  prometheus.Counter
	ingestErrors   prometheus.Counter
	droppedLate    prometheus.Counter
	evictedTotal   prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		ingestedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_chunkstore_ingested_samples_total",
			Help: "Total number of samples successfully appended to the in-memory store.",
		}),
		ingestErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_chunkstore_ingest_errors_total",
			Help: "Total number of samples that failed to ingest.",
		}),
		droppedLate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_chunkstore_dropped_late_samples_total",
			Help: "Total number of samples dropped because they arrived older than the write chunk's last timestamp.",
		}),
		evictedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tsdbquery_chunkstore_evicted_partitions_total",
			Help: "Total number of partitions evicted by the eviction policy.",
		}),
	}
}

// TimeSeriesMemStore is the shard-local, in-memory time series store of
// spec.md §4.1.
type TimeSeriesMemStore struct {
	logger log.Logger
	nowFn  func() int64

	mu       sync.RWMutex
	datasets map[dataset.Ref]*datasetState

	metrics *storeMetrics

	// labelCardCache and topkCardCache memoize LabelCardinality and
	// TopkCardinality, per spec.md §4.1's note that both scan the whole
	// label index; entries are invalidated implicitly by keying on the
	// owning shard's version, which Ingest bumps.
	labelCardCache *lru.Cache[string, map[string]int]
	topkCardCache  *lru.Cache[string, []NameCount]
}

// NewTimeSeriesMemStore constructs an empty store. reg may be nil, in
// which case metrics are registered to a private registry and discarded.
func NewTimeSeriesMemStore(logger log.Logger, reg prometheus.Registerer) *TimeSeriesMemStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labelCardCache, _ := lru.New[string, map[string]int](cardinalityCacheSize)
	topkCardCache, _ := lru.New[string, []NameCount](cardinalityCacheSize)
	return &TimeSeriesMemStore{
		logger:         logger,
		nowFn:          func() int64 { return time.Now().UnixMilli() },
		datasets:       make(map[dataset.Ref]*datasetState),
		metrics:        newStoreMetrics(reg),
		labelCardCache: labelCardCache,
		topkCardCache:  topkCardCache,
	}
}

// Setup registers shard for ref with the given schemas and config. Each
// (ref, shard) pair is set up at most once: calling it again for a shard
// that is already set up fails with qerrors.ErrShardAlreadySetup, whatever
// config the second call passes.
func (s *TimeSeriesMemStore) Setup(ref dataset.Ref, ds dataset.Dataset, schemas []dataset.Schema, shardID shard.ID, cfg StoreConfig) error {
	s.mu.Lock()
	ds2, ok := s.datasets[ref]
	if !ok {
		ds2 = &datasetState{
			ds:      ds,
			schemas: make(map[string]dataset.Schema, len(schemas)),
			cfg:     cfg,
			shards:  make(map[shard.ID]*shardState),
		}
		for _, sc := range schemas {
			ds2.schemas[sc.Name] = sc
		}
		s.datasets[ref] = ds2
	}
	s.mu.Unlock()

	ds2.mu.Lock()
	defer ds2.mu.Unlock()
	if _, exists := ds2.shards[shardID]; exists {
		return qerrors.ErrShardAlreadySetup
	}
	ds2.shards[shardID] = newShardState()
	level.Info(s.logger).Log("msg", "shard set up", "dataset", ref, "shard", shardID)
	return nil
}

func (s *TimeSeriesMemStore) lookupShard(ref dataset.Ref, shardID shard.ID) (*datasetState, *shardState, error) {
	s.mu.RLock()
	ds, ok := s.datasets[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, qerrors.Newf(qerrors.TypeInternal, "dataset %s not set up", ref)
	}

	ds.mu.RLock()
	sh, ok := ds.shards[shardID]
	ds.mu.RUnlock()
	if !ok {
		return nil, nil, qerrors.Wrap(qerrors.TypeShardNotAvailable, errors.Errorf("shard %d not set up for dataset %s", shardID, ref), "shard not available")
	}
	return ds, sh, nil
}

// Ingest appends batch's samples to shardID's partitions, creating new
// partitions transparently on first ingest for their PartKey, per
// spec.md §3's Lifecycle. Per-sample errors are counted and skipped; they
// do not fail the call.
func (s *TimeSeriesMemStore) Ingest(ref dataset.Ref, shardID shard.ID, batch IngestBatch) error {
	ds, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return err
	}

	now := s.nowFn()
	for _, row := range batch.Rows {
		if err := s.ingestOne(ds, sh, row, now); err != nil {
			s.metrics.ingestErrors.Inc()
			level.Warn(s.logger).Log("msg", "dropping sample", "err", err)
			continue
		}
	}
	s.maybeEvict(ds, sh)

	sh.mu.Lock()
	sh.version++
	sh.mu.Unlock()
	return nil
}

func (s *TimeSeriesMemStore) ingestOne(ds *datasetState, sh *shardState, row IngestRow, nowMs int64) error {
	cols := ds.ds.PartitionColumnNames()
	pk := dataset.NewPartKey(row.SchemaName, cols, row.LabelValues)
	key := pk.String()

	sh.mu.Lock()
	p, ok := sh.partitions[key]
	if !ok {
		p = newPartition(pk, row.LabelValues, ds.cfg.MaxChunkSize, ds.cfg.chunkDurationMs())
		sh.partitions[key] = p
	}
	sh.mu.Unlock()

	result := p.appendSample(rangevector.Sample{TimestampMs: row.TimestampMs, Value: row.Value}, nowMs)
	if result == droppedLate {
		s.metrics.droppedLate.Inc()
		return errors.Errorf("sample at %d older than write chunk tail for series %v", row.TimestampMs, row.LabelValues)
	}

	s.metrics.ingestedTotal.Inc()
	sh.index.add(key, row.LabelValues)
	minMs, maxMs := p.TimeRange()
	sh.index.updateTimeRange(key, minMs, maxMs)
	return nil
}

func (s *TimeSeriesMemStore) maybeEvict(ds *datasetState, sh *shardState) {
	sh.mu.RLock()
	keys := make([]string, 0, len(sh.partitions))
	for k := range sh.partitions {
		keys = append(keys, k)
	}
	sh.mu.RUnlock()

	policy := FixedMaxPartitionsEvictionPolicy{MaxPartitions: ds.cfg.MaxPartitions}
	victims := policy.SelectForEviction(keys, func(k string) int64 {
		sh.mu.RLock()
		p := sh.partitions[k]
		sh.mu.RUnlock()
		if p == nil {
			return 0
		}
		return p.LastIngestMs()
	})

	if len(victims) == 0 {
		return
	}

	sh.mu.Lock()
	for _, k := range victims {
		if p, ok := sh.partitions[k]; ok {
			level.Debug(s.logger).Log("msg", "evicting partition", "fingerprint", p.PartKey.Fingerprint())
		}
		delete(sh.partitions, k)
	}
	sh.mu.Unlock()

	for _, k := range victims {
		sh.index.remove(k)
	}
	s.metrics.evictedTotal.Add(float64(len(victims)))
}

// RefreshIndex flushes any buffered index updates for ref. This store
// updates the index synchronously on every Ingest, so RefreshIndex is a
// no-op; it exists so callers (tests, bulk-load tools) need not special-case
// stores that do buffer updates, per spec.md §4.1.
func (s *TimeSeriesMemStore) RefreshIndex(_ dataset.Ref) error { return nil }

// ScanPartitions returns the partitions in shardID whose PartKey matches
// filters and whose retained range intersects chunkMethod's window, per
// spec.md §4.1. Retention clipping (dropping chunks entirely before the
// tier's earliestRetainedTimestamp) is applied before matching.
func (s *TimeSeriesMemStore) ScanPartitions(ctx context.Context, ref dataset.Ref, shardID shard.ID, filters []*labels.Matcher, method ChunkScanMethod) ([]*Partition, error) {
	ds, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return nil, err
	}

	earliest := ds.cfg.earliestRetained(s.nowFn())
	sh.mu.RLock()
	all := make([]*Partition, 0, len(sh.partitions))
	for _, p := range sh.partitions {
		all = append(all, p)
	}
	sh.mu.RUnlock()
	for _, p := range all {
		p.EvictBefore(earliest)
	}

	keys := sh.index.MatchPartKeys(filters, method.StartMs, method.EndMs)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*Partition, 0, len(keys))
	for _, k := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := sh.partitions[k]
		if p == nil || p.Empty() {
			continue
		}
		minMs, maxMs := p.TimeRange()
		if minMs > method.EndMs || maxMs < method.StartMs {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LabelValueRow is one row returned by a label-values metadata scan: the
// requested label names mapped to the value seen for one matching series.
type LabelValueRow map[string]string

// LabelValues returns one row per distinct combination of labelNames'
// values across series matching filters within [startMs, endMs], per
// spec.md §4.1 and the metadata endpoints of §6.
func (s *TimeSeriesMemStore) LabelValues(ref dataset.Ref, shardID shard.ID, filters []*labels.Matcher, labelNames []string, startMs, endMs int64) ([]LabelValueRow, error) {
	_, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return nil, err
	}

	byName := sh.index.LabelValues(filters, labelNames, startMs, endMs)

	// This store reports one row per distinct value per label name rather
	// than the full cross-product, matching spec.md §8's scenario 3 (a
	// single-row result naming the value seen for each requested label).
	seen := make(map[string]struct{})
	var rows []LabelValueRow
	for _, name := range labelNames {
		for v := range byName[name] {
			sig := name + "=" + v
			if _, ok := seen[sig]; ok {
				continue
			}
			seen[sig] = struct{}{}
			rows = append(rows, LabelValueRow{name: v})
		}
	}
	return rows, nil
}

// LabelNames returns the set of label names present on series matching
// filters within [startMs, endMs].
func (s *TimeSeriesMemStore) LabelNames(ref dataset.Ref, shardID shard.ID, filters []*labels.Matcher, startMs, endMs int64) ([]string, error) {
	_, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return nil, err
	}
	set := sh.index.LabelNames(filters, startMs, endMs)
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out, nil
}

// TopkCardinality returns the k metric names under shardKeyPrefix with the
// most series, per spec.md §4.1. includeInactive is accepted for interface
// parity with spec.md §4.1 but this store has no "inactive" partition
// concept distinct from evicted (removed) ones, so it is currently unused.
func (s *TimeSeriesMemStore) TopkCardinality(ref dataset.Ref, shardID shard.ID, shardKeyPrefix map[string]string, k int, _ bool) ([]NameCount, error) {
	ds, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return nil, err
	}

	sh.mu.RLock()
	key := fmt.Sprintf("%s/%d/v%d/%s/%d", ref, shardID, sh.version, shardKeyPrefixCacheKey(shardKeyPrefix), k)
	sh.mu.RUnlock()
	if cached, ok := s.topkCardCache.Get(key); ok {
		return cached, nil
	}

	top := sh.index.TopkCardinality(ds.ds.MetricColumn(), shardKeyPrefix, k)
	s.topkCardCache.Add(key, top)
	return top, nil
}

// LabelCardinality returns, for each label name on series matching filters
// within [startMs, endMs], the count of distinct values.
func (s *TimeSeriesMemStore) LabelCardinality(ref dataset.Ref, shardID shard.ID, filters []*labels.Matcher, startMs, endMs int64) (map[string]int, error) {
	_, sh, err := s.lookupShard(ref, shardID)
	if err != nil {
		return nil, err
	}

	sh.mu.RLock()
	key := fmt.Sprintf("%s/%d/v%d/%s/%d/%d", ref, shardID, sh.version, matchersCacheKey(filters), startMs, endMs)
	sh.mu.RUnlock()
	if cached, ok := s.labelCardCache.Get(key); ok {
		return cached, nil
	}

	card := sh.index.LabelCardinality(filters, startMs, endMs)
	s.labelCardCache.Add(key, card)
	return card, nil
}

func matchersCacheKey(matchers []*labels.Matcher) string {
	parts := make([]string, len(matchers))
	for i, m := range matchers {
		parts[i] = m.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func shardKeyPrefixCacheKey(prefix map[string]string) string {
	names := make([]string, 0, len(prefix))
	for n := range prefix {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + prefix[n]
	}
	return strings.Join(parts, ",")
}

// Shutdown releases all in-memory state for ref. Scans in flight are not
// forcibly cancelled; callers should drain them first.
func (s *TimeSeriesMemStore) Shutdown(ref dataset.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.datasets, ref)
}
