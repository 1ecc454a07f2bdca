// SPDX-License-Identifier: AGPL-3.0-only

package chunkstore

import (
	"context"
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/shard"
)

func testDataset() dataset.Dataset {
	return dataset.Dataset{
		Ref: dataset.Ref{Dataset: "prometheus"},
		PartitionColumns: []dataset.ColumnInfo{
			{Name: "_ws_", Type: dataset.StringColumn},
			{Name: "_ns_", Type: dataset.StringColumn},
			{Name: "_metric_", Type: dataset.StringColumn},
			{Name: "job", Type: dataset.StringColumn},
			{Name: "instance", Type: dataset.StringColumn},
			{Name: "unicode_tag", Type: dataset.StringColumn},
		},
	}
}

func setupStore(t *testing.T, cfg StoreConfig) (*TimeSeriesMemStore, dataset.Ref) {
	s := NewTimeSeriesMemStore(nil, nil)
	ref := dataset.Ref{Dataset: "prometheus"}
	require.NoError(t, s.Setup(ref, testDataset(), nil, 0, cfg))
	return s, ref
}

func mustMatcher(t *testing.T, name, value string) *labels.Matcher {
	m, err := labels.NewMatcher(labels.MatchEqual, name, value)
	require.NoError(t, err)
	return m
}

// TestScanAndLabelValues mirrors spec.md §8 scenario 3: ingest two series
// at 10s spacing, then query LabelValuesExec.
func TestScanAndLabelValues(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{MaxChunkSize: 10_000, ChunkDuration: 0})

	var rows []IngestRow
	for i := 0; i < 1000; i++ {
		rows = append(rows, IngestRow{
			SchemaName: "promCounter",
			LabelValues: map[string]string{
				"_ws_": "demo", "_ns_": "App-0", "_metric_": "http_req_total",
				"job": "myCoolService", "instance": "h1", "unicode_tag": "uniπtag",
			},
			TimestampMs: int64(i * 10_000),
			Value:       float64(i),
		})
		rows = append(rows, IngestRow{
			SchemaName: "promCounter",
			LabelValues: map[string]string{
				"_ws_": "demo", "_ns_": "App-0", "_metric_": "http_foo_total",
				"job": "myCoolService", "instance": "h1",
			},
			TimestampMs: int64(i * 10_000),
			Value:       float64(i),
		})
	}

	require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: rows}))

	filters := []*labels.Matcher{
		mustMatcher(t, "_metric_", "http_req_total"),
		mustMatcher(t, "job", "myCoolService"),
	}
	out, err := store.LabelValues(ref, 0, filters, []string{"job", "unicode_tag"}, 0, 10_000_000)
	require.NoError(t, err)

	got := map[string]string{}
	for _, row := range out {
		for k, v := range row {
			got[k] = v
		}
	}
	assert.Equal(t, "myCoolService", got["job"])
	assert.Equal(t, "uniπtag", got["unicode_tag"])

	partitions, err := store.ScanPartitions(context.Background(), ref, 0, filters, ChunkScanMethod{StartMs: 0, EndMs: 10_000_000})
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	samples := partitions[0].ScanRange(0, 10_000_000)
	assert.Len(t, samples, 1000)
}

// TestTopkCardinalityCacheInvalidatedByIngest guards the LRU memoization
// wired into TopkCardinality/LabelCardinality: a result cached before a new
// series lands must not be served stale once the shard's version changes.
func TestTopkCardinalityCacheInvalidatedByIngest(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{MaxChunkSize: 100, ChunkDuration: 0})

	require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: []IngestRow{{
		SchemaName:  "promCounter",
		LabelValues: map[string]string{"_ws_": "demo", "_ns_": "App-0", "_metric_": "http_req_total", "job": "a", "instance": "h1"},
		TimestampMs: 0, Value: 1,
	}}}))

	top, err := store.TopkCardinality(ref, 0, map[string]string{"_ws_": "demo", "_ns_": "App-0"}, 10, false)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Count)

	require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: []IngestRow{{
		SchemaName:  "promCounter",
		LabelValues: map[string]string{"_ws_": "demo", "_ns_": "App-0", "_metric_": "http_req_total", "job": "b", "instance": "h2"},
		TimestampMs: 0, Value: 1,
	}}}))

	top, err = store.TopkCardinality(ref, 0, map[string]string{"_ws_": "demo", "_ns_": "App-0"}, 10, false)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].Count)
}

func TestIngestDropsLateSamples(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{MaxChunkSize: 1000, ChunkDuration: 0})

	rows := []IngestRow{
		{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": "foo"}, TimestampMs: 100, Value: 1},
		{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": "foo"}, TimestampMs: 50, Value: 2}, // late
		{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": "foo"}, TimestampMs: 200, Value: 3},
	}
	require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: rows}))

	filters := []*labels.Matcher{mustMatcher(t, "_metric_", "foo")}
	partitions, err := store.ScanPartitions(context.Background(), ref, 0, filters, ChunkScanMethod{StartMs: 0, EndMs: 1000})
	require.NoError(t, err)
	require.Len(t, partitions, 1)

	samples := partitions[0].ScanRange(0, 1000)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(100), samples[0].TimestampMs)
	assert.Equal(t, int64(200), samples[1].TimestampMs)
}

func TestScanPrunesBeforeRetention(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{
		MaxChunkSize:  1, // seal after every sample so old chunks become evictable
		ChunkDuration: 0,
		EarliestRetainedTimestampFn: func(int64) int64 { return 500 },
	})

	rows := []IngestRow{
		{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": "foo"}, TimestampMs: 100, Value: 1},
		{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": "foo"}, TimestampMs: 600, Value: 2},
	}
	require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: rows}))

	filters := []*labels.Matcher{mustMatcher(t, "_metric_", "foo")}
	partitions, err := store.ScanPartitions(context.Background(), ref, 0, filters, ChunkScanMethod{StartMs: 0, EndMs: 1000})
	require.NoError(t, err)
	require.Len(t, partitions, 1)

	samples := partitions[0].ScanRange(0, 1000)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(600), samples[0].TimestampMs)
}

func TestSetupIdempotentAndConflict(t *testing.T) {
	store := NewTimeSeriesMemStore(nil, nil)
	ref := dataset.Ref{Dataset: "prometheus"}
	cfg := StoreConfig{MaxChunkSize: 100}

	require.NoError(t, store.Setup(ref, testDataset(), nil, 0, cfg))
	err := store.Setup(ref, testDataset(), nil, 0, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, qerrors.ErrShardAlreadySetup)
}

func TestEvictionByLRU(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{MaxChunkSize: 1000, MaxPartitions: 2})

	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, store.Ingest(ref, 0, IngestBatch{Rows: []IngestRow{
			{SchemaName: "promCounter", LabelValues: map[string]string{"_metric_": name}, TimestampMs: int64(i + 1), Value: 1},
		}}))
	}

	names, err := store.LabelValues(ref, 0, nil, []string{"_metric_"}, 0, 100)
	require.NoError(t, err)
	assert.Len(t, names, 2) // "a" evicted as least-recently ingested
}

func TestShardNotAvailable(t *testing.T) {
	store, ref := setupStore(t, StoreConfig{MaxChunkSize: 100})
	_, err := store.ScanPartitions(context.Background(), ref, shard.ID(99), nil, ChunkScanMethod{EndMs: 1})
	require.Error(t, err)
}
