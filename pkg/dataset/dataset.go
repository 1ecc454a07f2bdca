// SPDX-License-Identifier: AGPL-3.0-only

// Package dataset defines the schema-level types shared by the chunk
// store, the planners and the execution operators: Dataset, Schema and
// PartKey, per spec.md §3.
package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/common/model"
)

// MetricColumnDefault is the internal column name __name__ is canonicalized
// to unless a Dataset's Options override it.
const MetricColumnDefault = "_metric_"

// InputMetricLabel is the PromQL-surface label name for the metric, always
// rewritten to Options.MetricColumn before reaching the store.
const InputMetricLabel = "__name__"

// DefaultShardKeyColumns is the default set of columns hashed to compute a
// series' shard, per spec.md §6.
var DefaultShardKeyColumns = []string{"_ws_", "_ns_", MetricColumnDefault}

// ColumnType enumerates the value types a data column may hold.
type ColumnType int

const (
	TimestampColumn ColumnType = iota
	DoubleColumn
	HistogramColumn
	StringColumn
	MapColumn
)

func (t ColumnType) String() string {
	switch t {
	case TimestampColumn:
		return "timestamp"
	case DoubleColumn:
		return "double"
	case HistogramColumn:
		return "histogram"
	case StringColumn:
		return "string"
	case MapColumn:
		return "map"
	default:
		return "unknown"
	}
}

// ColumnInfo names and types one column of a Dataset or Schema.
type ColumnInfo struct {
	Name string
	Type ColumnType
}

// Options holds the per-Dataset configuration named in spec.md §3.
type Options struct {
	// MetricColumn is the column treated as the metric name. Defaults to
	// MetricColumnDefault when empty.
	MetricColumn string
	// ShardKeyColumns enumerates the columns participating in shard-key
	// hashing. Defaults to DefaultShardKeyColumns when empty.
	ShardKeyColumns []string
}

func (o Options) metricColumn() string {
	if o.MetricColumn == "" {
		return MetricColumnDefault
	}
	return o.MetricColumn
}

func (o Options) shardKeyColumns() []string {
	if len(o.ShardKeyColumns) == 0 {
		return DefaultShardKeyColumns
	}
	return o.ShardKeyColumns
}

// Ref identifies a Dataset by name; it is the key used by the store, the
// shard mapper and the planners to look up configuration.
type Ref struct {
	Dataset string
}

func (r Ref) String() string { return r.Dataset }

// Dataset is a named schema: partition-key columns, data columns, and the
// Options governing shard-key hashing and metric-column naming.
type Dataset struct {
	Ref              Ref
	PartitionColumns []ColumnInfo
	DataColumns      []ColumnInfo
	Options          Options
}

// MetricColumn returns the effective metric column name for this dataset.
func (d Dataset) MetricColumn() string { return d.Options.metricColumn() }

// ShardKeyColumns returns the effective shard-key columns for this dataset.
func (d Dataset) ShardKeyColumns() []string { return d.Options.shardKeyColumns() }

// PartitionColumnNames returns the names of d's partition-key columns, in
// declaration order (NewPartKey sorts them before encoding).
func (d Dataset) PartitionColumnNames() []string {
	out := make([]string, len(d.PartitionColumns))
	for i, c := range d.PartitionColumns {
		out[i] = c.Name
	}
	return out
}

// Schema fixes the row layout of samples for one data representation of a
// Dataset (e.g. promCounter, gauge, promHistogram); spec.md §3.
type Schema struct {
	Name        string
	DataColumns []ColumnInfo
}

// PartKey is the canonicalized, byte-encoded tuple of partition-key column
// values for one series, per spec.md §3. It is opaque outside this
// package except for Hash and Decode.
type PartKey struct {
	SchemaName string
	raw        []byte
}

// NewPartKey canonically encodes values (keyed by partition-column name) for
// the columns in cols, sorted by name so the order of cols does not matter,
// producing a PartKey tagged with schemaName for later decoding.
func NewPartKey(schemaName string, cols []string, values map[string]string) PartKey {
	sorted := make([]string, len(cols))
	copy(sorted, cols)
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, c := range sorted {
		v := values[c]
		writeLenPrefixed(&buf, c)
		writeLenPrefixed(&buf, v)
	}

	return PartKey{SchemaName: schemaName, raw: buf.Bytes()}
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// Bytes returns the opaque encoded form, suitable for use as a map key via
// string conversion.
func (k PartKey) Bytes() []byte { return k.raw }

// String returns the opaque encoded form as a string, safe to use as a map
// key without an allocation-visible copy at call sites that only read it.
func (k PartKey) String() string { return string(k.raw) }

// Hash returns a stable 64-bit hash of the PartKey's encoded bytes; it
// backs Fingerprint.
func (k PartKey) Hash() uint64 { return xxhash.Sum64(k.raw) }

// Fingerprint returns Hash typed as prometheus/common/model's series
// identity hash, for callers (eviction/debug logging) that want the same
// typed fingerprint Prometheus-family components use to name a label set.
func (k PartKey) Fingerprint() model.Fingerprint { return model.Fingerprint(k.Hash()) }

// Decode splits the PartKey back into column/value pairs. It is the
// inverse of NewPartKey: the column names are read from the encoding.
func (k PartKey) Decode() (map[string]string, error) {
	out := make(map[string]string)
	b := k.raw
	for len(b) > 0 {
		col, rest, err := readLenPrefixed(b)
		if err != nil {
			return nil, err
		}
		val, rest2, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		out[col] = val
		b = rest2
	}
	return out, nil
}

func readLenPrefixed(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("dataset: truncated PartKey, want 4-byte length prefix, got %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("dataset: truncated PartKey, want %d bytes, got %d", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}

// CanonicalizeMetricLabel rewrites __name__ to the dataset's configured
// metric column name in a label map, per spec.md §4.3's label rewriting
// rule. It is a no-op if the map has no __name__ entry.
func CanonicalizeMetricLabel(d Dataset, labelValues map[string]string) map[string]string {
	v, ok := labelValues[InputMetricLabel]
	if !ok {
		return labelValues
	}
	out := make(map[string]string, len(labelValues))
	for k, val := range labelValues {
		if k == InputMetricLabel {
			continue
		}
		out[k] = val
	}
	out[d.MetricColumn()] = v
	return out
}
