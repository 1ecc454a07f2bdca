// SPDX-License-Identifier: AGPL-3.0-only

// Package operators implements the physical plan interpreter: executing an
// execplan.Node tree against a chunkstore.TimeSeriesMemStore and applying
// each node's attached RangeVectorTransformers, per spec.md §4.2.
package operators

import (
	"sort"
	"strings"

	"github.com/skydb/tsdbquery/pkg/chunkstore"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

// SeriesEntry is one materialized output series: its label key and its
// samples, already sorted by timestamp.
type SeriesEntry struct {
	Key     rangevector.SeriesKey
	Samples []rangevector.Sample
}

// sortKey returns a canonical string for Key, stable regardless of map
// iteration order, used to group same-identity series produced by
// different children (e.g. across a stitch or a dist-concat).
func (e SeriesEntry) sortKey() string {
	names := make([]string, 0, len(e.Key))
	for k := range e.Key {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(e.Key[n])
		b.WriteByte(',')
	}
	return b.String()
}

// Result is the output envelope produced by executing one execplan.Node:
// exactly one of its fields is populated, depending on the node's kind.
type Result struct {
	Series      []SeriesEntry
	LabelValues []chunkstore.LabelValueRow
	LabelNames  []string
	PartKeys    []map[string]string
	Cardinality map[string]int
	TopkCard    []chunkstore.NameCount
	Scalar      *float64
}

func emptyResult() *Result { return &Result{} }

func seriesByKey(series []SeriesEntry) map[string]*SeriesEntry {
	out := make(map[string]*SeriesEntry, len(series))
	for i := range series {
		out[series[i].sortKey()] = &series[i]
	}
	return out
}
