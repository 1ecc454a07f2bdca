// SPDX-License-Identifier: AGPL-3.0-only

package chunkstore

import (
	"sort"
	"sync"

	"github.com/prometheus/prometheus/model/labels"
)

// labelIndex is the per-shard inverted label index: for each label name, a
// mapping value -> set of PartKey handles, plus per-PartKey time ranges for
// pruning, per spec.md §3 and §4.1.
//
// Updates must become visible no later than the next scan request
// (spec.md §4.1); this implementation achieves that by applying each
// ingested row's index update synchronously, under the write lock, before
// Ingest returns, which is cheap because postings sets are small Go maps,
// not a secondary storage engine.
type labelIndex struct {
	mu sync.RWMutex

	// postings[labelName][labelValue] = set of PartKey.String()
	postings map[string]map[string]map[string]struct{}

	// timeRanges[partKey] = [minMs, maxMs], updated whenever that
	// partition's chunk set changes, used to prune candidates whose range
	// is disjoint from the query window before scanning chunks.
	timeRanges map[string][2]int64

	// labelValuesByPartKey caches the decoded label map for fast
	// labelNames/labelValues/labelCardinality aggregation without
	// re-decoding every PartKey on every metadata query.
	labelValuesByPartKey map[string]map[string]string
}

func newLabelIndex() *labelIndex {
	return &labelIndex{
		postings:             make(map[string]map[string]map[string]struct{}),
		timeRanges:           make(map[string][2]int64),
		labelValuesByPartKey: make(map[string]map[string]string),
	}
}

func (idx *labelIndex) add(partKey string, labelValues map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.labelValuesByPartKey[partKey] = labelValues
	for name, value := range labelValues {
		byValue, ok := idx.postings[name]
		if !ok {
			byValue = make(map[string]map[string]struct{})
			idx.postings[name] = byValue
		}
		set, ok := byValue[value]
		if !ok {
			set = make(map[string]struct{})
			byValue[value] = set
		}
		set[partKey] = struct{}{}
	}
}

func (idx *labelIndex) remove(partKey string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	labelValues := idx.labelValuesByPartKey[partKey]
	for name, value := range labelValues {
		if set := idx.postings[name][value]; set != nil {
			delete(set, partKey)
			if len(set) == 0 {
				delete(idx.postings[name], value)
			}
		}
	}
	delete(idx.labelValuesByPartKey, partKey)
	delete(idx.timeRanges, partKey)
}

func (idx *labelIndex) updateTimeRange(partKey string, minMs, maxMs int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.timeRanges[partKey] = [2]int64{minMs, maxMs}
}

// MatchPartKeys reduces matchers to the smallest posting-list intersection
// first (equality matchers), then scans the resulting candidate set for
// regex and NotEquals matchers, per spec.md §4.1's index lookup algorithm.
// Candidates whose time range is disjoint from [startMs, endMs] are pruned.
func (idx *labelIndex) MatchPartKeys(matchers []*labels.Matcher, startMs, endMs int64) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var equalityMatchers, scanMatchers []*labels.Matcher
	for _, m := range matchers {
		if m.Type == labels.MatchEqual {
			equalityMatchers = append(equalityMatchers, m)
		} else {
			scanMatchers = append(scanMatchers, m)
		}
	}

	var candidates map[string]struct{}
	if len(equalityMatchers) > 0 {
		candidates = idx.intersectEquality(equalityMatchers)
	} else {
		candidates = idx.allPartKeys()
	}

	var out []string
	for pk := range candidates {
		if !idx.matchesScan(pk, scanMatchers) {
			continue
		}
		if !idx.inTimeRange(pk, startMs, endMs) {
			continue
		}
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

func (idx *labelIndex) intersectEquality(matchers []*labels.Matcher) map[string]struct{} {
	var smallest map[string]struct{}
	for _, m := range matchers {
		set := idx.postings[m.Name][m.Value]
		if smallest == nil || len(set) < len(smallest) {
			smallest = set
		}
	}
	if smallest == nil {
		return map[string]struct{}{}
	}

	result := make(map[string]struct{}, len(smallest))
	for pk := range smallest {
		ok := true
		for _, m := range matchers {
			if idx.labelValuesByPartKey[pk][m.Name] != m.Value {
				ok = false
				break
			}
		}
		if ok {
			result[pk] = struct{}{}
		}
	}
	return result
}

func (idx *labelIndex) allPartKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(idx.labelValuesByPartKey))
	for pk := range idx.labelValuesByPartKey {
		out[pk] = struct{}{}
	}
	return out
}

func (idx *labelIndex) matchesScan(partKey string, matchers []*labels.Matcher) bool {
	lv := idx.labelValuesByPartKey[partKey]
	for _, m := range matchers {
		if !m.Matches(lv[m.Name]) {
			return false
		}
	}
	return true
}

func (idx *labelIndex) inTimeRange(partKey string, startMs, endMs int64) bool {
	tr, ok := idx.timeRanges[partKey]
	if !ok {
		return true // no chunks ingested yet under this key; don't prune newly-created partitions
	}
	return tr[0] <= endMs && tr[1] >= startMs
}

// LabelValues returns, for each requested label name, the distinct values
// seen across PartKeys matching matchers within [startMs, endMs].
func (idx *labelIndex) LabelValues(matchers []*labels.Matcher, labelNames []string, startMs, endMs int64) map[string]map[string]struct{} {
	partKeys := idx.MatchPartKeys(matchers, startMs, endMs)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]map[string]struct{}, len(labelNames))
	for _, name := range labelNames {
		out[name] = make(map[string]struct{})
	}
	for _, pk := range partKeys {
		lv := idx.labelValuesByPartKey[pk]
		for _, name := range labelNames {
			if v, ok := lv[name]; ok {
				out[name][v] = struct{}{}
			}
		}
	}
	return out
}

// LabelNames returns the set of label names present on any PartKey
// matching matchers within [startMs, endMs].
func (idx *labelIndex) LabelNames(matchers []*labels.Matcher, startMs, endMs int64) map[string]struct{} {
	partKeys := idx.MatchPartKeys(matchers, startMs, endMs)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]struct{})
	for _, pk := range partKeys {
		for name := range idx.labelValuesByPartKey[pk] {
			out[name] = struct{}{}
		}
	}
	return out
}

// LabelCardinality returns, for each label name present on PartKeys
// matching matchers within [startMs, endMs], the count of distinct values.
func (idx *labelIndex) LabelCardinality(matchers []*labels.Matcher, startMs, endMs int64) map[string]int {
	partKeys := idx.MatchPartKeys(matchers, startMs, endMs)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	distinct := make(map[string]map[string]struct{})
	for _, pk := range partKeys {
		for name, value := range idx.labelValuesByPartKey[pk] {
			if distinct[name] == nil {
				distinct[name] = make(map[string]struct{})
			}
			distinct[name][value] = struct{}{}
		}
	}

	out := make(map[string]int, len(distinct))
	for name, values := range distinct {
		out[name] = len(values)
	}
	return out
}

// NameCount is one row of a TopkCardinality result.
type NameCount struct {
	Name  string
	Count int
}

// TopkCardinality returns the k metric names with the most series under
// shardKeyPrefix (a partial shard-key match, e.g. {_ws_, _ns_}), ordered by
// descending count, per spec.md §4.1.
func (idx *labelIndex) TopkCardinality(metricColumn string, shardKeyPrefix map[string]string, k int) []NameCount {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[string]int)
	for _, lv := range idx.labelValuesByPartKey {
		matches := true
		for col, val := range shardKeyPrefix {
			if lv[col] != val {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		counts[lv[metricColumn]]++
	}

	rows := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		rows = append(rows, NameCount{Name: name, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Name < rows[j].Name
	})
	if k > 0 && len(rows) > k {
		rows = rows[:k]
	}
	return rows
}
