// SPDX-License-Identifier: AGPL-3.0-only

package chunkstore

import (
	"sync"

	"github.com/skydb/tsdbquery/pkg/dataset"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

// Partition is the shard-local container for one PartKey: an ordered
// sequence of chunks, exactly one of which (the tail) is the write chunk,
// per spec.md §3.
type Partition struct {
	PartKey      dataset.PartKey
	LabelValues  map[string]string // decoded PartKey, cached for index/metadata use

	mu           sync.RWMutex
	chunks       []*Chunk // ascending, non-overlapping; chunks[len-1] is the write chunk
	lastIngestMs int64    // wall-clock ms of the most recent successful ingest, for LRU eviction

	maxChunkSize   int
	chunkDurationMs int64
}

func newPartition(pk dataset.PartKey, labelValues map[string]string, maxChunkSize int, chunkDurationMs int64) *Partition {
	return &Partition{
		PartKey:         pk,
		LabelValues:     labelValues,
		maxChunkSize:    maxChunkSize,
		chunkDurationMs: chunkDurationMs,
	}
}

// ingestResult reports the outcome of appending one sample.
type ingestResult int

const (
	ingested ingestResult = iota
	droppedLate
)

// appendSample applies the late-arrival policy (spec.md §4.1: samples
// older than the write chunk's current last timestamp are dropped) and
// otherwise appends s, sealing and rotating the write chunk as needed.
func (p *Partition) appendSample(s rangevector.Sample, nowMs int64) ingestResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chunks) == 0 || p.chunks[len(p.chunks)-1].sealed {
		p.chunks = append(p.chunks, newChunk(p.maxChunkSize, p.chunkDurationMs))
	}

	write := p.chunks[len(p.chunks)-1]
	if write.LastTimestampMs() >= s.TimestampMs {
		return droppedLate
	}

	write.append(s)
	p.lastIngestMs = nowMs
	return ingested
}

// LastIngestMs returns the wall-clock time of the most recent successful
// ingest, used by the eviction policy's LRU ordering.
func (p *Partition) LastIngestMs() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIngestMs
}

// TimeRange returns the [min, max] timestamp spanned by all chunks
// currently retained by this partition, or (0,-1) if empty.
func (p *Partition) TimeRange() (minMs, maxMs int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeRangeLocked()
}

func (p *Partition) timeRangeLocked() (int64, int64) {
	if len(p.chunks) == 0 {
		return 0, -1
	}
	return p.chunks[0].FirstTimestampMs(), p.chunks[len(p.chunks)-1].LastTimestampMs()
}

// ScanRange gates a scan to [startMs, endMs], returning samples from every
// chunk whose range overlaps it, concatenated in ascending order. The write
// chunk has no lock of its own (appendSample mutates its samples/sealed
// fields under p.mu), so it is copied into a detached, already-sealed Chunk
// while still holding p.mu here; every chunk this function touches after
// unlocking is then either genuinely sealed (immutable by invariant) or
// this private copy, so concurrent ingest never races with the scan, per
// spec.md §5.
func (p *Partition) ScanRange(startMs, endMs int64) []rangevector.Sample {
	p.mu.RLock()
	chunks := make([]*Chunk, len(p.chunks))
	copy(chunks, p.chunks)
	if n := len(chunks); n > 0 && !chunks[n-1].sealed {
		live := chunks[n-1]
		cp := make([]rangevector.Sample, len(live.samples))
		copy(cp, live.samples)
		chunks[n-1] = &Chunk{samples: cp, sealed: true, maxSize: live.maxSize, durationMs: live.durationMs}
	}
	p.mu.RUnlock()

	var out []rangevector.Sample
	for _, c := range chunks {
		if !c.overlaps(startMs, endMs) {
			continue
		}
		out = append(out, c.snapshot(startMs, endMs)...)
	}
	return out
}

// EvictBefore drops whole chunks whose LastTimestampMs is strictly before
// earliestRetainedMs, per spec.md §3's retention invariant. It never
// evicts the write chunk.
func (p *Partition) EvictBefore(earliestRetainedMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.chunks[:0:0]
	for i, c := range p.chunks {
		isWrite := i == len(p.chunks)-1
		if !isWrite && c.LastTimestampMs() < earliestRetainedMs {
			continue
		}
		kept = append(kept, c)
	}
	p.chunks = kept
}

// Empty reports whether this partition has retained no data at all, making
// it a candidate for removal from the shard's partition set.
func (p *Partition) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.chunks) == 0
}
