// SPDX-License-Identifier: AGPL-3.0-only

package chunkstore

import "github.com/skydb/tsdbquery/pkg/rangevector"

// Chunk is a shard-local, append-only columnar sample buffer, bounded by
// maxSize samples or durationMs, whichever comes first, per spec.md §3.
// Once sealed, a Chunk is immutable and safe to share across readers
// without copying.
type Chunk struct {
	samples   []rangevector.Sample // strictly timestamp-increasing
	sealed    bool
	maxSize   int
	durationMs int64
}

func newChunk(maxSize int, durationMs int64) *Chunk {
	return &Chunk{
		samples:    make([]rangevector.Sample, 0, maxSize),
		maxSize:    maxSize,
		durationMs: durationMs,
	}
}

// FirstTimestampMs returns the timestamp of the earliest sample, or 0 if
// empty.
func (c *Chunk) FirstTimestampMs() int64 {
	if len(c.samples) == 0 {
		return 0
	}
	return c.samples[0].TimestampMs
}

// LastTimestampMs returns the timestamp of the latest sample, or -1 if
// empty (so any real timestamp compares greater).
func (c *Chunk) LastTimestampMs() int64 {
	if len(c.samples) == 0 {
		return -1
	}
	return c.samples[len(c.samples)-1].TimestampMs
}

// full reports whether this chunk has reached its sample-count or
// time-duration bound and must be sealed before the next append.
func (c *Chunk) full() bool {
	if len(c.samples) >= c.maxSize {
		return true
	}
	if len(c.samples) > 0 && c.durationMs > 0 {
		return c.LastTimestampMs()-c.FirstTimestampMs() >= c.durationMs
	}
	return false
}

// append adds one sample. The caller must already have verified
// ts > LastTimestampMs() (the late-arrival policy lives in Partition) and
// that the chunk is not sealed.
func (c *Chunk) append(s rangevector.Sample) {
	c.samples = append(c.samples, s)
	if c.full() {
		c.sealed = true
	}
}

// snapshot returns a read-only view of this chunk's samples gated to
// [startMs, endMs]. The backing slice is returned directly: c.sealed is
// expected to be true by the time any caller outside this package reaches
// here, since Partition.ScanRange replaces the still-mutable write chunk
// with a detached, already-sealed copy before a scan ever touches a Chunk
// without holding the partition lock.
func (c *Chunk) snapshot(startMs, endMs int64) []rangevector.Sample {
	return clipSamples(c.samples, startMs, endMs)
}

func clipSamples(src []rangevector.Sample, startMs, endMs int64) []rangevector.Sample {
	lo := 0
	for lo < len(src) && src[lo].TimestampMs < startMs {
		lo++
	}
	hi := len(src)
	for hi > lo && src[hi-1].TimestampMs > endMs {
		hi--
	}
	return src[lo:hi]
}

// overlaps reports whether this chunk's [first,last] range intersects
// [startMs, endMs].
func (c *Chunk) overlaps(startMs, endMs int64) bool {
	if len(c.samples) == 0 {
		return false
	}
	return c.FirstTimestampMs() <= endMs && c.LastTimestampMs() >= startMs
}
