package vfscache

import (
	"sync/atomic"
	"time"
)

// Category identifies one of the three read paths Stats tracks
// counters for.
type Category int

const (
	// CategoryRemoteDirect is a read served straight from the backend,
	// with no local admission (cache miss that could not be cached).
	CategoryRemoteDirect Category = iota
	// CategoryCacheHit is a read served from an already-materialized
	// cache file.
	CategoryCacheHit
	// CategoryBackgroundDownload is the one-time download that
	// materializes a cache file before it is first read.
	CategoryBackgroundDownload
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryRemoteDirect:
		return "remote"
	case CategoryCacheHit:
		return "cached"
	case CategoryBackgroundDownload:
		return "download"
	default:
		return "unknown"
	}
}

type counter struct {
	reads int64
	bytes int64
	nanos int64
}

// Stats accumulates process-local read counts, byte totals, and latency
// for each read category, mirroring the per-category timing the original
// aep_statistic_t tracked.
type Stats struct {
	counters [numCategories]counter
}

// NewStats returns a ready-to-use Stats.
func NewStats() *Stats { return &Stats{} }

// Record adds one observation of n bytes taking d to category.
func (s *Stats) Record(category Category, n int, d time.Duration) {
	c := &s.counters[category]
	atomic.AddInt64(&c.reads, 1)
	atomic.AddInt64(&c.bytes, int64(n))
	atomic.AddInt64(&c.nanos, d.Nanoseconds())
}

// CategorySnapshot is a point-in-time readout for one category.
type CategorySnapshot struct {
	Reads   int64
	Bytes   int64
	Elapsed time.Duration
}

// Snapshot returns the current counters for category.
func (s *Stats) Snapshot(category Category) CategorySnapshot {
	c := &s.counters[category]
	return CategorySnapshot{
		Reads:   atomic.LoadInt64(&c.reads),
		Bytes:   atomic.LoadInt64(&c.bytes),
		Elapsed: time.Duration(atomic.LoadInt64(&c.nanos)),
	}
}
