// Package metrics implements the per-job HDR-histogram latency collector
// described in spec.md §4.1: a windowed success/error counter pair backed
// by an HDR histogram, reset atomically at each report boundary.
//
// Grounded on the teacher's own histogram use in buster.go and
// generators.go (github.com/codahale/hdrhistogram), generalized from a
// single-use Generator into a long-lived, resettable Collector.
package metrics

import (
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	minLatencyUs int64 = 1
	maxLatencyUs int64 = 3_600_000_000 // 1h, per spec.md §3
	sigFigs      int   = 3
)

// Summary is a point-in-time view of a window, returned by Snapshot.
type Summary struct {
	Count, Success, Error    uint64
	Min, Max                 uint64  // microseconds
	Mean, P50, P90, P95, P99 float64 // milliseconds
	WindowStart              time.Time
}

// Total returns the total sample count (success + error), matching
// ResultBatch.Total.
func (s Summary) Total() uint64 { return s.Count }

// Collector records per-request outcomes and exposes windowed summaries.
// All methods are safe for concurrent use; Snapshot and Reset are atomic
// with respect to Record* so no sample is double-counted or lost across a
// reset boundary.
type Collector struct {
	mu          sync.Mutex
	hist        *hdrhistogram.Histogram
	success     uint64
	errorCount  uint64
	windowStart time.Time
}

// New creates a Collector with a fresh window starting now.
func New() *Collector {
	return &Collector{
		hist:        hdrhistogram.New(minLatencyUs, maxLatencyUs, sigFigs),
		windowStart: time.Now(),
	}
}

// RecordSuccess records a successfully completed request.
func (c *Collector) RecordSuccess(latencyUs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.success++
	c.hist.RecordValue(clamp(latencyUs))
}

// RecordError records a failed request. latencyUs is 0 when the failure
// occurred before a latency could be measured (e.g. DNS failure with no
// elapsed-time signal worth sampling); pass the elapsed time otherwise.
func (c *Collector) RecordError(latencyUs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	if latencyUs > 0 {
		c.hist.RecordValue(clamp(latencyUs))
	}
}

func clamp(us uint64) int64 {
	v := int64(us)
	if v < minLatencyUs {
		return minLatencyUs
	}
	if v > maxLatencyUs {
		return maxLatencyUs
	}
	return v
}

// Snapshot returns a summary of the current window without resetting it.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Summary {
	count := c.success + c.errorCount
	s := Summary{
		Count:       count,
		Success:     c.success,
		Error:       c.errorCount,
		WindowStart: c.windowStart,
	}
	if c.hist.TotalCount() == 0 {
		return s
	}
	s.Min = uint64(c.hist.Min())
	s.Max = uint64(c.hist.Max())
	s.Mean = c.hist.Mean() / 1000.0
	s.P50 = float64(c.hist.ValueAtQuantile(50)) / 1000.0
	s.P90 = float64(c.hist.ValueAtQuantile(90)) / 1000.0
	s.P95 = float64(c.hist.ValueAtQuantile(95)) / 1000.0
	s.P99 = float64(c.hist.ValueAtQuantile(99)) / 1000.0
	return s
}

// Reset resets the histogram and counters, stamping a new window start.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hist.Reset()
	c.success = 0
	c.errorCount = 0
	c.windowStart = time.Now()
}

// SnapshotAndReset atomically captures the current window and starts a new
// one, guaranteeing no sample is counted in both.
func (c *Collector) SnapshotAndReset() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshotLocked()
	c.hist.Reset()
	c.success = 0
	c.errorCount = 0
	c.windowStart = time.Now()
	return s
}
