// Package metrics accumulates counters across a batch run and exposes them
// both as an in-process snapshot and as a small JSON/websocket HTTP surface.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhovanion/proxytester/internal/admission"
)

// AtomicInt64Counter is a lock-free 64-bit counter.
type AtomicInt64Counter int64

// Add atomically adds delta and returns the new value.
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Load atomically loads the current value.
func (c *AtomicInt64Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Collector accumulates per-task outcomes for the lifetime of a run.
// The running average response time is float64 state guarded by mu rather
// than attempted as a lock-free atomic: Go's sync/atomic has no native
// float64 primitive, and a mutex already held for the increment is
// cheaper than the CAS-retry loop that would be needed to fake one.
type Collector struct {
	TotalTests      AtomicInt64Counter
	SuccessfulTests AtomicInt64Counter
	FailedTests     AtomicInt64Counter
	TimeoutTests    AtomicInt64Counter
	QueueFullEvents AtomicInt64Counter

	mu              sync.RWMutex
	avgResponseSecs float64
	memoryUsageMB   int64
	activeProcesses int64
	startTime       time.Time
}

// New creates a Collector whose uptime is measured from now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Observe folds one task's outcome into the running totals. Only
// successful samples contribute to avg_response_time; a failed task carries
// no reachability latency (its ResponseTime is zero) and would otherwise
// skew the mean.
func (c *Collector) Observe(success bool, timedOut bool, responseTime time.Duration) {
	c.TotalTests.Add(1)
	if timedOut {
		c.TimeoutTests.Add(1)
	}

	if !success {
		c.FailedTests.Add(1)
		return
	}
	c.SuccessfulTests.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := float64(c.SuccessfulTests.Load())
	secs := responseTime.Seconds()
	// incremental mean: avg += (x - avg) / n
	c.avgResponseSecs += (secs - c.avgResponseSecs) / n
}

// ObserveQueueFull records a task that was rejected for a full queue,
// independent of Observe since it never produced a response time.
func (c *Collector) ObserveQueueFull() {
	c.QueueFullEvents.Add(1)
}

// SetActiveWorkers records the current number of tasks in flight, sampled
// by the caller rather than tracked internally since admission.Controller
// already owns that count.
func (c *Collector) SetActiveWorkers(n int64) {
	atomic.StoreInt64(&c.activeProcesses, n)
}

// Sample records the current process memory usage; intended to be called
// periodically by a background sampler.
func (c *Collector) Sample() {
	atomic.StoreInt64(&c.memoryUsageMB, admission.CurrentMemoryMB())
}

// Snapshot is the point-in-time view of a Collector's state, safe to
// marshal to JSON or push over a websocket. Field names and shape match
// the harness's documented /metrics contract exactly.
type Snapshot struct {
	TotalTests      int64   `json:"total_tests"`
	SuccessfulTests int64   `json:"successful_tests"`
	FailedTests     int64   `json:"failed_tests"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time_seconds"`
	MemoryUsageMB   int64   `json:"memory_usage_mb"`
	ActiveProcesses int64   `json:"active_processes"`
	UptimeSeconds   int64   `json:"uptime_seconds"`

	TimeoutTests    int64 `json:"-"`
	QueueFullEvents int64 `json:"-"`
}

// Snapshot returns a copy of the current counters. Each counter is read
// on its own, so under concurrent updates the values may be mutually skewed.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	avg := c.avgResponseSecs
	c.mu.RUnlock()

	total := c.TotalTests.Load()
	successful := c.SuccessfulTests.Load()
	successRate := 0.0
	if total > 0 {
		successRate = float64(successful) / float64(total) * 100
	}

	return Snapshot{
		TotalTests:      total,
		SuccessfulTests: successful,
		FailedTests:     c.FailedTests.Load(),
		SuccessRate:     successRate,
		AvgResponseTime: avg,
		MemoryUsageMB:   atomic.LoadInt64(&c.memoryUsageMB),
		ActiveProcesses: atomic.LoadInt64(&c.activeProcesses),
		UptimeSeconds:   int64(time.Since(c.startTime).Seconds()),
		TimeoutTests:    c.TimeoutTests.Load(),
		QueueFullEvents: c.QueueFullEvents.Load(),
	}
}

// StartSampler runs a background loop sampling memory usage every
// interval until stop is closed.
func (c *Collector) StartSampler(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sample()
		case <-stop:
			return
		}
	}
}
