// Package admission gates whether a new test task may start, based on
// current process memory usage and the number of already-active child
// processes. It exists to keep a large batch from overrunning the host
// even when the worker pool itself has free slots.
package admission

import (
	"runtime"
	"sync/atomic"
)

// Controller tracks active task count and decides admission.
type Controller struct {
	maxMemoryMB int64
	maxActive   int64
	active      int64
}

// New creates a Controller. maxMemoryMB <= 0 disables the memory check;
// maxActive <= 0 disables the active-count check.
func New(maxMemoryMB, maxActive int) *Controller {
	return &Controller{
		maxMemoryMB: int64(maxMemoryMB),
		maxActive:   int64(maxActive),
	}
}

// Admit reports whether a new task may start right now. It does not
// reserve a slot; callers that admit must call Enter/Leave around the
// task's lifetime.
func (c *Controller) Admit() bool {
	if c.maxMemoryMB > 0 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		usedMB := int64(m.Alloc) / (1024 * 1024)
		if usedMB >= c.maxMemoryMB {
			return false
		}
	}
	if c.maxActive > 0 && atomic.LoadInt64(&c.active) >= c.maxActive {
		return false
	}
	return true
}

// Enter records that a task has started. Pair with a deferred Leave.
func (c *Controller) Enter() {
	atomic.AddInt64(&c.active, 1)
}

// Leave records that a task has finished.
func (c *Controller) Leave() {
	atomic.AddInt64(&c.active, -1)
}

// ActiveCount returns the current number of admitted, not-yet-finished tasks.
func (c *Controller) ActiveCount() int64 {
	return atomic.LoadInt64(&c.active)
}

// CurrentMemoryMB samples the process's current allocated heap in megabytes,
// for metrics reporting independent of admission decisions.
func CurrentMemoryMB() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Alloc) / (1024 * 1024)
}
