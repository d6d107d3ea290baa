package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserveAccumulatesCounters(t *testing.T) {
	c := New()

	c.Observe(true, false, 100*time.Millisecond)
	c.Observe(false, false, 200*time.Millisecond)
	c.Observe(false, true, 50*time.Millisecond)

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.TotalTests)
	assert.EqualValues(t, 1, snap.SuccessfulTests)
	assert.EqualValues(t, 2, snap.FailedTests)
	assert.EqualValues(t, 1, snap.TimeoutTests)
}

func TestObserveRunningMeanConverges(t *testing.T) {
	c := New()
	for i := 0; i < 4; i++ {
		c.Observe(true, false, 100*time.Millisecond)
	}
	snap := c.Snapshot()
	assert.InDelta(t, 0.1, snap.AvgResponseTime, 0.0001)
}

func TestObserveExcludesFailuresFromRunningMean(t *testing.T) {
	c := New()
	c.Observe(true, false, 100*time.Millisecond)
	c.Observe(false, false, 10*time.Second)
	c.Observe(true, false, 100*time.Millisecond)

	snap := c.Snapshot()
	assert.InDelta(t, 0.1, snap.AvgResponseTime, 0.0001)
}

func TestObserveQueueFull(t *testing.T) {
	c := New()
	c.ObserveQueueFull()
	c.ObserveQueueFull()
	assert.EqualValues(t, 2, c.Snapshot().QueueFullEvents)
}

func TestSampleRecordsMemoryUsage(t *testing.T) {
	c := New()
	c.Sample()
	assert.GreaterOrEqual(t, c.Snapshot().MemoryUsageMB, int64(0))
}

func TestSetActiveWorkers(t *testing.T) {
	c := New()
	c.SetActiveWorkers(7)
	assert.EqualValues(t, 7, c.Snapshot().ActiveProcesses)
}

func TestSnapshotSuccessRate(t *testing.T) {
	c := New()
	c.Observe(true, false, 10*time.Millisecond)
	c.Observe(true, false, 10*time.Millisecond)
	c.Observe(false, false, 10*time.Millisecond)

	snap := c.Snapshot()
	assert.InDelta(t, 200.0/3.0, snap.SuccessRate, 0.01)
}

func TestStartSamplerStopsOnSignal(t *testing.T) {
	c := New()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.StartSampler(5*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartSampler did not return after stop was closed")
	}
}
