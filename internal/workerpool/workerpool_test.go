package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := New(4)
	pool.Start()
	defer pool.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		// Submit is non-blocking and the queue holds only 2*size tasks, so a
		// burst of 20 goes through SubmitWait to wait for free slots.
		err := pool.SubmitWait(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.EqualValues(t, 20, count.Load())
}

func TestSubmitQueueFull(t *testing.T) {
	pool := New(1)
	// Do not Start: no worker drains the queue, so it fills deterministically.
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(func() {}))
	}
	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmitAfterStopReturnsShuttingDown(t *testing.T) {
	pool := New(2)
	pool.Start()
	pool.Stop()

	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	pool := New(1)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(func() { panic("boom") }))

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, pool.Submit(func() {
		defer wg.Done()
		ran.Store(true)
	}))
	wg.Wait()

	assert.True(t, ran.Load())
}

func TestSubmitWaitBlocksUntilSlotFree(t *testing.T) {
	// No Start(): nothing drains the queue, so its fixed capacity (2*size)
	// fills deterministically without racing a worker goroutine.
	pool := New(1)
	require.NoError(t, pool.Submit(func() {}))
	require.NoError(t, pool.Submit(func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
