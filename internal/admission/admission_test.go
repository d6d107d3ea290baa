package admission

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmitByActiveCount(t *testing.T) {
	c := New(0, 2) // memory check disabled, max 2 active

	assert.True(t, c.Admit())
	c.Enter()
	assert.True(t, c.Admit())
	c.Enter()
	assert.False(t, c.Admit(), "third task should be denied once at the active limit")

	c.Leave()
	assert.True(t, c.Admit())
	c.Leave()
}

func TestAdmitDisabledChecksAlwaysAllow(t *testing.T) {
	c := New(0, 0)
	for i := 0; i < 100; i++ {
		c.Enter()
	}
	assert.True(t, c.Admit())
}

func TestAdmitByMemoryLimit(t *testing.T) {
	// A small test binary's own heap can stay under 1MB, so an 8MB
	// allocation is held live across Admit to push the heap past the 1MB
	// ceiling and exercise the memory-denial path.
	ballast := make([]byte, 8<<20)
	c := New(1, 0)
	assert.False(t, c.Admit())
	runtime.KeepAlive(ballast)
}

func TestActiveCountTracksEnterLeave(t *testing.T) {
	c := New(0, 10)
	assert.EqualValues(t, 0, c.ActiveCount())
	c.Enter()
	c.Enter()
	assert.EqualValues(t, 2, c.ActiveCount())
	c.Leave()
	assert.EqualValues(t, 1, c.ActiveCount())
}
