// Package shutdown implements the harness's graceful-shutdown state
// machine: Running -> Draining -> Stopped on a first SIGINT/SIGTERM when
// the work finishes within the grace period, and Draining -> Aborting ->
// Stopped if a second signal arrives or the grace period elapses first.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rhovanion/proxytester/internal/logger"
)

// State is a point in the shutdown state machine.
type State int

const (
	Running State = iota
	Draining
	Aborting
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Aborting:
		return "aborting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor watches for SIGINT/SIGTERM and drives a single batch run
// through the Running/Draining/Aborting/Stopped states, cancelling the
// context it hands out on the first signal so in-flight tasks observe
// cancellation and can drain within the grace period.
type Supervisor struct {
	grace time.Duration

	mu       sync.Mutex
	state    State
	signaled bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Supervisor deriving a cancellable context from parent.
// grace bounds how long Draining is given before forcing Aborting.
func New(parent context.Context, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		grace:  grace,
		state:  Running,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the context that work should respect; it is cancelled
// as soon as the first signal puts the Supervisor into Draining.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// State reports the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Signaled reports whether a SIGINT/SIGTERM was ever observed, regardless
// of whether the run went on to finish cleanly within the grace period.
// The caller uses this to choose the process exit code.
func (s *Supervisor) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

// Watch installs signal handling and blocks until onDrained is closed,
// moving through Draining and Aborting as signals and the grace period
// dictate. It returns the final state. Call it from main's goroutine after starting the batch run in
// the background.
func (s *Supervisor) Watch(onDrained <-chan struct{}) State {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-onDrained:
		s.setState(Stopped)
		return Stopped
	case sig := <-sigChan:
		logger.Info("shutdown: received %v, graceful shutdown", sig)
		s.setSignaled()
		s.setState(Draining)
		s.cancel()
	}

	graceTimer := time.NewTimer(s.grace)
	defer graceTimer.Stop()

	for {
		select {
		case <-onDrained:
			s.setState(Stopped)
			return Stopped
		case <-graceTimer.C:
			logger.Warn("shutdown: grace period elapsed, aborting")
			s.setState(Aborting)
			s.cancel()
		case sig := <-sigChan:
			logger.Warn("shutdown: received second %v, aborting immediately", sig)
			s.setState(Aborting)
			s.cancel()
		}

		if s.State() == Aborting {
			<-onDrained
			s.setState(Stopped)
			return Stopped
		}
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Supervisor) setSignaled() {
	s.mu.Lock()
	s.signaled = true
	s.mu.Unlock()
}
