// Package childproc manages the lifecycle of the external proxy-core
// process launched to exercise one candidate: writing its config file,
// starting it, polling the leased port until it accepts connections, and
// tearing it down with bounded diagnostic output capture.
package childproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/rhovanion/proxytester/internal/coreconfig"
	"github.com/rhovanion/proxytester/internal/logger"
	"github.com/rhovanion/proxytester/internal/model"
)

// tailCapBytes bounds how much of stdout/stderr each child process's
// output is retained for diagnostics. The core binary's own stdout is
// otherwise unbounded and would exhaust memory across a large batch.
const tailCapBytes = 4096

// ErrLaunchFailed wraps a failure to exec the core binary at all.
// ErrNotReady wraps a failure of the leased port to become reachable
// within ReadyWait — the binary ran, but never bound its inbound.
// A caller can tell the two apart with errors.Is to choose between
// launch_failed and port_conflict.
var (
	ErrLaunchFailed = errors.New("childproc: exec failed")
	ErrNotReady     = errors.New("childproc: readiness timeout")
)

// Options configures how a ChildProcess is launched.
type Options struct {
	CorePath   string        // path to the proxy-core executable
	WorkDir    string        // directory to write generated config files into
	ReadyWait  time.Duration // total time to wait for the port to become reachable
	PollEvery  time.Duration // interval between readiness polls
}

// ChildProcess supervises one instance of the external proxy-core binary
// bound to a leased local port.
type ChildProcess struct {
	opts       Options
	generator  coreconfig.Generator
	cfg        model.ProxyConfig
	port       int
	configPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  *tailBuffer
	stderr  *tailBuffer
	started bool
}

// New creates a ChildProcess for cfg bound to port, not yet started.
func New(opts Options, generator coreconfig.Generator, cfg model.ProxyConfig, port int) *ChildProcess {
	if opts.ReadyWait == 0 {
		opts.ReadyWait = 5 * time.Second
	}
	if opts.PollEvery == 0 {
		opts.PollEvery = 50 * time.Millisecond
	}
	return &ChildProcess{
		opts:      opts,
		generator: generator,
		cfg:       cfg,
		port:      port,
		stdout:    newTailBuffer(tailCapBytes),
		stderr:    newTailBuffer(tailCapBytes),
	}
}

// Start writes the generated config file, launches the core binary, and
// blocks until the leased port accepts a TCP connection or ctx's deadline
// (or opts.ReadyWait, whichever is sooner) elapses. On any failure the
// process is killed and cleaned up before returning.
func (c *ChildProcess) Start(ctx context.Context) error {
	body, err := c.generator.Generate(c.cfg, c.port)
	if err != nil {
		return fmt.Errorf("childproc: generate config: %w", err)
	}

	configPath := filepath.Join(c.opts.WorkDir, fmt.Sprintf("core-%d.json", c.port))
	if err := atomic.WriteFile(configPath, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("childproc: write config: %w", err)
	}
	c.configPath = configPath

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, c.opts.CorePath, "run", "-c", configPath)
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(configPath)
		return fmt.Errorf("childproc: start core: %w: %w", ErrLaunchFailed, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.started = true
	c.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.opts.ReadyWait)
	defer waitCancel()

	if err := c.waitReady(waitCtx); err != nil {
		cancel()
		c.reap()
		os.Remove(configPath)
		return err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

func (c *ChildProcess) waitReady(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", c.port)
	ticker := time.NewTicker(c.opts.PollEvery)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, c.opts.PollEvery)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("childproc: core never became ready on port %d: %w: %w", c.port, ErrNotReady, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates the core process and removes its config file. Safe to
// call multiple times and on a process that failed to start.
func (c *ChildProcess) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.reap()

	if c.configPath != "" {
		if err := os.Remove(c.configPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("childproc: failed to remove config %s: %v", c.configPath, err)
		}
	}
}

func (c *ChildProcess) reap() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = cmd.Wait()
}

// Diagnostics returns the captured tail of stdout/stderr for inclusion in
// a failure message.
func (c *ChildProcess) Diagnostics() string {
	out := c.stdout.String()
	errOut := c.stderr.String()
	if out == "" && errOut == "" {
		return ""
	}
	return fmt.Sprintf("stdout: %s | stderr: %s", out, errOut)
}

// tailBuffer retains only the last capacity bytes written to it, matching
// the ring-buffer tail-capture pattern used for draining a child process's
// output without blocking on a full pipe or growing without bound.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.cap; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
