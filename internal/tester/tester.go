// Package tester runs one ProxyConfig through the full test lifecycle:
// lease a port, generate and launch the proxy-core process, probe it, and
// produce a TestResultData. It is the single place that wires together
// portmgr, coreconfig, childproc, and probe for one task.
package tester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rhovanion/proxytester/internal/childproc"
	"github.com/rhovanion/proxytester/internal/coreconfig"
	"github.com/rhovanion/proxytester/internal/model"
	"github.com/rhovanion/proxytester/internal/portmgr"
	"github.com/rhovanion/proxytester/internal/probe"
)

// Config controls how the Tester launches and probes each candidate.
type Config struct {
	CorePath   string
	WorkDir    string
	ProbeURL   string
	Timeout    time.Duration // total budget for one test, including launch+probe
	ReadyWait  time.Duration // budget for the core process to start listening
}

// Tester runs individual ProxyConfig tests against leased local ports.
type Tester struct {
	cfg       Config
	ports     *portmgr.PortManager
	generator coreconfig.Generator
}

// New creates a Tester. ports is shared across all concurrent tasks.
// A zero cfg.Timeout is honored as-is rather than defaulted: it bounds
// every probe to an already-expired context, so every task times out.
func New(cfg Config, ports *portmgr.PortManager, generator coreconfig.Generator) *Tester {
	if generator == nil {
		generator = coreconfig.Default{}
	}
	return &Tester{cfg: cfg, ports: ports, generator: generator}
}

// Test runs one candidate end to end and always returns a TestResultData,
// never an error: every failure mode is encoded into the result itself so
// a batch driver can treat every task uniformly.
func (t *Tester) Test(ctx context.Context, cfg model.ProxyConfig, batchID int) model.TestResultData {
	start := time.Now()
	result := model.TestResultData{
		Config:    cfg,
		BatchID:   batchID,
		StartedAt: start,
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	lease, err := t.ports.Acquire(ctx)
	if err != nil {
		if r, ok := ctxResult(ctx); ok {
			result.Result = r
		} else {
			result.Result = model.ResultPortConflict
		}
		result.Message = err.Error()
		return result
	}
	defer t.ports.Release(lease)

	cfg.Port = lease.Port()

	cp := childproc.New(childproc.Options{
		CorePath:  t.cfg.CorePath,
		WorkDir:   t.cfg.WorkDir,
		ReadyWait: t.cfg.ReadyWait,
	}, t.generator, cfg, lease.Port())

	if err := cp.Start(ctx); err != nil {
		result.Result = launchOrTimeoutResult(ctx, err)
		result.Message = err.Error()
		if diag := cp.Diagnostics(); diag != "" {
			result.Message = fmt.Sprintf("%s (%s)", result.Message, diag)
		}
		return result
	}
	defer cp.Stop()

	probeResult, err := probe.Run(ctx, probe.Config{
		LocalAddr: fmt.Sprintf("127.0.0.1:%d", lease.Port()),
		URL:       t.cfg.ProbeURL,
	})

	if err != nil {
		result.Result = probeFailureResult(ctx, probeResult)
		result.Message = err.Error()
		return result
	}

	if probeResult.StatusCode < http.StatusOK || probeResult.StatusCode >= http.StatusBadRequest {
		result.Result = model.ResultFailure
		result.Message = fmt.Sprintf("unexpected status %d dial=%s", probeResult.StatusCode, probeResult.DialTime)
		return result
	}

	result.Result = model.ResultSuccess
	result.Message = fmt.Sprintf("status=%d dial=%s", probeResult.StatusCode, probeResult.DialTime)
	result.ResponseTime = probeResult.TotalTime
	return result
}

// ctxResult classifies a context error as cancelled (the Tester's context
// was cancelled out from under the task, e.g. a shutdown drain) versus
// timeout (the task's own deadline elapsed). ok is false when ctx carries
// no error, meaning the caller must classify by some other signal.
func ctxResult(ctx context.Context) (result model.TestResult, ok bool) {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return model.ResultCancelled, true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.ResultTimeout, true
	default:
		return "", false
	}
}

func launchOrTimeoutResult(ctx context.Context, err error) model.TestResult {
	if r, ok := ctxResult(ctx); ok {
		return r
	}
	if errors.Is(err, childproc.ErrNotReady) {
		return model.ResultPortConflict
	}
	return model.ResultLaunchFailed
}

func probeFailureResult(ctx context.Context, p probe.Result) model.TestResult {
	if r, ok := ctxResult(ctx); ok {
		return r
	}
	if !p.Reachable {
		return model.ResultProbeFailed
	}
	return model.ResultFailure
}
