// Package batchdriver runs a batch of ProxyConfig candidates through a
// Tester concurrently, bounded by a worker pool and an admission
// controller, and writes the batch's results out atomically.
package batchdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"

	"github.com/rhovanion/proxytester/internal/admission"
	"github.com/rhovanion/proxytester/internal/logger"
	"github.com/rhovanion/proxytester/internal/metrics"
	"github.com/rhovanion/proxytester/internal/model"
	"github.com/rhovanion/proxytester/internal/workerpool"
)

// Config controls how a batch is driven.
type Config struct {
	ResultsDir      string        // directory batch result JSON files are written into
	IncrementalSave bool          // if false, RunBatch never writes a results file
	SubmitBackoff   time.Duration // max total time to retry a queue-full submission
}

// Tester is the subset of *tester.Tester a Driver depends on, narrowed to
// ease testing with a stub.
type Tester interface {
	Test(ctx context.Context, cfg model.ProxyConfig, batchID int) model.TestResultData
}

// Driver runs batches of candidates against a shared worker pool.
type Driver struct {
	cfg       Config
	pool      *workerpool.Pool
	admission *admission.Controller
	metrics   *metrics.Collector
	tester    Tester
}

// New creates a Driver. pool must already be started.
func New(cfg Config, pool *workerpool.Pool, adm *admission.Controller, collector *metrics.Collector, t Tester) *Driver {
	return &Driver{cfg: cfg, pool: pool, admission: adm, metrics: collector, tester: t}
}

// RunBatch tests every candidate in configs concurrently, waits for every
// submitted task to finish, and returns one TestResultData per candidate
// (order matches configs). Candidates not yet submitted when ctx is
// cancelled are recorded as cancelled. When cfg.IncrementalSave is set it also
// writes the batch out to <ResultsDir>/result_<id>.json via an atomic rename
// so a crash mid-write never leaves a half-written results file.
func (d *Driver) RunBatch(ctx context.Context, configs []model.ProxyConfig, batchID int) ([]model.TestResultData, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	results := make([]model.TestResultData, len(configs))
	var wg sync.WaitGroup

	for i, cfg := range configs {
		select {
		case <-ctx.Done():
			results[i] = model.TestResultData{Config: cfg, Result: model.ResultCancelled, BatchID: batchID}
			continue
		default:
		}

		wg.Add(1)
		idx, candidate := i, cfg
		task := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error(logger.WithTask(candidate.Tag, "panic testing candidate: %v", r))
					results[idx] = model.TestResultData{
						Config:  candidate,
						Result:  model.ResultFailure,
						Message: fmt.Sprintf("panic: %v", r),
						BatchID: batchID,
					}
				}
			}()
			results[idx] = d.runOne(ctx, candidate, batchID)
		}

		if err := d.submitWithBackoff(ctx, task); err != nil {
			wg.Done()
			results[idx] = model.TestResultData{
				Config:  candidate,
				Result:  model.ResultResourceExhausted,
				Message: err.Error(),
				BatchID: batchID,
			}
			d.metrics.ObserveQueueFull()
		}
	}

	wg.Wait()

	if d.cfg.IncrementalSave {
		if err := d.writeResults(results, batchID); err != nil {
			return results, fmt.Errorf("batchdriver: write results: %w", err)
		}
	}
	return results, nil
}

func (d *Driver) runOne(ctx context.Context, cfg model.ProxyConfig, batchID int) model.TestResultData {
	if !d.admission.Admit() {
		return model.TestResultData{
			Config:  cfg,
			Result:  model.ResultResourceExhausted,
			Message: "insufficient resources to admit task",
			BatchID: batchID,
		}
	}

	d.admission.Enter()
	defer d.admission.Leave()
	d.metrics.SetActiveWorkers(d.admission.ActiveCount())

	result := d.tester.Test(ctx, cfg, batchID)
	d.metrics.Observe(result.Result == model.ResultSuccess, result.Result == model.ResultTimeout, result.ResponseTime)
	return result
}

// submitWithBackoff retries a queue-full Submit with exponential backoff,
// bounded by cfg.SubmitBackoff, before giving up. Submit's other failure
// mode (shutting down) is not retried.
func (d *Driver) submitWithBackoff(ctx context.Context, task func()) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(d.effectiveBackoff()),
	), ctx)

	return backoff.Retry(func() error {
		err := d.pool.Submit(task)
		switch err {
		case nil:
			return nil
		case workerpool.ErrQueueFull:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
}

func (d *Driver) effectiveBackoff() time.Duration {
	if d.cfg.SubmitBackoff > 0 {
		return d.cfg.SubmitBackoff
	}
	return 5 * time.Second
}

func (d *Driver) writeResults(results []model.TestResultData, batchID int) error {
	if d.cfg.ResultsDir == "" {
		return nil
	}
	body, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(d.cfg.ResultsDir, fmt.Sprintf("result_%d.json", batchID))
	if err := atomic.WriteFile(path, bytes.NewReader(body)); err != nil {
		return err
	}
	logger.Info("batchdriver: wrote %d results to %s", len(results), path)
	return nil
}
