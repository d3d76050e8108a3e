// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"

	"github.com/juju/sexton/core/resource"
)

// errDeadlineElapsed marks the orchestrator's own race deadline
// firing, as opposed to a timeout error the callback returned itself.
const errDeadlineElapsed = errors.ConstError("cleanup deadline elapsed")

// Cleanup runs one teardown pass over everything currently registered.
//
// The registry is drained atomically first: descriptors registered
// while the pass runs wait for the next pass, and an attempted
// descriptor can never be attempted again. Tiers then run in ascending
// priority order; a tier's descriptors run concurrently and the next
// tier does not start until every one of them, forced fallback
// included, has reached a terminal outcome.
//
// The returned report always covers every drained descriptor. The
// error is non-nil only for strict mode (failures or leaks present) or
// a cancelled context.
func (c *Cleaner) Cleanup(ctx context.Context) (*resource.Report, error) {
	c.mu.Lock()
	cfg := c.config
	drained := sortDescriptors(c.resources)
	c.resources = make(map[string]resource.Descriptor)
	c.mu.Unlock()

	report := &resource.Report{
		Started: c.clock.Now(),
		Total:   len(drained),
	}
	logger.Debugf("cleanup pass starting over %d resources", len(drained))
	c.publish(TopicPassStarted, PassStarted{
		Resources: len(drained),
		Started:   report.Started,
	})

	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}

	var mu sync.Mutex
	warn := func(format string, args ...interface{}) {
		w := fmt.Sprintf(format, args...)
		logger.Warningf("%s", w)
		mu.Lock()
		report.Warnings = append(report.Warnings, w)
		mu.Unlock()
	}

	for _, tier := range tiers(drained) {
		var wg sync.WaitGroup
		for _, d := range tier {
			d := d
			wg.Add(1)
			go func() {
				defer wg.Done()
				attempt := c.teardown(ctx, cfg, d, sem, warn)
				mu.Lock()
				report.Attempts = append(report.Attempts, attempt)
				mu.Unlock()
				c.publish(TopicResourceDone, ResourceDone{
					ResourceID: attempt.ResourceID,
					Kind:       attempt.Kind,
					Outcome:    attempt.Outcome,
					Duration:   attempt.Duration(),
					Error:      errorString(attempt.Error),
				})
			}()
		}
		// The whole tier reaches terminal state before the next one
		// starts. This is the ordering contract adapters rely on.
		wg.Wait()
	}

	report.Tally()
	if cfg.HandleDetection && c.detector != nil {
		c.checkHandles(ctx, cfg, report, warn)
	}
	report.Finished = c.clock.Now()

	leaks := 0
	if report.HandleCheck != nil {
		leaks = len(report.HandleCheck.Leaks)
	}
	c.publish(TopicPassCompleted, PassCompleted{
		Total:    report.Total,
		Cleaned:  report.Cleaned,
		Forced:   report.Forced,
		Failed:   report.Failed,
		Leaks:    leaks,
		Duration: report.Duration(),
	})
	logger.Infof("%s", report.Summary())

	if err := ctx.Err(); err != nil {
		return report, errors.Trace(err)
	}
	if cfg.Strict && (report.Failed > 0 || report.Leaked()) {
		return report, errors.Errorf("strict cleanup failed: %s", report.Summary())
	}
	return report, nil
}

// tiers splits descriptors already sorted by priority into runs of
// equal priority.
func tiers(ds []resource.Descriptor) [][]resource.Descriptor {
	var out [][]resource.Descriptor
	for i := 0; i < len(ds); {
		j := i
		for j < len(ds) && ds[j].Priority == ds[i].Priority {
			j++
		}
		out = append(out, ds[i:j])
		i = j
	}
	return out
}

// teardown takes one descriptor to a terminal outcome. It never
// returns a bare error: whatever happens is folded into the attempt so
// the pass can carry on with its neighbours.
func (c *Cleaner) teardown(
	ctx context.Context,
	cfg Config,
	d resource.Descriptor,
	sem *semaphore.Weighted,
	warn func(string, ...interface{}),
) resource.Attempt {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			now := c.clock.Now()
			return resource.Attempt{
				ResourceID: d.ID,
				Kind:       d.Kind,
				Started:    now,
				Finished:   now,
				Outcome:    resource.OutcomeError,
				Error:      resource.NewOpError(d.ID, d.Kind, err),
			}
		}
		defer sem.Release(1)
	}

	attempt := resource.Attempt{
		ResourceID: d.ID,
		Kind:       d.Kind,
		Started:    c.clock.Now(),
	}
	strategy := cfg.StrategyFor(d.Kind)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = cfg.GracefulTimeout
	}

	var gracefulErr error
	runGraceful := strategy != StrategyForce || d.ForceCleanup == nil
	if runGraceful {
		gracefulErr = c.graceful(ctx, cfg, d, timeout, &attempt.Tries, warn)
	}

	switch {
	case runGraceful && gracefulErr == nil:
		attempt.Outcome = resource.OutcomeSuccess
	case strategy == StrategyGraceful || d.ForceCleanup == nil:
		attempt.Outcome = outcomeFor(gracefulErr)
		attempt.Error = resource.NewOpError(d.ID, d.Kind, gracefulErr)
	default:
		if gracefulErr != nil {
			logger.Debugf("escalating %q to forced cleanup: %v", d.ID, gracefulErr)
		}
		label := fmt.Sprintf("forced cleanup of %q", d.ID)
		forceErr := c.race(ctx, label, d.ForceCleanup, cfg.ForceTimeout, warn)
		if forceErr == nil {
			attempt.Outcome = resource.OutcomeForced
		} else {
			attempt.Outcome = resource.OutcomeForcedError
			attempt.Error = resource.NewOpError(d.ID, d.Kind, forceErr)
		}
	}
	attempt.Finished = c.clock.Now()
	return attempt
}

// graceful runs the graceful callback with bounded retries. The
// per-attempt timeout and the overall MaxResourceTime deadline are
// independent: retries can never stretch one resource's teardown past
// the overall cap.
func (c *Cleaner) graceful(
	ctx context.Context,
	cfg Config,
	d resource.Descriptor,
	timeout time.Duration,
	tries *int,
	warn func(string, ...interface{}),
) error {
	label := fmt.Sprintf("cleanup of %q", d.ID)
	args := retry.CallArgs{
		Func: func() error {
			*tries++
			return c.race(ctx, label, d.Cleanup, timeout, warn)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s attempt %d failed: %v", label, attempt, err)
		},
		Attempts:    cfg.MaxRetries + 1,
		Delay:       cfg.RetryDelay,
		MaxDuration: cfg.MaxResourceTime,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	}
	if cfg.RetryBackoff > 1 {
		args.BackoffFunc = retry.ExpBackoff(cfg.RetryDelay, cfg.MaxRetryDelay, cfg.RetryBackoff, true)
	}

	err := retry.Call(args)
	if err == nil {
		return nil
	}
	// Strip the retry wrapper so the report carries the cleanup error
	// itself rather than "attempt count exceeded".
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			return errors.Trace(last)
		}
	}
	return errors.Trace(err)
}

// race invokes the callback and waits for it or the deadline,
// whichever settles first. The callback cannot be cancelled when the
// deadline fires; its goroutine is abandoned with a warning and the
// buffered channel lets it finish whenever it does.
func (c *Cleaner) race(
	ctx context.Context,
	label string,
	f func(context.Context) error,
	timeout time.Duration,
	warn func(string, ...interface{}),
) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("%s panicked: %v", label, r)
			}
		}()
		done <- f(ctx)
	}()
	select {
	case err := <-done:
		return errors.Trace(err)
	case <-c.clock.After(timeout):
		warn("%s abandoned after %v; its goroutine may still be running", label, timeout)
		return errors.WithType(errors.Timeoutf("%s after %v", label, timeout), errDeadlineElapsed)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// checkHandles fills in the report's leak section from the detector.
// Detection problems degrade to warnings; a broken scan must not turn
// a successful pass into a failed one.
func (c *Cleaner) checkHandles(
	ctx context.Context,
	cfg Config,
	report *resource.Report,
	warn func(string, ...interface{}),
) {
	if cfg.DetectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DetectionTimeout)
		defer cancel()
	}
	res, err := c.detector.Check(ctx)
	if err != nil {
		warn("handle detection failed: %v", err)
		return
	}
	report.HandleCheck = &resource.HandleCheck{
		Before: res.Baseline,
		After:  res.Current,
		Leaks:  res.Leaks,
	}
}

func outcomeFor(err error) resource.Outcome {
	if errors.Is(err, errDeadlineElapsed) {
		return resource.OutcomeTimeout
	}
	return resource.OutcomeError
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
