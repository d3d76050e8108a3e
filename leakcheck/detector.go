// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leakcheck

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/sexton/core/handle"
)

const defaultScanTimeout = 5 * time.Second

// DetectorConfig holds the dependencies and knobs for a Detector.
type DetectorConfig struct {
	// Sources are scanned in order on every capture. Defaults to the
	// procfs source plus the goroutine source.
	Sources []Source

	// Clock times out slow scans. Defaults to the wall clock.
	Clock clock.Clock

	// Timeout bounds a single source scan. A source that exceeds it is
	// reported as an error, not waited for.
	Timeout time.Duration
}

// Validate is part of the usual config contract.
func (c DetectorConfig) Validate() error {
	if c.Timeout < 0 {
		return errors.NotValidf("negative Timeout")
	}
	return nil
}

// Detector finds handles opened since a recorded baseline. It never
// judges absolute counts: a process legitimately holds descriptors at
// rest, and only growth relative to the baseline indicates a leak.
type Detector struct {
	sources []Source
	clock   clock.Clock
	timeout time.Duration

	mu       sync.Mutex
	baseline *handle.Snapshot
	owners   map[string]Source
	ignores  []func(handle.Handle) bool
	warned   map[string]bool
}

// NewDetector returns a Detector using the given config.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []Source{NewProcSource(), NewGoroutineSource()}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultScanTimeout
	}
	return &Detector{
		sources: cfg.Sources,
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		owners:  make(map[string]Source),
		warned:  make(map[string]bool),
	}, nil
}

// Ignore registers a predicate; handles it matches are excluded from
// leak reports. Predicates accumulate and apply to later scans only.
func (d *Detector) Ignore(pred func(handle.Handle) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignores = append(d.ignores, pred)
}

// CaptureBaseline records and returns the current handle population.
// Later calls to DetectLeaks report only handles that appeared after
// this point. Capturing again replaces the previous baseline.
func (d *Detector) CaptureBaseline(ctx context.Context) (handle.Snapshot, error) {
	snap, _, err := d.scan(ctx)
	if err != nil {
		return handle.Snapshot{}, errors.Trace(err)
	}
	d.mu.Lock()
	if d.baseline != nil {
		logger.Infof("replacing handle baseline of %d handles", len(d.baseline.Handles))
	}
	d.baseline = &snap
	d.mu.Unlock()
	logger.Debugf("handle baseline captured: %d handles", len(snap.Handles))
	return snap, nil
}

// Baseline returns the recorded baseline snapshot, or nil if none has
// been captured.
func (d *Detector) Baseline() *handle.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline
}

// Snapshot scans all sources and returns the current population
// without touching the baseline.
func (d *Detector) Snapshot(ctx context.Context) (handle.Snapshot, error) {
	snap, _, err := d.scan(ctx)
	return snap, errors.Trace(err)
}

// CheckResult describes one leak check: the baseline and current
// population sizes and the leaked handles between them.
type CheckResult struct {
	Baseline int
	Current  int
	Leaks    []handle.Handle
}

// Check performs a single scan and reports the baseline size, the
// current size and the leaks together, so callers building reports do
// not pay for two scans. It fails if no baseline has been captured.
func (d *Detector) Check(ctx context.Context) (CheckResult, error) {
	d.mu.Lock()
	baseline := d.baseline
	ignores := d.ignores
	d.mu.Unlock()
	if baseline == nil {
		return CheckResult{}, errors.NotValidf("leak detection without a baseline")
	}

	current, _, err := d.scan(ctx)
	if err != nil {
		return CheckResult{}, errors.Trace(err)
	}
	leaks := filterLeaks(handle.Diff(*baseline, current), ignores)
	if len(leaks) > 0 {
		logger.Debugf("detected %d leaked handles", len(leaks))
	}
	return CheckResult{
		Baseline: len(baseline.Handles),
		Current:  len(current.Handles),
		Leaks:    leaks,
	}, nil
}

// DetectLeaks scans the sources and returns the handles present now
// that were absent from the baseline, minus any the ignore predicates
// match. It fails if no baseline has been captured.
func (d *Detector) DetectLeaks(ctx context.Context) ([]handle.Handle, error) {
	res, err := d.Check(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return res.Leaks, nil
}

func filterLeaks(leaks []handle.Handle, ignores []func(handle.Handle) bool) []handle.Handle {
	filtered := leaks[:0]
outer:
	for _, h := range leaks {
		for _, pred := range ignores {
			if pred(h) {
				continue outer
			}
		}
		filtered = append(filtered, h)
	}
	return filtered
}

// WouldBlockExit reports whether any current leak is of a kind that
// keeps a process from exiting cleanly, such as a live listener, an
// armed timer, or a running goroutine.
func (d *Detector) WouldBlockExit(ctx context.Context) (bool, error) {
	leaks, err := d.DetectLeaks(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, h := range leaks {
		if h.Kind.BlocksExit() {
			return true, nil
		}
	}
	return false, nil
}

// CloseResult summarises a ForceCloseLeaked pass.
type CloseResult struct {
	Closed int
	Failed int
	Errors []error
}

// ForceCloseLeaked asks each leaked handle's source to close it, for
// the sources that support closing at all. Failures are collected, not
// fatal: one stubborn handle must not strand the rest.
func (d *Detector) ForceCloseLeaked(ctx context.Context) (CloseResult, error) {
	leaks, err := d.DetectLeaks(ctx)
	if err != nil {
		return CloseResult{}, errors.Trace(err)
	}
	d.mu.Lock()
	owners := make(map[string]Source, len(d.owners))
	for id, src := range d.owners {
		owners[id] = src
	}
	d.mu.Unlock()

	var result CloseResult
	for _, h := range leaks {
		closer, ok := owners[h.ID].(ForceCloser)
		if !ok {
			result.Failed++
			result.Errors = append(result.Errors,
				errors.NotSupportedf("closing %s handle %s", h.Kind, h.ID))
			continue
		}
		if err := closer.ForceClose(ctx, h); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, errors.Annotatef(err, "closing %s", h.ID))
			logger.Warningf("force close of %s failed: %v", h.ID, err)
			continue
		}
		result.Closed++
		logger.Debugf("force closed leaked handle %s", h.ID)
	}
	return result, nil
}

// scan collects handles from every source, bounding each scan with the
// detector timeout. A source error skips that source with a warning;
// the returned error is non-nil only when every source failed.
func (d *Detector) scan(ctx context.Context) (handle.Snapshot, map[string]Source, error) {
	snap := handle.Snapshot{Taken: d.clock.Now()}
	owners := make(map[string]Source)
	var failed int
	var firstErr error
	for _, src := range d.sources {
		handles, err := d.scanSource(ctx, src)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			// Warn the first time only; a source that cannot work on
			// this platform would otherwise flood every scan.
			d.mu.Lock()
			warned := d.warned[src.Name()]
			d.warned[src.Name()] = true
			d.mu.Unlock()
			if warned {
				logger.Debugf("handle source %q failed: %v", src.Name(), err)
			} else {
				logger.Warningf("handle source %q failed: %v", src.Name(), err)
			}
			continue
		}
		for _, h := range handles {
			owners[h.ID] = src
		}
		snap.Handles = append(snap.Handles, handles...)
	}
	if failed == len(d.sources) {
		return handle.Snapshot{}, nil, errors.Annotate(firstErr, "all handle sources failed")
	}
	d.mu.Lock()
	d.owners = owners
	d.mu.Unlock()
	return snap, owners, nil
}

type scanResult struct {
	handles []handle.Handle
	err     error
}

// scanSource runs one source scan, abandoning it if the timeout
// elapses first. An abandoned scan's goroutine finishes on its own and
// its result is discarded.
func (d *Detector) scanSource(ctx context.Context, src Source) ([]handle.Handle, error) {
	done := make(chan scanResult, 1)
	go func() {
		handles, err := src.Handles(ctx)
		done <- scanResult{handles: handles, err: err}
	}()
	select {
	case res := <-done:
		return res.handles, errors.Trace(res.err)
	case <-d.clock.After(d.timeout):
		return nil, errors.Timeoutf("scanning handle source %q", src.Name())
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}
