// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package timercleaner tracks timers so that a run can prove none are
// left ticking. A Registry wraps a clock.Clock and implements
// clock.Clock itself, so handing it to a component as its clock is
// enough to have every timer that component schedules tracked.
// One-shot timers untrack themselves when they fire; recurring timers
// made with Every stay tracked until cancelled. ClearAll stops the lot,
// and the Registry doubles as a leak detection source so a forgotten
// timer shows up in a baseline diff alongside leaked sockets.
//
// Runtime-native timers (time.After and friends) are not observable
// from outside the runtime and cannot be tracked here. Interception is
// strictly by injection.
package timercleaner

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/sexton/cleaner"
	"github.com/juju/sexton/core/resource"
)

var logger = loggo.GetLogger("sexton.timercleaner")

// TimerKind says whether a tracked timer fires once or repeatedly.
type TimerKind string

const (
	// KindOnce is a one-shot timer. It untracks itself on firing.
	KindOnce TimerKind = "once"

	// KindRecurring is a repeating timer made with Every. It stays
	// tracked until its cancel function runs.
	KindRecurring TimerKind = "recurring"
)

func (k TimerKind) String() string {
	return string(k)
}

// RegistryConfig configures a Registry. Every field is optional.
type RegistryConfig struct {
	// Clock is the underlying clock the Registry delegates to.
	// Defaults to clock.WallClock.
	Clock clock.Clock

	// Cleaner, if set, has the Registry registered into it once at
	// construction as a single timer-kind descriptor whose cleanup is
	// ClearAll. A pass consumes that descriptor; re-register with
	// Descriptor if the Registry outlives the pass.
	Cleaner *cleaner.Cleaner

	// Name is the descriptor ID and leak source name. Defaults to
	// "timers"; set it when running more than one Registry against
	// the same Cleaner.
	Name string
}

// Registry tracks timers created through it. It implements clock.Clock
// over the configured underlying clock.
type Registry struct {
	clock clock.Clock
	name  string

	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*entry
}

var _ clock.Clock = (*Registry)(nil)

// New returns a Registry, registered with cfg.Cleaner when one is
// given.
func New(cfg RegistryConfig) (*Registry, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Name == "" {
		cfg.Name = "timers"
	}
	r := &Registry{
		clock:  cfg.Clock,
		name:   cfg.Name,
		timers: make(map[uint64]*entry),
	}
	if cfg.Cleaner != nil {
		if err := cfg.Cleaner.Register(r.Descriptor()); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return r, nil
}

// Descriptor returns the Registry's resource descriptor: a single
// timer-kind entry in the timer tier whose cleanup is ClearAll, so the
// orchestrator's timeout machinery also covers a stalled clear.
func (r *Registry) Descriptor() resource.Descriptor {
	return resource.Descriptor{
		ID:       r.name,
		Kind:     resource.KindTimer,
		Priority: resource.PriorityTimer,
		Cleanup:  r.ClearAll,
		Metadata: map[string]interface{}{"adapter": "timercleaner"},
	}
}

// Now is part of clock.Clock.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// After is part of clock.Clock. The returned channel receives once,
// after d; the timer behind it is tracked until it fires or the
// Registry clears it.
func (r *Registry) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	e := r.track(KindOnce, d)
	inner := r.clock.AfterFunc(d, func() {
		r.untrack(e.id)
		ch <- r.clock.Now()
	})
	e.setStop(inner.Stop)
	return ch
}

// AfterFunc is part of clock.Clock. f runs on the underlying clock's
// firing goroutine; the timer untracks itself just before f runs.
func (r *Registry) AfterFunc(d time.Duration, f func()) clock.Timer {
	e := r.track(KindOnce, d)
	inner := r.clock.AfterFunc(d, func() {
		r.untrack(e.id)
		f()
	})
	e.setStop(inner.Stop)
	return &funcTimer{Timer: inner, registry: r, entry: e}
}

// NewTimer is part of clock.Clock.
func (r *Registry) NewTimer(d time.Duration) clock.Timer {
	t := &trackedTimer{
		registry: r,
		ch:       make(chan time.Time, 1),
	}
	t.entry = r.track(KindOnce, d)
	t.inner = r.clock.AfterFunc(d, t.fire)
	t.entry.setStop(t.inner.Stop)
	return t
}

// Every runs f every d until the returned cancel function is called.
// The underlying ticker is tracked as a recurring timer; cancelling is
// idempotent. ClearAll cancels it too.
func (r *Registry) Every(d time.Duration, f func()) (cancel func()) {
	stop := make(chan struct{})
	e := r.track(KindRecurring, d)
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			close(stop)
			r.untrack(e.id)
		})
	}
	e.setStop(func() bool {
		cancel()
		return true
	})
	go every(r.clock, d, f, stop)
	return cancel
}

func every(clk clock.Clock, d time.Duration, f func(), stop <-chan struct{}) {
	for {
		select {
		case <-clk.After(d):
			// A tick racing a cancel loses: never fire after cancel.
			select {
			case <-stop:
				return
			default:
			}
			f()
		case <-stop:
			return
		}
	}
}

// Active returns the number of currently tracked timers.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// ClearAll stops every tracked timer, each by the cancel primitive
// matching its kind, and empties the tracking map. Timers already in
// flight to firing may still deliver; the map is authoritative, the
// underlying clock is not.
func (r *Registry) ClearAll(_ context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.timers))
	for _, e := range r.timers {
		entries = append(entries, e)
	}
	r.timers = make(map[uint64]*entry)
	r.mu.Unlock()

	stopped := 0
	for _, e := range entries {
		if e.cancel() {
			stopped++
		}
	}
	if len(entries) > 0 {
		logger.Debugf("cleared %s, %d stopped before firing",
			english.Plural(len(entries), "tracked timer", ""), stopped)
	}
	return nil
}

// TimerDetail describes one tracked timer for diagnostics.
type TimerDetail struct {
	ID          string
	Kind        TimerKind
	Delay       time.Duration
	Age         time.Duration
	ScheduledAt time.Time
	Stack       string
}

// Details returns a snapshot of the tracked timers, oldest first.
func (r *Registry) Details() []TimerDetail {
	now := r.clock.Now()
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.timers))
	for _, e := range r.timers {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	out := make([]TimerDetail, len(entries))
	for i, e := range entries {
		out[i] = TimerDetail{
			ID:          timerID(e.id),
			Kind:        e.kind,
			Delay:       e.delay,
			Age:         now.Sub(e.created),
			ScheduledAt: e.created,
			Stack:       e.stack,
		}
	}
	return out
}

// entry is the tracking record for one timer. id, kind and stack are
// immutable; delay and created are guarded by the Registry mutex, stop
// by the entry's own.
type entry struct {
	id      uint64
	kind    TimerKind
	delay   time.Duration
	created time.Time
	stack   string

	mu   sync.Mutex
	stop func() bool
}

func (e *entry) setStop(stop func() bool) {
	e.mu.Lock()
	e.stop = stop
	e.mu.Unlock()
}

func (e *entry) cancel() bool {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop == nil {
		return false
	}
	return stop()
}

func (r *Registry) track(kind TimerKind, delay time.Duration) *entry {
	e := &entry{
		kind:  kind,
		delay: delay,
		stack: callSite(3),
	}
	r.mu.Lock()
	r.nextID++
	e.id = r.nextID
	e.created = r.clock.Now()
	r.timers[e.id] = e
	r.mu.Unlock()
	return e
}

func (r *Registry) untrack(id uint64) {
	r.mu.Lock()
	delete(r.timers, id)
	r.mu.Unlock()
}

func (r *Registry) retrack(e *entry, delay time.Duration) {
	r.mu.Lock()
	e.delay = delay
	e.created = r.clock.Now()
	r.timers[e.id] = e
	r.mu.Unlock()
}

func timerID(id uint64) string {
	return fmt.Sprintf("timer:%d", id)
}

// callSite captures the schedule site, skipping this package's own
// frames so the first line is the caller that asked for the timer.
func callSite(skip int) string {
	pc := make([]uintptr, 16)
	n := runtime.Callers(skip, pc)
	frames := runtime.CallersFrames(pc[:n])
	var lines []string
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "github.com/juju/sexton/timercleaner.") {
			lines = append(lines, fmt.Sprintf("%s %s:%d",
				frame.Function, filepath.Base(frame.File), frame.Line))
		}
		if !more || len(lines) >= 5 {
			break
		}
	}
	return strings.Join(lines, "\n")
}
