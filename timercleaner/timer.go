// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package timercleaner

import (
	"time"

	"github.com/juju/clock"
)

// trackedTimer backs Registry.NewTimer. Firing and stopping untrack
// the entry; Reset retracks it, matching the underlying timer becoming
// live again.
type trackedTimer struct {
	registry *Registry
	entry    *entry
	inner    clock.Timer
	ch       chan time.Time
}

var _ clock.Timer = (*trackedTimer)(nil)

func (t *trackedTimer) fire() {
	t.registry.untrack(t.entry.id)
	select {
	case t.ch <- t.registry.clock.Now():
	default:
	}
}

// Chan is part of clock.Timer.
func (t *trackedTimer) Chan() <-chan time.Time {
	return t.ch
}

// Reset is part of clock.Timer.
func (t *trackedTimer) Reset(d time.Duration) bool {
	t.registry.retrack(t.entry, d)
	return t.inner.Reset(d)
}

// Stop is part of clock.Timer.
func (t *trackedTimer) Stop() bool {
	t.registry.untrack(t.entry.id)
	return t.inner.Stop()
}

// funcTimer backs Registry.AfterFunc, delegating to the underlying
// timer while keeping the tracking map in step.
type funcTimer struct {
	clock.Timer
	registry *Registry
	entry    *entry
}

// Reset is part of clock.Timer.
func (t *funcTimer) Reset(d time.Duration) bool {
	t.registry.retrack(t.entry, d)
	return t.Timer.Reset(d)
}

// Stop is part of clock.Timer.
func (t *funcTimer) Stop() bool {
	t.registry.untrack(t.entry.id)
	return t.Timer.Stop()
}
