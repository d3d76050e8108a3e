// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package timercleaner

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// The package-level functions mirror the Registry surface for code
// that is not plumbed for clock injection. They go through the
// installed default Registry when there is one and fall straight
// through to the wall clock otherwise, so importing this package never
// changes behaviour by itself. Installation is strictly opt-in.

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Install makes r the default Registry used by the package-level
// functions, replacing any previous one.
func Install(r *Registry) {
	defaultMu.Lock()
	defaultRegistry = r
	defaultMu.Unlock()
}

// Uninstall clears the default Registry. Package-level functions fall
// back to untracked wall clock timers.
func Uninstall() {
	Install(nil)
}

// Default returns the installed Registry, or nil.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

// After is Registry.After on the default Registry, or an untracked
// wall clock timer when none is installed.
func After(d time.Duration) <-chan time.Time {
	if r := Default(); r != nil {
		return r.After(d)
	}
	return clock.WallClock.After(d)
}

// AfterFunc is Registry.AfterFunc on the default Registry, untracked
// when none is installed.
func AfterFunc(d time.Duration, f func()) clock.Timer {
	if r := Default(); r != nil {
		return r.AfterFunc(d, f)
	}
	return clock.WallClock.AfterFunc(d, f)
}

// NewTimer is Registry.NewTimer on the default Registry, untracked
// when none is installed.
func NewTimer(d time.Duration) clock.Timer {
	if r := Default(); r != nil {
		return r.NewTimer(d)
	}
	return clock.WallClock.NewTimer(d)
}

// Every is Registry.Every on the default Registry. Without one the
// ticker still runs, on the wall clock, untracked.
func Every(d time.Duration, f func()) (cancel func()) {
	if r := Default(); r != nil {
		return r.Every(d, f)
	}
	stop := make(chan struct{})
	var once sync.Once
	go every(clock.WallClock, d, f, stop)
	return func() {
		once.Do(func() { close(stop) })
	}
}
