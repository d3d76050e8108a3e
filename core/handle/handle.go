// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package handle models the OS- and runtime-visible live objects that
// can keep a bounded run from winding down: sockets, listeners, timers,
// file descriptors, child processes, goroutines. Leak detection is a
// diff between two Snapshots of these.
package handle

import (
	"sort"
	"time"

	"github.com/juju/collections/set"
)

// Kind categorises a handle.
type Kind string

const (
	KindSocket    Kind = "socket"
	KindListener  Kind = "listener"
	KindTimer     Kind = "timer"
	KindFile      Kind = "file"
	KindPipe      Kind = "pipe"
	KindProcess   Kind = "process"
	KindGoroutine Kind = "goroutine"
	KindOther     Kind = "other"
)

// BlocksExit reports whether a surviving handle of this kind is known
// to keep the run alive: accept loops on listeners, recurring timers,
// and stuck goroutines all prevent a clean wind-down, where a plain
// open file does not.
func (k Kind) BlocksExit() bool {
	switch k {
	case KindListener, KindTimer, KindGoroutine:
		return true
	}
	return false
}

// Handle is one live object in a snapshot.
type Handle struct {
	// Kind is the handle category.
	Kind Kind

	// ID is stable for the lifetime of the underlying object and
	// unique within a snapshot, e.g. "fd:17" or "goroutine:42".
	ID string

	// Description says what the handle is in human terms: a socket
	// address, a file path, a goroutine state.
	Description string

	// Stack optionally holds the creation stack (for tracked handles)
	// or current stack (for goroutines), truncated by the source.
	Stack string
}

// Snapshot is a categorised inventory of live handles at one instant.
// The scan behind it reads process-wide state that changes concurrently,
// so snapshots are eventually consistent, never atomic.
type Snapshot struct {
	Taken   time.Time
	Handles []Handle
}

// Counts tallies handles by kind.
func (s Snapshot) Counts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, h := range s.Handles {
		counts[h.Kind]++
	}
	return counts
}

// IDs returns the set of handle IDs in the snapshot.
func (s Snapshot) IDs() set.Strings {
	ids := set.NewStrings()
	for _, h := range s.Handles {
		ids.Add(h.ID)
	}
	return ids
}

// Get returns the handle with the given ID, if present.
func (s Snapshot) Get(id string) (Handle, bool) {
	for _, h := range s.Handles {
		if h.ID == id {
			return h, true
		}
	}
	return Handle{}, false
}

// Diff returns the handles present in current but absent from baseline,
// sorted by ID for stable reporting. Handles the host process holds
// permanently appear in every baseline and so never surface here.
func Diff(baseline, current Snapshot) []Handle {
	known := baseline.IDs()
	var leaked []Handle
	for _, h := range current.Handles {
		if !known.Contains(h.ID) {
			leaked = append(leaked, h)
		}
	}
	sort.Slice(leaked, func(i, j int) bool { return leaked[i].ID < leaked[j].ID })
	return leaked
}
