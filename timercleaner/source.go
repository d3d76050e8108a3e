// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package timercleaner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/juju/sexton/core/handle"
	"github.com/juju/sexton/leakcheck"
)

var (
	_ leakcheck.Source      = (*Registry)(nil)
	_ leakcheck.ForceCloser = (*Registry)(nil)
)

// Name is part of leakcheck.Source.
func (r *Registry) Name() string {
	return r.name
}

// Handles is part of leakcheck.Source. Every live tracked timer is one
// timer-kind handle carrying its schedule site, so timers join the
// baseline diff the same way sockets and descriptors do. Runtime-native
// timers never appear here; only injection makes a timer visible.
func (r *Registry) Handles(_ context.Context) ([]handle.Handle, error) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.timers))
	for _, e := range r.timers {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	out := make([]handle.Handle, len(entries))
	for i, e := range entries {
		out[i] = handle.Handle{
			Kind: handle.KindTimer,
			ID:   timerID(e.id),
			Description: fmt.Sprintf("%s timer, delay %v, scheduled %s",
				e.kind, e.delay, e.created.Format(time.RFC3339)),
			Stack: e.stack,
		}
	}
	return out, nil
}

// ForceClose is part of leakcheck.ForceCloser. It cancels the tracked
// timer behind the handle; a timer that already fired or was cleared
// is not an error.
func (r *Registry) ForceClose(_ context.Context, h handle.Handle) error {
	rest, ok := strings.CutPrefix(h.ID, "timer:")
	if !ok {
		return errors.NotValidf("timer handle ID %q", h.ID)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return errors.NotValidf("timer handle ID %q", h.ID)
	}

	r.mu.Lock()
	e, found := r.timers[id]
	delete(r.timers, id)
	r.mu.Unlock()
	if !found {
		return nil
	}
	e.cancel()
	return nil
}
