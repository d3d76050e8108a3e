// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package leakcheck detects handles that outlive the work that created
// them. A Detector owns a set of Sources, captures a baseline inventory
// before resource-heavy work starts, and afterwards reports every
// handle that appeared since. Diffing against the baseline is the load
// bearing idea: the host process permanently holds handles (stdio,
// signal plumbing, runtime goroutines) that must never be flagged, and
// only the delta is meaningful.
package leakcheck

import (
	"context"

	"github.com/juju/loggo/v2"

	"github.com/juju/sexton/core/handle"
)

var logger = loggo.GetLogger("sexton.leakcheck")

// Source enumerates live handles of one category family. Scans are
// best-effort reads of shared mutable state; sources must tolerate
// handles vanishing mid-scan.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Handles returns the currently live handles this source can see.
	Handles(ctx context.Context) ([]handle.Handle, error)
}

// ForceCloser is implemented by sources that can destroy a handle they
// reported: close a descriptor, cancel a timer. Goroutines famously
// cannot be killed, so the goroutine source does not implement this.
type ForceCloser interface {
	// ForceClose destructively releases the handle. Implementations
	// must verify the handle still refers to the object they reported
	// before acting, to avoid destroying a reused identity.
	ForceClose(ctx context.Context, h handle.Handle) error
}
