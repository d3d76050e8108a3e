// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resource defines the descriptor model shared by the cleanup
// orchestrator and its adapters: what a registered resource is, how its
// teardown went, and what an orchestration pass reports.
package resource

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// Kind identifies the category of a registered resource. The category
// determines which adapter produced the descriptor and which default
// teardown tier it belongs to.
type Kind string

const (
	// KindDatabase is a database connection or connection pool.
	KindDatabase Kind = "database"

	// KindServer is a listening server together with its accepted
	// connections.
	KindServer Kind = "server"

	// KindTimer is a scheduled timer, or a registry of timers cleaned
	// as one unit.
	KindTimer Kind = "timer"

	// KindSocket is a non-listening socket or client connection.
	KindSocket Kind = "socket"

	// KindProcess is a child process.
	KindProcess Kind = "process"

	// KindCustom is anything the caller manages with its own callbacks.
	KindCustom Kind = "custom"
)

// String is trivial, but makes Kind satisfy fmt.Stringer for log output.
func (k Kind) String() string {
	return string(k)
}

// Validate returns an error satisfying errors.NotValid if the kind is
// not a recognised category.
func (k Kind) Validate() error {
	switch k {
	case KindDatabase, KindServer, KindTimer, KindSocket, KindProcess, KindCustom:
		return nil
	}
	return errors.NotValidf("resource kind %q", k)
}

// Teardown tiers. Lower priorities are cleaned earlier. Databases go
// first: teardown of later categories may still touch the database, for
// example an in-flight request handler inside a server being drained.
// The gaps leave room for bespoke tiers between ours.
const (
	PriorityDatabase = 10
	PriorityServer   = 20
	PriorityTimer    = 30
	PriorityDefault  = 50
)

// Descriptor pairs a resource's identity with its teardown callbacks
// and scheduling metadata. Descriptors are built by adapters at
// acquisition time and consumed exactly once by an orchestration pass.
type Descriptor struct {
	// ID uniquely identifies the resource among currently registered
	// descriptors. Registering a duplicate ID is an error.
	ID string

	// Kind is the resource category.
	Kind Kind

	// Priority selects the teardown tier. Lower values are cleaned
	// earlier; descriptors sharing a priority are cleaned concurrently
	// with no relative ordering.
	Priority int

	// Timeout bounds the graceful cleanup phase. Zero means the
	// orchestrator's configured default applies.
	Timeout time.Duration

	// Cleanup releases the resource gracefully. It must respect the
	// supplied context's deadline on a best-effort basis; the
	// orchestrator races it against the deadline regardless.
	Cleanup func(ctx context.Context) error

	// ForceCleanup, if non-nil, is the destructive fallback invoked
	// when the graceful path fails or times out.
	ForceCleanup func(ctx context.Context) error

	// Metadata carries free-form diagnostic annotations. The
	// orchestrator never interprets it.
	Metadata map[string]interface{}

	// RegisteredAt is stamped by the registry when the descriptor is
	// accepted. Callers leave it zero.
	RegisteredAt time.Time
}

// Validate returns an error satisfying errors.NotValid unless the
// descriptor carries the minimum required for teardown.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.NotValidf("descriptor with empty ID")
	}
	if d.Cleanup == nil {
		return errors.NotValidf("descriptor %q without cleanup", d.ID)
	}
	if d.Priority < 0 {
		return errors.NotValidf("descriptor %q with negative priority", d.ID)
	}
	if d.Kind != "" {
		if err := d.Kind.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
