// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package netproc is the platform-coupled underbelly of leak detection
// and port reclamation: socket tables, /proc descriptor scans, child
// process enumeration, and the dangerous business of evicting whatever
// owns a port we need back. Nothing here shells out; everything reads
// kernel interfaces directly. Platforms without those interfaces get
// NotSupported stubs.
package netproc

import (
	"time"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sexton.netproc")

// FDKind is the coarse category read off a descriptor's target.
type FDKind string

const (
	FDSocket FDKind = "socket"
	FDPipe   FDKind = "pipe"
	FDTimer  FDKind = "timer"
	FDFile   FDKind = "file"
	FDAnon   FDKind = "anon"
)

// FD describes one open descriptor of a process.
type FD struct {
	// Num is the descriptor number.
	Num int

	// Target is the readlink target, e.g. "socket:[48817]" or a path.
	Target string

	// Kind is derived from Target.
	Kind FDKind

	// Inode is the socket inode for FDSocket entries, zero otherwise.
	Inode uint64
}

// SockInfo describes one socket from the kernel's diagnostic tables.
type SockInfo struct {
	Inode     uint64
	Port      int
	Listening bool
}

// ReclaimArgs bundles the knobs for ReclaimPort. Clock is mandatory so
// the grace wait is testable; Grace bounds the SIGTERM courtesy window
// before escalation.
type ReclaimArgs struct {
	Port  int
	Grace time.Duration
	Clock Waiter
}

// Waiter is the one sliver of clock.Clock reclamation needs.
type Waiter interface {
	After(time.Duration) <-chan time.Time
}
