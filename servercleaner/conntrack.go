// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package servercleaner

import (
	"net"
	"net/http"
	"sync"
)

// connTracker counts connections through an http.Server's ConnState
// hook. Hijacked connections leave the server's control and are
// counted as gone.
type connTracker struct {
	mu     sync.Mutex
	opened int64
	live   map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{live: make(map[net.Conn]struct{})}
}

func (t *connTracker) track(conn net.Conn, state http.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case http.StateNew:
		t.opened++
		t.live[conn] = struct{}{}
	case http.StateClosed, http.StateHijacked:
		delete(t.live, conn)
	}
}

func (t *connTracker) counts() (opened int64, active int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened, len(t.live)
}
