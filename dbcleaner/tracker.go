// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dbcleaner adapts database connections to the cleanup
// orchestrator. A Tracker accepts any connection object exposing a
// recognisable closing surface, registers it in the database tier
// (cleaned first, because teardown of later tiers may still touch the
// database), and keeps enough bookkeeping to close everything in one
// sweep or answer diagnostic queries.
package dbcleaner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/rs/xid"

	"github.com/juju/sexton/cleaner"
	"github.com/juju/sexton/core/resource"
)

var logger = loggo.GetLogger("sexton.dbcleaner")

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Cleaner receives a database-tier descriptor per tracked
	// connection.
	Cleaner *cleaner.Cleaner

	// Clock stamps registration times. Defaults to clock.WallClock.
	Clock clock.Clock
}

// Validate returns an error satisfying errors.NotValid if the config
// cannot back a Tracker.
func (cfg TrackerConfig) Validate() error {
	if cfg.Cleaner == nil {
		return errors.NotValidf("nil Cleaner")
	}
	return nil
}

// Tracker tracks database connections and their teardown callbacks.
type Tracker struct {
	cleaner *cleaner.Cleaner
	clock   clock.Clock

	mu    sync.Mutex
	conns map[string]*tracked
}

type tracked struct {
	id         string
	name       string
	kind       string
	registered time.Time
	graceful   func(context.Context) error
	destroy    func(context.Context) error
}

// New returns a Tracker bound to the configured Cleaner.
func New(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Tracker{
		cleaner: cfg.Cleaner,
		clock:   cfg.Clock,
		conns:   make(map[string]*tracked),
	}, nil
}

// RegisterConnection starts tracking conn under name, registering a
// database-tier descriptor with the Cleaner. An empty name gets a
// generated one. kind is a free-form label used only for stats and
// logs. Objects exposing none of the recognised closing surfaces are
// rejected with an error satisfying errors.NotSupported.
//
// Once registered, the connection belongs to the Tracker: callers must
// not also close it directly, or teardown races a double close.
func (t *Tracker) RegisterConnection(name string, conn interface{}, kind string, meta map[string]interface{}) error {
	if conn == nil {
		return errors.NotValidf("nil connection")
	}
	if name == "" {
		name = "db-" + xid.New().String()
	}
	if kind == "" {
		kind = "unknown"
	}
	graceful, ok := closeSurface(conn)
	if !ok {
		return errors.NotSupportedf("connection %q of type %T", name, conn)
	}
	destroy, _ := destroySurface(conn)

	e := &tracked{
		id:       "db:" + name,
		name:     name,
		kind:     kind,
		graceful: graceful,
		destroy:  destroy,
	}
	t.mu.Lock()
	if _, exists := t.conns[e.id]; exists {
		t.mu.Unlock()
		return errors.AlreadyExistsf("connection %q", name)
	}
	e.registered = t.clock.Now()
	t.conns[e.id] = e
	t.mu.Unlock()

	err := t.cleaner.Register(resource.Descriptor{
		ID:           e.id,
		Kind:         resource.KindDatabase,
		Priority:     resource.PriorityDatabase,
		Cleanup:      t.cleanupFunc(e),
		ForceCleanup: t.forceFunc(e),
		Metadata:     meta,
	})
	if err != nil {
		t.remove(e.id)
		return errors.Trace(err)
	}
	logger.Debugf("tracking %s connection %q", kind, name)
	return nil
}

// cleanupFunc is the graceful teardown: the preferred closing surface,
// with a destructive rescue attempt before any failure is surfaced.
func (t *Tracker) cleanupFunc(e *tracked) func(context.Context) error {
	return func(ctx context.Context) error {
		defer t.remove(e.id)
		err := e.graceful(ctx)
		if err == nil {
			return nil
		}
		if e.destroy != nil {
			logger.Debugf("graceful close of %q failed (%v); destroying", e.name, err)
			if derr := e.destroy(ctx); derr == nil {
				return nil
			}
		}
		return classifyClose(err)
	}
}

// forceFunc is the forced teardown: straight to the destructive
// surface, or the closing surface again when there is none.
func (t *Tracker) forceFunc(e *tracked) func(context.Context) error {
	return func(ctx context.Context) error {
		defer t.remove(e.id)
		if e.destroy != nil {
			return errors.Trace(e.destroy(ctx))
		}
		return errors.Trace(e.graceful(ctx))
	}
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

// CloseAll closes every tracked connection concurrently. Each close
// runs to completion regardless of the others' outcomes; the first
// failure is returned, annotated with how many failed in total. Closed
// entries are unregistered from the Cleaner so a later pass cannot
// tear them down again.
func (t *Tracker) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	entries := make([]*tracked, 0, len(t.conns))
	for _, e := range t.conns {
		entries = append(entries, e)
	}
	t.conns = make(map[string]*tracked)
	t.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *tracked) {
			defer wg.Done()
			t.cleaner.Unregister(e.id)
			err := e.graceful(ctx)
			if err != nil && e.destroy != nil {
				if derr := e.destroy(ctx); derr == nil {
					err = nil
				}
			}
			if err != nil {
				mu.Lock()
				failed = append(failed, errors.Annotatef(classifyClose(err), "closing %q", e.name))
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	logger.Debugf("closed %s, %d failed",
		english.Plural(len(entries), "tracked connection", ""), len(failed))
	if len(failed) > 0 {
		return errors.Annotatef(failed[0], "%d of %d connections failed to close",
			len(failed), len(entries))
	}
	return nil
}

// Stats summarises the tracked connections for diagnostics.
type Stats struct {
	Total      int
	ByKind     map[string]int
	OldestName string
	OldestAge  time.Duration
}

// String renders the stats in log-friendly form.
func (s Stats) String() string {
	if s.Total == 0 {
		return "no tracked connections"
	}
	kinds := make([]string, 0, len(s.ByKind))
	for kind := range s.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, kind := range kinds {
		parts[i] = fmt.Sprintf("%s: %d", kind, s.ByKind[kind])
	}
	return fmt.Sprintf("%s (%s), oldest %q open %v",
		english.Plural(s.Total, "tracked connection", ""),
		strings.Join(parts, ", "), s.OldestName, s.OldestAge)
}

// Stats returns a snapshot of connection counts by kind and the age of
// the oldest tracked connection.
func (t *Tracker) Stats() Stats {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		Total:  len(t.conns),
		ByKind: make(map[string]int),
	}
	var oldest time.Time
	for _, e := range t.conns {
		stats.ByKind[e.kind]++
		if oldest.IsZero() || e.registered.Before(oldest) {
			oldest = e.registered
			stats.OldestName = e.name
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}
	return stats
}
