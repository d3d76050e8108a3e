// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package servercleaner adapts listening servers to the cleanup
// orchestrator. A Manager binds listeners (probing for a free port
// when asked), runs each server's accept loop, and registers a
// server-tier descriptor whose graceful path stops accepting and
// drains in-flight connections and whose forced path destroys them.
// Stopping confirms the port actually came free again, because the
// whole point of managed teardown is that the next run can bind the
// same port.
package servercleaner

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"
	"github.com/juju/retry"

	"github.com/juju/sexton/cleaner"
	"github.com/juju/sexton/core/resource"
	"github.com/juju/sexton/internal/netproc"
)

var logger = loggo.GetLogger("sexton.servercleaner")

// Server is the capability the Manager needs from a server: an accept
// loop, a draining stop, and a destructive stop. *http.Server
// satisfies it as is.
type Server interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
	Close() error
}

var _ Server = (*http.Server)(nil)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Cleaner receives a server-tier descriptor per started server.
	Cleaner *cleaner.Cleaner

	// Clock times stops, release polls and uptime. Defaults to
	// clock.WallClock.
	Clock clock.Clock

	// Host is the bind host. Defaults to "localhost".
	Host string

	// BasePort is the first candidate when probing for a free port.
	// Defaults to 8080.
	BasePort int

	// MaxProbes bounds how many ascending candidates are tried.
	// Defaults to 100.
	MaxProbes int

	// StopTimeout bounds the graceful phase of StopServer before it
	// falls back to closing connections. Defaults to 5s.
	StopTimeout time.Duration

	// ReleaseAttempts and ReleaseDelay shape the port-release poll
	// after a stop. Defaults: 10 attempts, 50ms apart.
	ReleaseAttempts int
	ReleaseDelay    time.Duration

	// ProbeMutex, when set, serialises port probing across processes
	// sharing the same mutex name.
	ProbeMutex *mutex.Spec

	// EnableReclaim permits the last-resort eviction of whatever
	// process still holds a port after a forced stop. Dangerous: the
	// holder may be an unrelated process that raced us to the port.
	EnableReclaim bool

	// ReclaimGrace is the SIGTERM courtesy window during reclaim.
	// Defaults to 2s.
	ReclaimGrace time.Duration
}

// Validate returns an error satisfying errors.NotValid if the config
// cannot back a Manager.
func (cfg ManagerConfig) Validate() error {
	if cfg.Cleaner == nil {
		return errors.NotValidf("nil Cleaner")
	}
	if cfg.BasePort < 0 || cfg.BasePort > 65535 {
		return errors.NotValidf("base port %d", cfg.BasePort)
	}
	if cfg.MaxProbes < 0 {
		return errors.NotValidf("negative MaxProbes")
	}
	return nil
}

// Manager starts, tracks and stops servers.
type Manager struct {
	cfg   ManagerConfig
	clock clock.Clock

	// acquireMutex is swapped out in tests.
	acquireMutex func(mutex.Spec) (func(), error)

	mu      sync.Mutex
	servers map[string]*managed
}

type managed struct {
	id       string
	name     string
	srv      Server
	listener net.Listener
	addr     string
	port     int
	started  time.Time
	tracker  *connTracker

	serveDone chan struct{}
	serveErr  error
}

// New returns a Manager bound to the configured Cleaner.
func New(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = 8080
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 100
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.ReleaseAttempts == 0 {
		cfg.ReleaseAttempts = 10
	}
	if cfg.ReleaseDelay == 0 {
		cfg.ReleaseDelay = 50 * time.Millisecond
	}
	if cfg.ReclaimGrace == 0 {
		cfg.ReclaimGrace = 2 * time.Second
	}
	return &Manager{
		cfg:          cfg,
		clock:        cfg.Clock,
		acquireMutex: acquireMutex,
		servers:      make(map[string]*managed),
	}, nil
}

func acquireMutex(spec mutex.Spec) (func(), error) {
	releaser, err := mutex.Acquire(spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return releaser.Release, nil
}

// StartServer binds a listener for srv and starts its accept loop on a
// fresh goroutine. A zero port means probe ascending candidates from
// BasePort for a free one. The bound address is returned. A descriptor
// in the server tier is registered with the Cleaner: graceful teardown
// is Shutdown, forced teardown is Close.
func (m *Manager) StartServer(name string, srv Server, port int) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty server name")
	}
	if srv == nil {
		return "", errors.NotValidf("nil server")
	}
	m.mu.Lock()
	_, exists := m.servers[name]
	m.mu.Unlock()
	if exists {
		return "", errors.AlreadyExistsf("server %q", name)
	}

	listener, err := m.bind(port)
	if err != nil {
		return "", errors.Trace(err)
	}

	e := &managed{
		id:        "server:" + name,
		name:      name,
		srv:       srv,
		listener:  listener,
		addr:      listener.Addr().String(),
		port:      listener.Addr().(*net.TCPAddr).Port,
		started:   m.clock.Now(),
		serveDone: make(chan struct{}),
	}
	if hs, ok := srv.(*http.Server); ok && hs.ConnState == nil {
		e.tracker = newConnTracker()
		hs.ConnState = e.tracker.track
	}

	m.mu.Lock()
	if _, raced := m.servers[name]; raced {
		m.mu.Unlock()
		listener.Close()
		return "", errors.AlreadyExistsf("server %q", name)
	}
	m.servers[name] = e
	m.mu.Unlock()

	err = m.cfg.Cleaner.Register(resource.Descriptor{
		ID:           e.id,
		Kind:         resource.KindServer,
		Priority:     resource.PriorityServer,
		Cleanup:      m.cleanupFunc(e),
		ForceCleanup: m.forceFunc(e),
		Metadata:     map[string]interface{}{"addr": e.addr},
	})
	if err != nil {
		m.remove(name)
		listener.Close()
		return "", errors.Trace(err)
	}

	go e.serve()
	logger.Debugf("server %q listening on %s", name, e.addr)
	return e.addr, nil
}

func (e *managed) serve() {
	defer close(e.serveDone)
	err := e.srv.Serve(e.listener)
	switch {
	case err == nil,
		errors.Is(err, http.ErrServerClosed),
		errors.Is(err, net.ErrClosed):
	default:
		e.serveErr = err
		logger.Warningf("server %q exited: %v", e.name, err)
	}
}

// bind returns a listener on the requested port, or probes for a free
// one when the requested port is zero. Probing binds and immediately
// releases each candidate, then binds the winner for real; losing that
// race surfaces as a resource-busy error.
func (m *Manager) bind(port int) (net.Listener, error) {
	if port != 0 {
		l, err := net.Listen("tcp", m.hostPort(port))
		if err != nil {
			return nil, errors.Annotatef(resource.Classify(err), "binding port %d", port)
		}
		return l, nil
	}

	if m.cfg.ProbeMutex != nil {
		release, err := m.acquireMutex(*m.cfg.ProbeMutex)
		if err != nil {
			return nil, errors.Annotate(err, "acquiring probe mutex")
		}
		defer release()
	}

	base := m.cfg.BasePort
	for candidate := base; candidate < base+m.cfg.MaxProbes; candidate++ {
		probe, err := net.Listen("tcp", m.hostPort(candidate))
		if err != nil {
			continue
		}
		probe.Close()
		l, err := net.Listen("tcp", m.hostPort(candidate))
		if err != nil {
			return nil, errors.Annotatef(busy(err),
				"port %d taken between probe and bind", candidate)
		}
		logger.Tracef("probed %d candidates, bound %d", candidate-base+1, candidate)
		return l, nil
	}
	return nil, errors.Annotatef(resource.ErrResourceBusy,
		"no free port between %d and %d", base, base+m.cfg.MaxProbes-1)
}

func (m *Manager) hostPort(port int) string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
}

// busy guarantees the resource-busy classification on a bind failure,
// whatever errno the stack produced.
func busy(err error) error {
	classified := resource.Classify(err)
	if errors.Is(classified, resource.ErrResourceBusy) {
		return classified
	}
	return errors.WithType(err, resource.ErrResourceBusy)
}

// cleanupFunc is the descriptor's graceful teardown: stop accepting,
// drain in-flight connections.
func (m *Manager) cleanupFunc(e *managed) func(context.Context) error {
	return func(ctx context.Context) error {
		defer m.remove(e.name)
		if err := e.srv.Shutdown(ctx); err != nil {
			return resource.Classify(err)
		}
		return nil
	}
}

// forceFunc is the descriptor's forced teardown: destroy open
// connections and close.
func (m *Manager) forceFunc(e *managed) func(context.Context) error {
	return func(context.Context) error {
		defer m.remove(e.name)
		return errors.Trace(e.srv.Close())
	}
}

func (m *Manager) remove(name string) {
	m.mu.Lock()
	delete(m.servers, name)
	m.mu.Unlock()
}

// StopServer stops the named server: graceful first, forced on
// failure or timeout, then a bounded poll confirming the port was
// actually released. If the port stays bound and reclaim is enabled,
// whatever process holds it is evicted and the port re-verified.
// Unknown names return an error satisfying errors.NotFound.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return errors.NotFoundf("server %q", name)
	}
	m.cfg.Cleaner.Unregister(e.id)
	defer m.remove(name)

	if gerr := m.shutdown(ctx, e); gerr != nil {
		logger.Warningf("graceful stop of %q failed (%v); closing connections", name, gerr)
		if cerr := e.srv.Close(); cerr != nil {
			logger.Warningf("forced close of %q failed: %v", name, cerr)
		}
	}

	err := m.awaitRelease(ctx, e.port)
	if err == nil {
		logger.Debugf("server %q stopped, port %d released", name, e.port)
		return nil
	}
	if !m.cfg.EnableReclaim {
		return errors.Annotatef(err, "stopping %q", name)
	}

	logger.Warningf("port %d still bound after stopping %q; reclaiming", e.port, name)
	if rerr := netproc.ReclaimPort(netproc.ReclaimArgs{
		Port:  e.port,
		Grace: m.cfg.ReclaimGrace,
		Clock: m.clock,
	}); rerr != nil {
		return errors.Annotatef(rerr, "reclaiming port %d", e.port)
	}
	if perr := m.probeFree(e.port); perr != nil {
		return errors.Annotatef(perr, "port %d still bound after reclaim", e.port)
	}
	return nil
}

// shutdown runs the graceful path bounded by StopTimeout. On timeout
// the Shutdown call is abandoned; the forced close that follows
// unblocks it.
func (m *Manager) shutdown(ctx context.Context, e *managed) error {
	done := make(chan error, 1)
	go func() {
		done <- e.srv.Shutdown(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-m.clock.After(m.cfg.StopTimeout):
		return errors.Timeoutf("graceful stop of %q after %v", e.name, m.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitRelease polls until the port accepts a fresh bind.
func (m *Manager) awaitRelease(ctx context.Context, port int) error {
	err := retry.Call(retry.CallArgs{
		Func:     func() error { return m.probeFree(port) },
		Attempts: m.cfg.ReleaseAttempts,
		Delay:    m.cfg.ReleaseDelay,
		Clock:    m.clock,
		Stop:     ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("port %d not yet released (attempt %d): %v", port, attempt, err)
		},
	})
	switch {
	case retry.IsAttemptsExceeded(err),
		retry.IsDurationExceeded(err),
		retry.IsRetryStopped(err):
		return errors.Trace(retry.LastError(err))
	}
	return errors.Trace(err)
}

func (m *Manager) probeFree(port int) error {
	l, err := net.Listen("tcp", m.hostPort(port))
	if err != nil {
		return busy(err)
	}
	return l.Close()
}

// StopAll stops every managed server concurrently. Each stop runs to
// completion regardless of the others; the first failure is returned,
// annotated with how many failed.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()
	if len(names) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := m.StopServer(ctx, name)
			if err != nil && !errors.Is(err, errors.NotFound) {
				failMu.Lock()
				failed = append(failed, err)
				failMu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	if len(failed) > 0 {
		return errors.Annotatef(failed[0], "%d of %d servers failed to stop",
			len(failed), len(names))
	}
	return nil
}

// ServerDetail describes one managed server for diagnostics.
type ServerDetail struct {
	Name   string
	Addr   string
	Port   int
	Uptime time.Duration

	// ConnsOpened and ConnsActive come from ConnState tracking and
	// stay zero for servers that are not an *http.Server, or that
	// installed their own ConnState hook.
	ConnsOpened int64
	ConnsActive int

	// ServeError records an accept loop that exited with something
	// other than a clean close.
	ServeError string
}

// Details returns a snapshot of the managed servers, sorted by name.
func (m *Manager) Details() []ServerDetail {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerDetail, 0, len(m.servers))
	for _, e := range m.servers {
		d := ServerDetail{
			Name:   e.name,
			Addr:   e.addr,
			Port:   e.port,
			Uptime: now.Sub(e.started),
		}
		if e.tracker != nil {
			d.ConnsOpened, d.ConnsActive = e.tracker.counts()
		}
		select {
		case <-e.serveDone:
			if e.serveErr != nil {
				d.ServeError = e.serveErr.Error()
			}
		default:
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
