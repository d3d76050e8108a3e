// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleaner_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sexton/cleaner"
	"github.com/juju/sexton/core/handle"
	"github.com/juju/sexton/core/resource"
	"github.com/juju/sexton/internal/testhelpers"
	"github.com/juju/sexton/leakcheck"
)

type runSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&runSuite{})

func attemptFor(c *gc.C, report *resource.Report, id string) resource.Attempt {
	for _, a := range report.Attempts {
		if a.ResourceID == id {
			return a
		}
	}
	c.Fatalf("no attempt recorded for %q", id)
	panic("unreachable")
}

func (s *runSuite) TestEmptyPass(c *gc.C) {
	cl := newCleaner(c, nil)
	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Total, gc.Equals, 0)
	c.Check(report.Attempts, gc.HasLen, 0)
}

func (s *runSuite) TestRegistryEmptyAfterCleanup(c *gc.C) {
	cl := newCleaner(c, nil)
	c.Assert(cl.Register(desc("ok", 1, okCleanup)), jc.ErrorIsNil)
	c.Assert(cl.Register(desc("bad", 1, func(_ context.Context) error {
		return errors.New("broken")
	})), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Total, gc.Equals, 2)
	c.Check(report.Failed, gc.Equals, 1)

	// Attempted descriptors leave the registry whatever their outcome.
	c.Check(cl.ActiveResources(), gc.HasLen, 0)
}

func (s *runSuite) TestTierOrdering(c *gc.C) {
	cl := newCleaner(c, nil)

	var mu sync.Mutex
	var finished []string
	slow := func(id string, delay time.Duration) func(context.Context) error {
		return func(_ context.Context) error {
			time.Sleep(delay)
			mu.Lock()
			finished = append(finished, id)
			mu.Unlock()
			return nil
		}
	}
	var lateSaw []string
	late := desc("late", 2, func(_ context.Context) error {
		mu.Lock()
		lateSaw = append([]string(nil), finished...)
		mu.Unlock()
		return nil
	})

	c.Assert(cl.Register(desc("early-a", 1, slow("early-a", 20*time.Millisecond))), jc.ErrorIsNil)
	c.Assert(cl.Register(desc("early-b", 1, slow("early-b", 5*time.Millisecond))), jc.ErrorIsNil)
	c.Assert(cl.Register(late), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Cleaned, gc.Equals, 3)

	// Both priority-1 teardowns had fully finished before the
	// priority-2 one started.
	c.Check(lateSaw, jc.SameContents, []string{"early-a", "early-b"})
}

func (s *runSuite) TestNeverSettlingCallbackIsForced(c *gc.C) {
	cl := newCleaner(c, nil)

	block := make(chan struct{})
	defer close(block)
	c.Assert(cl.Register(resource.Descriptor{
		ID:       "stuck",
		Kind:     resource.KindServer,
		Priority: 1,
		Timeout:  50 * time.Millisecond,
		Cleanup: func(_ context.Context) error {
			<-block
			return nil
		},
		ForceCleanup: okCleanup,
	}), jc.ErrorIsNil)

	started := time.Now()
	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(time.Since(started) < testhelpers.LongWait, jc.IsTrue)

	attempt := attemptFor(c, report, "stuck")
	c.Check(attempt.Outcome, gc.Equals, resource.OutcomeForced)
	c.Check(report.Forced, gc.Equals, 1)
	c.Check(report.Failed, gc.Equals, 0)

	// The abandoned goroutine is called out.
	c.Assert(report.Warnings, gc.Not(gc.HasLen), 0)
	c.Check(report.Warnings[0], gc.Matches, `cleanup of "stuck" abandoned after 50ms.*`)
}

func (s *runSuite) TestTimeoutWithoutForceStands(c *gc.C) {
	cl := newCleaner(c, nil)

	block := make(chan struct{})
	defer close(block)
	c.Assert(cl.Register(resource.Descriptor{
		ID:       "stuck",
		Kind:     resource.KindCustom,
		Priority: 1,
		Timeout:  50 * time.Millisecond,
		Cleanup: func(_ context.Context) error {
			<-block
			return nil
		},
	}), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	attempt := attemptFor(c, report, "stuck")
	c.Check(attempt.Outcome, gc.Equals, resource.OutcomeTimeout)
	c.Check(attempt.Error, jc.Satisfies, errors.IsTimeout)
	c.Check(report.Failed, gc.Equals, 1)
}

func (s *runSuite) TestPanicIsIsolated(c *gc.C) {
	cl := newCleaner(c, nil)
	c.Assert(cl.Register(desc("angry", 1, func(_ context.Context) error {
		panic("kaboom")
	})), jc.ErrorIsNil)
	c.Assert(cl.Register(desc("calm", 1, okCleanup)), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Cleaned, gc.Equals, 1)
	c.Check(report.Failed, gc.Equals, 1)

	c.Check(attemptFor(c, report, "calm").Outcome, gc.Equals, resource.OutcomeSuccess)
	angry := attemptFor(c, report, "angry")
	c.Check(angry.Outcome, gc.Equals, resource.OutcomeError)
	c.Check(angry.Error, gc.ErrorMatches, `cleanup of custom resource "angry": cleanup of "angry" panicked: kaboom`)
}

func (s *runSuite) TestEndToEndReport(c *gc.C) {
	cl := newCleaner(c, nil)

	var mu sync.Mutex
	var dbsFinished int
	var dbsSeenAtServerStart []int

	db := func(id string, fail bool) resource.Descriptor {
		return resource.Descriptor{
			ID:       id,
			Kind:     resource.KindDatabase,
			Priority: resource.PriorityDatabase,
			Cleanup: func(_ context.Context) error {
				defer func() {
					mu.Lock()
					dbsFinished++
					mu.Unlock()
				}()
				if fail {
					return errors.New("connection rejected")
				}
				return nil
			},
		}
	}
	server := func(id string) resource.Descriptor {
		return resource.Descriptor{
			ID:       id,
			Kind:     resource.KindServer,
			Priority: resource.PriorityServer,
			Cleanup: func(_ context.Context) error {
				mu.Lock()
				dbsSeenAtServerStart = append(dbsSeenAtServerStart, dbsFinished)
				mu.Unlock()
				return nil
			},
		}
	}

	c.Assert(cl.Register(db("db-1", false)), jc.ErrorIsNil)
	c.Assert(cl.Register(db("db-2", true)), jc.ErrorIsNil)
	c.Assert(cl.Register(db("db-3", false)), jc.ErrorIsNil)
	c.Assert(cl.Register(server("srv-1")), jc.ErrorIsNil)
	c.Assert(cl.Register(server("srv-2")), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(report.Total, gc.Equals, 5)
	c.Check(report.Cleaned, gc.Equals, 4)
	c.Check(report.Failed, gc.Equals, 1)
	c.Check(report.Forced, gc.Equals, 0)

	// Every server teardown started after every database teardown had
	// finished.
	c.Assert(dbsSeenAtServerStart, gc.HasLen, 2)
	for _, n := range dbsSeenAtServerStart {
		c.Check(n, gc.Equals, 3)
	}

	dbStats := report.ByKind[resource.KindDatabase]
	c.Check(dbStats.Count, gc.Equals, 3)
	c.Check(dbStats.Cleaned, gc.Equals, 2)
	c.Check(dbStats.Failed, gc.Equals, 1)
	srvStats := report.ByKind[resource.KindServer]
	c.Check(srvStats.Count, gc.Equals, 2)
	c.Check(srvStats.SuccessRate, gc.Equals, 1.0)
}

func (s *runSuite) TestRetryEventuallySucceeds(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.MaxRetries = 2
		cfg.RetryDelay = 10 * time.Millisecond
	})

	attempts := 0
	c.Assert(cl.Register(desc("flaky", 1, func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Cleaned, gc.Equals, 1)
	c.Check(attemptFor(c, report, "flaky").Tries, gc.Equals, 3)
}

func (s *runSuite) TestOverallDeadlineCapsRetries(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.MaxRetries = 100
		cfg.RetryDelay = 20 * time.Millisecond
		cfg.MaxResourceTime = 200 * time.Millisecond
	})

	c.Assert(cl.Register(desc("doomed", 1, func(_ context.Context) error {
		return errors.New("never works")
	})), jc.ErrorIsNil)

	started := time.Now()
	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(time.Since(started) < testhelpers.LongWait, jc.IsTrue)

	attempt := attemptFor(c, report, "doomed")
	c.Check(attempt.Outcome, gc.Equals, resource.OutcomeError)
	c.Check(attempt.Error, gc.ErrorMatches, `cleanup of custom resource "doomed": never works`)
	// The overall deadline stopped the retries well short of the
	// configured attempt count.
	c.Check(attempt.Tries >= 2, jc.IsTrue)
	c.Check(attempt.Tries < 101, jc.IsTrue)
}

func (s *runSuite) TestStrategyGracefulNeverEscalates(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.Strategies = map[resource.Kind]cleaner.Strategy{
			resource.KindTimer: cleaner.StrategyGraceful,
		}
	})

	forced := false
	c.Assert(cl.Register(resource.Descriptor{
		ID:       "t-1",
		Kind:     resource.KindTimer,
		Priority: 1,
		Cleanup: func(_ context.Context) error {
			return errors.New("broken")
		},
		ForceCleanup: func(_ context.Context) error {
			forced = true
			return nil
		},
	}), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attemptFor(c, report, "t-1").Outcome, gc.Equals, resource.OutcomeError)
	c.Check(forced, jc.IsFalse)
}

func (s *runSuite) TestStrategyForceSkipsGraceful(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.Strategies = map[resource.Kind]cleaner.Strategy{
			resource.KindServer: cleaner.StrategyForce,
		}
	})

	gracefulRan := false
	c.Assert(cl.Register(resource.Descriptor{
		ID:       "srv",
		Kind:     resource.KindServer,
		Priority: 1,
		Cleanup: func(_ context.Context) error {
			gracefulRan = true
			return nil
		},
		ForceCleanup: okCleanup,
	}), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	attempt := attemptFor(c, report, "srv")
	c.Check(attempt.Outcome, gc.Equals, resource.OutcomeForced)
	c.Check(attempt.Tries, gc.Equals, 0)
	c.Check(gracefulRan, jc.IsFalse)
}

func (s *runSuite) TestForcedFailure(c *gc.C) {
	cl := newCleaner(c, nil)
	c.Assert(cl.Register(resource.Descriptor{
		ID:       "wreck",
		Kind:     resource.KindCustom,
		Priority: 1,
		Cleanup: func(_ context.Context) error {
			return errors.New("graceful broke")
		},
		ForceCleanup: func(_ context.Context) error {
			return errors.New("force broke too")
		},
	}), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	attempt := attemptFor(c, report, "wreck")
	c.Check(attempt.Outcome, gc.Equals, resource.OutcomeForcedError)
	c.Check(attempt.Error, gc.ErrorMatches, `cleanup of custom resource "wreck": force broke too`)
	c.Check(report.Failed, gc.Equals, 1)
}

func (s *runSuite) TestMaxConcurrent(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.MaxConcurrent = 1
	})

	var mu sync.Mutex
	var current, peak int
	enter := func(_ context.Context) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}
	for _, id := range []string{"a", "b", "c"} {
		c.Assert(cl.Register(desc(id, 1, enter)), jc.ErrorIsNil)
	}

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Cleaned, gc.Equals, 3)
	c.Check(peak, gc.Equals, 1)
}

func (s *runSuite) TestStrictModeReturnsError(c *gc.C) {
	cl := newCleaner(c, func(cfg *cleaner.Config) {
		cfg.Strict = true
	})
	c.Assert(cl.Register(desc("bad", 1, func(_ context.Context) error {
		return errors.New("broken")
	})), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, gc.ErrorMatches, "strict cleanup failed: .*1 failure.*")
	c.Assert(report, gc.NotNil)
	c.Check(report.Failed, gc.Equals, 1)
	c.Check(report.Verdict(true).ExitCode, gc.Equals, 1)
}

func (s *runSuite) TestMidPassRegistrationDeferred(c *gc.C) {
	cl := newCleaner(c, nil)
	late := desc("late", 1, okCleanup)
	c.Assert(cl.Register(desc("first", 1, func(_ context.Context) error {
		return cl.Register(late)
	})), jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Total, gc.Equals, 1)

	// The mid-pass registration waits for the next pass.
	active := cl.ActiveResources()
	c.Assert(active, gc.HasLen, 1)
	c.Check(active[0].ID, gc.Equals, "late")

	report, err = cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Total, gc.Equals, 1)
	c.Check(cl.ActiveResources(), gc.HasLen, 0)
}

func (s *runSuite) TestCancelledContext(c *gc.C) {
	cl := newCleaner(c, nil)
	c.Assert(cl.Register(desc("waiting", 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})), jc.ErrorIsNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := cl.Cleanup(ctx)
	c.Assert(errors.Is(err, context.Canceled), jc.IsTrue)
	c.Check(report.Failed, gc.Equals, 1)
}

func (s *runSuite) TestEvents(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	cfg := cleaner.DefaultConfig(cleaner.ProfileTesting)
	cfg.Strict = false
	cfg.HandleDetection = false
	cl, err := cleaner.New(cleaner.CleanerArgs{Config: cfg, Hub: hub})
	c.Assert(err, jc.ErrorIsNil)

	topics := make(chan string, 10)
	completed := make(chan cleaner.PassCompleted, 1)
	for _, topic := range []string{
		cleaner.TopicPassStarted,
		cleaner.TopicResourceDone,
		cleaner.TopicPassCompleted,
	} {
		unsub := hub.Subscribe(topic, func(topic string, data interface{}) {
			topics <- topic
			if done, ok := data.(cleaner.PassCompleted); ok {
				completed <- done
			}
		})
		defer unsub()
	}

	c.Assert(cl.Register(desc("a", 1, okCleanup)), jc.ErrorIsNil)
	c.Assert(cl.Register(desc("b", 2, okCleanup)), jc.ErrorIsNil)
	_, err = cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	var got []string
	for i := 0; i < 4; i++ {
		select {
		case topic := <-topics:
			got = append(got, topic)
		case <-time.After(testhelpers.LongWait):
			c.Fatalf("timed out waiting for event %d, have %v", i, got)
		}
	}
	c.Check(got, jc.SameContents, []string{
		cleaner.TopicPassStarted,
		cleaner.TopicResourceDone,
		cleaner.TopicResourceDone,
		cleaner.TopicPassCompleted,
	})

	select {
	case done := <-completed:
		c.Check(done.Total, gc.Equals, 2)
		c.Check(done.Cleaned, gc.Equals, 2)
		c.Check(done.Failed, gc.Equals, 0)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for completion payload")
	}
}

func (s *runSuite) TestHandleCheckReportsLeaks(c *gc.C) {
	src := &fakeHandleSource{}
	det, err := leakcheck.NewDetector(leakcheck.DetectorConfig{
		Sources: []leakcheck.Source{src},
	})
	c.Assert(err, jc.ErrorIsNil)
	_, err = det.CaptureBaseline(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	cfg := cleaner.DefaultConfig(cleaner.ProfileTesting)
	cfg.Strict = false
	cl, err := cleaner.New(cleaner.CleanerArgs{Config: cfg, Detector: det})
	c.Assert(err, jc.ErrorIsNil)

	src.add(handle.Handle{Kind: handle.KindTimer, ID: "timer:1", Description: "armed timer"})

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.HandleCheck, gc.NotNil)
	c.Check(report.HandleCheck.Before, gc.Equals, 0)
	c.Check(report.HandleCheck.After, gc.Equals, 1)
	c.Assert(report.HandleCheck.Leaks, gc.HasLen, 1)
	c.Check(report.HandleCheck.Leaks[0].ID, gc.Equals, "timer:1")
	c.Check(report.Leaked(), jc.IsTrue)
}

func (s *runSuite) TestHandleCheckStrictFailsPass(c *gc.C) {
	src := &fakeHandleSource{}
	det, err := leakcheck.NewDetector(leakcheck.DetectorConfig{
		Sources: []leakcheck.Source{src},
	})
	c.Assert(err, jc.ErrorIsNil)
	_, err = det.CaptureBaseline(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	cfg := cleaner.DefaultConfig(cleaner.ProfileTesting)
	cl, err := cleaner.New(cleaner.CleanerArgs{Config: cfg, Detector: det})
	c.Assert(err, jc.ErrorIsNil)

	src.add(handle.Handle{Kind: handle.KindListener, ID: "fd:4:socket:[99]"})

	_, err = cl.Cleanup(context.Background())
	c.Assert(err, gc.ErrorMatches, "strict cleanup failed: .*1 leak.*")
}

func (s *runSuite) TestHandleCheckSkippedWithoutBaseline(c *gc.C) {
	src := &fakeHandleSource{}
	det, err := leakcheck.NewDetector(leakcheck.DetectorConfig{
		Sources: []leakcheck.Source{src},
	})
	c.Assert(err, jc.ErrorIsNil)

	cfg := cleaner.DefaultConfig(cleaner.ProfileTesting)
	cfg.Strict = false
	cl, err := cleaner.New(cleaner.CleanerArgs{Config: cfg, Detector: det})
	c.Assert(err, jc.ErrorIsNil)

	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.HandleCheck, gc.IsNil)
	c.Assert(report.Warnings, gc.Not(gc.HasLen), 0)
	c.Check(report.Warnings[0], gc.Matches, "handle detection failed: .*")
}

func (s *runSuite) TestHandleCheckDisabled(c *gc.C) {
	cl := newCleaner(c, nil)
	report, err := cl.Cleanup(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.HandleCheck, gc.IsNil)
}

type fakeHandleSource struct {
	mu      sync.Mutex
	handles []handle.Handle
}

func (f *fakeHandleSource) add(h handle.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, h)
}

func (f *fakeHandleSource) Name() string {
	return "fake"
}

func (f *fakeHandleSource) Handles(_ context.Context) ([]handle.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]handle.Handle(nil), f.handles...), nil
}
