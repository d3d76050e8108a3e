// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leakcheck

import (
	"context"
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sexton/core/handle"
)

type goroutineSuite struct{}

var _ = gc.Suite(&goroutineSuite{})

func (s *goroutineSuite) TestParseHeader(c *gc.C) {
	for i, t := range []struct {
		record string
		id     string
		state  string
		ok     bool
	}{{
		record: "goroutine 42 [chan receive]:\nmain.worker()\n\tmain.go:10",
		id:     "42",
		state:  "chan receive",
		ok:     true,
	}, {
		record: "goroutine 7 [select, 2 minutes]:\nmain.loop()\n\tmain.go:20",
		id:     "7",
		state:  "select",
		ok:     true,
	}, {
		record: "goroutine 1 [running]:",
		id:     "1",
		state:  "running",
		ok:     true,
	}, {
		record: "not a goroutine record",
		ok:     false,
	}, {
		record: "",
		ok:     false,
	}} {
		c.Logf("test %d: %q", i, t.record)
		id, state, ok := parseGoroutineHeader(t.record)
		c.Check(ok, gc.Equals, t.ok)
		if t.ok {
			c.Check(id, gc.Equals, t.id)
			c.Check(state, gc.Equals, t.state)
		}
	}
}

func (s *goroutineSuite) TestTopFunction(c *gc.C) {
	record := "goroutine 42 [IO wait]:\nnet/http.(*Server).Serve(0xc0000b2000)\n\tserver.go:3056"
	c.Check(topFunction(record), gc.Equals, "net/http.(*Server).Serve")
}

func (s *goroutineSuite) TestTopFunctionBareHeader(c *gc.C) {
	c.Check(topFunction("goroutine 1 [running]:"), gc.Equals, "unknown")
}

func (s *goroutineSuite) TestHarnessFiltering(c *gc.C) {
	c.Check(isHarnessFunction("testing.(*T).Run"), jc.IsTrue)
	c.Check(isHarnessFunction("runtime.gopark"), jc.IsTrue)
	c.Check(isHarnessFunction("github.com/juju/sexton/leakcheck.goroutineSource.Handles"), jc.IsTrue)
	c.Check(isHarnessFunction("github.com/juju/sexton/leakcheck.(*Detector).scan"), jc.IsFalse)
	c.Check(isHarnessFunction("main.worker"), jc.IsFalse)
	c.Check(isHarnessFunction("net/http.(*Server).Serve"), jc.IsFalse)
}

func (s *goroutineSuite) TestTruncateStack(c *gc.C) {
	long := strings.Repeat("frame\n", maxStackLines*2)
	truncated := truncateStack(long)
	c.Check(strings.Count(truncated, "\n"), gc.Equals, maxStackLines)
	c.Check(strings.HasSuffix(truncated, "..."), jc.IsTrue)

	short := "goroutine 1 [running]:\nmain.main()"
	c.Check(truncateStack(short), gc.Equals, short)
}

func (s *goroutineSuite) TestLiveScan(c *gc.C) {
	stop := make(chan struct{})
	started := make(chan struct{})
	go func() {
		close(started)
		<-stop
	}()
	defer close(stop)
	<-started

	src := NewGoroutineSource()
	handles, err := src.Handles(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(handles, gc.Not(gc.HasLen), 0)

	var found bool
	for _, h := range handles {
		c.Check(h.Kind, gc.Equals, handle.KindGoroutine)
		c.Check(strings.HasPrefix(h.ID, "goroutine:"), jc.IsTrue)
		if strings.Contains(h.Description, "TestLiveScan") {
			found = true
		}
	}
	c.Check(found, jc.IsTrue)
}

func (s *goroutineSuite) TestNoForceClose(c *gc.C) {
	_, ok := NewGoroutineSource().(ForceCloser)
	c.Check(ok, jc.IsFalse)
}
