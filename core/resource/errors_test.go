// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resource_test

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sexton/core/resource"
)

type errorsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestClassifyNil(c *gc.C) {
	c.Check(resource.Classify(nil), jc.ErrorIsNil)
}

func (s *errorsSuite) TestClassifyErrno(c *gc.C) {
	for i, test := range []struct {
		errno syscall.Errno
		class error
	}{
		{syscall.EADDRINUSE, resource.ErrResourceBusy},
		{syscall.EBUSY, resource.ErrResourceBusy},
		{syscall.ECONNREFUSED, resource.ErrConnectionRefused},
		{syscall.ECONNRESET, resource.ErrConnectionRefused},
		{syscall.EACCES, resource.ErrPermissionDenied},
		{syscall.EPERM, resource.ErrPermissionDenied},
	} {
		c.Logf("test %d: %v", i, test.errno)
		err := resource.Classify(&os.SyscallError{Syscall: "close", Err: test.errno})
		c.Check(err, jc.ErrorIs, test.class)
	}
}

func (s *errorsSuite) TestClassifyUnknownUnchanged(c *gc.C) {
	cause := errors.New("splat")
	c.Check(resource.Classify(cause), gc.Equals, cause)
}

func (s *errorsSuite) TestClassifyKeepsExistingClass(c *gc.C) {
	err := errors.Timeoutf("drain")
	c.Check(resource.Classify(err), gc.Equals, err)

	busy := errors.WithType(errors.New("held"), resource.ErrResourceBusy)
	c.Check(resource.Classify(busy), gc.Equals, busy)
}

func (s *errorsSuite) TestOpError(c *gc.C) {
	cause := errors.New("boom")
	err := resource.NewOpError("db-main", resource.KindDatabase, cause)
	c.Assert(err, gc.ErrorMatches, `cleanup of database resource "db-main": boom`)

	var opErr *resource.OpError
	c.Assert(errors.As(err, &opErr), jc.IsTrue)
	c.Check(opErr.ResourceID, gc.Equals, "db-main")
	c.Check(opErr.Kind, gc.Equals, resource.KindDatabase)
	c.Check(errors.Is(err, cause), jc.IsTrue)
}

func (s *errorsSuite) TestOpErrorClassifiesCause(c *gc.C) {
	err := resource.NewOpError("srv", resource.KindServer,
		&os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE})
	c.Check(err, jc.ErrorIs, resource.ErrResourceBusy)
}

func (s *errorsSuite) TestOpErrorNilCause(c *gc.C) {
	c.Check(resource.NewOpError("x", resource.KindCustom, nil), jc.ErrorIsNil)
}
