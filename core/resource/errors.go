// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resource

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/juju/errors"
)

const (
	// ErrResourceBusy indicates port or connection contention: the
	// resource is held by someone else and cannot be acquired or
	// released right now.
	ErrResourceBusy = errors.ConstError("resource busy")

	// ErrConnectionRefused indicates the peer actively refused, or the
	// connection was torn down under us.
	ErrConnectionRefused = errors.ConstError("connection refused")

	// ErrPermissionDenied indicates the operating system denied the
	// operation.
	ErrPermissionDenied = errors.ConstError("permission denied")
)

// OpError is the single error shape surfaced for a failed teardown
// operation. It carries the resource identity alongside the cause so
// report consumers never need to parse message text.
type OpError struct {
	// ResourceID identifies the descriptor the failure belongs to.
	ResourceID string

	// Kind is the descriptor's resource category.
	Kind Kind

	// Cause is the underlying failure, already classified where
	// possible (see Classify).
	Cause error
}

// Error implements error.
func (e *OpError) Error() string {
	return fmt.Sprintf("cleanup of %s resource %q: %v", e.Kind, e.ResourceID, e.Cause)
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *OpError) Unwrap() error {
	return e.Cause
}

// NewOpError wraps cause with resource identity, classifying it on the
// way through. A nil cause returns nil.
func NewOpError(id string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &OpError{ResourceID: id, Kind: kind, Cause: Classify(cause)}
}

// Classify maps low-level failures onto the teardown error taxonomy:
// Timeout, ErrResourceBusy, ErrConnectionRefused, ErrPermissionDenied.
// Anything unrecognised is returned unchanged, so unknown causes stay
// inspectable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errors.Timeout):
		return err
	case errors.Is(err, ErrResourceBusy),
		errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrPermissionDenied):
		return err
	}
	if errno, ok := errnoOf(err); ok {
		switch errno {
		case syscall.EADDRINUSE, syscall.EBUSY:
			return errors.WithType(err, ErrResourceBusy)
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE:
			return errors.WithType(err, ErrConnectionRefused)
		case syscall.EACCES, syscall.EPERM:
			return errors.WithType(err, ErrPermissionDenied)
		}
	}
	if netErr, ok := asNetError(err); ok && netErr.Timeout() {
		return errors.WithType(err, errors.Timeout)
	}
	return err
}

func errnoOf(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	// net and os wrap syscall errors in layered Op errors; unwrap the
	// usual suspects before giving up.
	var sys *os.SyscallError
	if errors.As(err, &sys) {
		if e, ok := sys.Err.(syscall.Errno); ok {
			return e, true
		}
	}
	return 0, false
}

func asNetError(err error) (net.Error, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr, true
	}
	return nil, false
}
