// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build !linux

package leakcheck

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/sexton/core/handle"
)

type procSource struct{}

// NewProcSource returns the procfs-backed Source. Descriptor and child
// process scanning needs procfs and socket diagnostics, so this is
// Linux only.
func NewProcSource() Source {
	return procSource{}
}

// Name is part of Source.
func (procSource) Name() string {
	return "proc"
}

// Handles is part of Source.
func (procSource) Handles(_ context.Context) ([]handle.Handle, error) {
	return nil, errors.NotSupportedf("descriptor scanning on this platform")
}

// ForceClose is part of ForceCloser.
func (procSource) ForceClose(_ context.Context, _ handle.Handle) error {
	return errors.NotSupportedf("descriptor close on this platform")
}
