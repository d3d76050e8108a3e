// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build !linux

package netproc

import (
	"github.com/juju/errors"
)

// SocketInodes is unavailable without the Linux diagnostic interfaces.
func SocketInodes() (map[uint64]SockInfo, error) {
	return nil, errors.NotSupportedf("socket diagnostics on this platform")
}

// ScanFDs is unavailable without procfs.
func ScanFDs(pid int) ([]FD, error) {
	return nil, errors.NotSupportedf("descriptor scanning on this platform")
}

// Children is unavailable without procfs.
func Children(pid int) ([]int, error) {
	return nil, errors.NotSupportedf("child process enumeration on this platform")
}

// PortOwner is unavailable without socket diagnostics.
func PortOwner(port int) (int, error) {
	return 0, errors.NotSupportedf("port owner lookup on this platform")
}

// ReclaimPort is unavailable without socket diagnostics.
func ReclaimPort(args ReclaimArgs) error {
	return errors.NotSupportedf("port reclamation on this platform")
}

// CloseFD is unavailable on this platform.
func CloseFD(fd int) error {
	return errors.NotSupportedf("raw descriptor close on this platform")
}
