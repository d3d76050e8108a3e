// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build linux

package leakcheck

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/juju/sexton/core/handle"
	"github.com/juju/sexton/internal/netproc"
)

// procSource reports this process's open descriptors and child
// processes, read from procfs and the kernel socket tables. Descriptor
// identities include the readlink target, so a descriptor number that
// the kernel reuses for a different object counts as a fresh handle.
type procSource struct{}

// NewProcSource returns the procfs-backed Source. It implements
// ForceCloser for descriptors and child processes.
func NewProcSource() Source {
	return procSource{}
}

// Name is part of Source.
func (procSource) Name() string {
	return "proc"
}

// Handles is part of Source.
func (procSource) Handles(_ context.Context) ([]handle.Handle, error) {
	fds, err := netproc.ScanFDs(os.Getpid())
	if err != nil {
		return nil, errors.Trace(err)
	}
	sockets, err := netproc.SocketInodes()
	if err != nil {
		// Socket diagnostics can be restricted (locked down
		// containers); report sockets without listener detail rather
		// than nothing at all.
		logger.Debugf("socket diagnostics unavailable: %v", err)
		sockets = nil
	}

	var handles []handle.Handle
	for _, fd := range fds {
		handles = append(handles, fdHandle(fd, sockets))
	}

	children, err := netproc.Children(os.Getpid())
	if err != nil {
		return handles, errors.Trace(err)
	}
	for _, pid := range children {
		handles = append(handles, handle.Handle{
			Kind:        handle.KindProcess,
			ID:          fmt.Sprintf("process:%d", pid),
			Description: fmt.Sprintf("child process %d", pid),
		})
	}
	return handles, nil
}

func fdHandle(fd netproc.FD, sockets map[uint64]netproc.SockInfo) handle.Handle {
	h := handle.Handle{
		ID:          fmt.Sprintf("fd:%d:%s", fd.Num, fd.Target),
		Description: fd.Target,
	}
	switch fd.Kind {
	case netproc.FDSocket:
		h.Kind = handle.KindSocket
		if info, ok := sockets[fd.Inode]; ok && info.Listening {
			h.Kind = handle.KindListener
			h.Description = fmt.Sprintf("listener on port %d", info.Port)
		}
	case netproc.FDPipe:
		h.Kind = handle.KindPipe
	case netproc.FDTimer:
		h.Kind = handle.KindTimer
		h.Description = "timerfd descriptor"
	case netproc.FDFile:
		h.Kind = handle.KindFile
	default:
		h.Kind = handle.KindOther
	}
	return h
}

// ForceClose is part of ForceCloser. Descriptors are re-verified
// against their recorded target before closing, so a number the kernel
// reused since the scan is left alone.
func (procSource) ForceClose(_ context.Context, h handle.Handle) error {
	if h.Kind == handle.KindProcess {
		pid, err := strconv.Atoi(strings.TrimPrefix(h.ID, "process:"))
		if err != nil {
			return errors.NotValidf("process handle ID %q", h.ID)
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return errors.Annotatef(err, "killing child %d", pid)
		}
		return nil
	}

	num, target, err := parseFDID(h.ID)
	if err != nil {
		return errors.Trace(err)
	}
	current, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", num))
	if err != nil {
		// Already gone.
		return nil
	}
	if current != target {
		return errors.Errorf("descriptor %d now refers to %q, not %q", num, current, target)
	}
	return errors.Trace(netproc.CloseFD(num))
}

func parseFDID(id string) (int, string, error) {
	rest, ok := strings.CutPrefix(id, "fd:")
	if !ok {
		return 0, "", errors.NotValidf("descriptor handle ID %q", id)
	}
	numStr, target, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", errors.NotValidf("descriptor handle ID %q", id)
	}
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, "", errors.NotValidf("descriptor handle ID %q", id)
	}
	return num, target, nil
}
