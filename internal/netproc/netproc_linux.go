// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build linux

package netproc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// SocketInodes returns the kernel's TCP socket table (both address
// families) keyed by inode. The table is system-wide; callers intersect
// it with their own descriptors to classify them.
func SocketInodes() (map[uint64]SockInfo, error) {
	inodes := make(map[uint64]SockInfo)
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		socks, err := netlink.SocketDiagTCP(family)
		if err != nil {
			return nil, errors.Annotatef(err, "socket diagnostics for family %d", family)
		}
		for _, s := range socks {
			inodes[uint64(s.INode)] = SockInfo{
				Inode:     uint64(s.INode),
				Port:      int(s.ID.SourcePort),
				Listening: s.State == netlink.TCP_LISTEN,
			}
		}
	}
	return inodes, nil
}

// ScanFDs lists the open descriptors of pid, categorised by readlink
// target. Descriptors 0-2 are skipped: stdio belongs to the host
// process and is never a teardown concern.
func ScanFDs(pid int) ([]FD, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", dir)
	}
	fds := make([]FD, 0, len(entries))
	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil || num <= 2 {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, entry.Name()))
		if err != nil {
			// The descriptor closed between readdir and readlink.
			continue
		}
		fds = append(fds, FD{
			Num:    num,
			Target: target,
			Kind:   kindOfTarget(target),
			Inode:  socketInode(target),
		})
	}
	return fds, nil
}

func kindOfTarget(target string) FDKind {
	switch {
	case strings.HasPrefix(target, "socket:["):
		return FDSocket
	case strings.HasPrefix(target, "pipe:["):
		return FDPipe
	case strings.HasPrefix(target, "anon_inode:[timerfd]"):
		return FDTimer
	case strings.HasPrefix(target, "anon_inode:"):
		return FDAnon
	case strings.HasPrefix(target, "/"):
		return FDFile
	}
	return FDAnon
}

func socketInode(target string) uint64 {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0
	}
	inode, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0
	}
	return inode
}

// Children returns the live child process IDs of pid, read from the
// per-task children lists.
func Children(pid int) ([]int, error) {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", taskDir)
	}
	var children []int
	for _, task := range tasks {
		data, err := os.ReadFile(filepath.Join(taskDir, task.Name(), "children"))
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			children = append(children, child)
		}
	}
	return children, nil
}

// PortOwner finds the process listening on the given local TCP port.
// It returns the inode's owner pid, or a NotFound error when nothing
// listens there. Descriptor tables of other users' processes are
// unreadable without privilege; those processes are simply not found.
func PortOwner(port int) (int, error) {
	inodes, err := SocketInodes()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var inode uint64
	for _, info := range inodes {
		if info.Listening && info.Port == port {
			inode = info.Inode
			break
		}
	}
	if inode == 0 {
		return 0, errors.NotFoundf("listener on port %d", port)
	}

	target := fmt.Sprintf("socket:[%d]", inode)
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, proc := range procs {
		pid, err := strconv.Atoi(proc.Name())
		if err != nil {
			continue
		}
		fds, err := ScanFDs(pid)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if fd.Target == target {
				return pid, nil
			}
		}
	}
	return 0, errors.NotFoundf("owner of socket inode %d", inode)
}

// ReclaimPort terminates whatever process is bound to args.Port so the
// port becomes reusable: SIGTERM, a grace wait, then SIGKILL, then
// re-verification. It refuses to signal this process or init. This can
// kill an unrelated process that happens to share the port; callers
// enable it knowingly.
func ReclaimPort(args ReclaimArgs) error {
	pid, err := PortOwner(args.Port)
	if errors.Is(err, errors.NotFound) {
		// Nobody there; the port is already free.
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if pid == os.Getpid() {
		return errors.Forbiddenf("port %d is held by this process", args.Port)
	}
	if pid <= 1 {
		return errors.Forbiddenf("refusing to signal pid %d for port %d", pid, args.Port)
	}

	logger.Warningf("reclaiming port %d from pid %d", args.Port, pid)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return errors.Annotatef(err, "terminating pid %d", pid)
	}
	<-args.Clock.After(args.Grace)

	if _, err := PortOwner(args.Port); errors.Is(err, errors.NotFound) {
		return nil
	}
	logger.Warningf("pid %d ignored SIGTERM, escalating to SIGKILL", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Annotatef(err, "killing pid %d", pid)
	}
	<-args.Clock.After(args.Grace)

	if _, err := PortOwner(args.Port); !errors.Is(err, errors.NotFound) {
		return errors.Annotatef(errors.Errorf("port %d still bound after reclaim", args.Port), "pid %d", pid)
	}
	return nil
}

// CloseFD closes a raw descriptor of this process. Standard descriptors
// are refused outright.
func CloseFD(fd int) error {
	if fd <= 2 {
		return errors.Forbiddenf("refusing to close descriptor %d", fd)
	}
	if err := unix.Close(fd); err != nil {
		return errors.Annotatef(err, "closing descriptor %d", fd)
	}
	return nil
}
