// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leakcheck

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/juju/sexton/core/handle"
)

// stackBufSize bounds the runtime.Stack dump. Runs with thousands of
// goroutines will see a truncated final record, which the parser drops.
const stackBufSize = 1 << 20

// maxStackLines truncates each goroutine's recorded stack for reports.
const maxStackLines = 16

// goroutineSource enumerates live goroutines from runtime stack dumps.
// Goroutine IDs are never reused within a run, so baseline diffing is
// exact. Harness and runtime goroutines are skipped outright; anything
// else permanent is shielded by the baseline anyway.
type goroutineSource struct{}

// NewGoroutineSource returns the Source reporting live goroutines. It
// intentionally does not implement ForceCloser.
func NewGoroutineSource() Source {
	return goroutineSource{}
}

// Name is part of Source.
func (goroutineSource) Name() string {
	return "goroutines"
}

// Handles is part of Source.
func (goroutineSource) Handles(_ context.Context) ([]handle.Handle, error) {
	buf := make([]byte, stackBufSize)
	n := runtime.Stack(buf, true)
	records := strings.Split(string(buf[:n]), "\n\n")

	var handles []handle.Handle
	for _, record := range records {
		id, state, ok := parseGoroutineHeader(record)
		if !ok {
			continue
		}
		top := topFunction(record)
		if isHarnessFunction(top) {
			continue
		}
		handles = append(handles, handle.Handle{
			Kind:        handle.KindGoroutine,
			ID:          fmt.Sprintf("goroutine:%s", id),
			Description: fmt.Sprintf("%s in %s", state, top),
			Stack:       truncateStack(record),
		})
	}
	return handles, nil
}

// parseGoroutineHeader picks the ID and state out of a header line of
// the form "goroutine 42 [chan receive, 2 minutes]:".
func parseGoroutineHeader(record string) (id, state string, ok bool) {
	line, _, _ := strings.Cut(record, "\n")
	rest, found := strings.CutPrefix(line, "goroutine ")
	if !found {
		return "", "", false
	}
	id, rest, found = strings.Cut(rest, " [")
	if !found {
		return "", "", false
	}
	state, _, found = strings.Cut(rest, "]")
	if !found {
		return "", "", false
	}
	// Drop wait-duration qualifiers: "chan receive, 2 minutes".
	state, _, _ = strings.Cut(state, ",")
	return id, state, true
}

// topFunction returns the first function frame of the record, which is
// where the goroutine currently sits.
func topFunction(record string) string {
	lines := strings.Split(record, "\n")
	if len(lines) < 2 {
		return "unknown"
	}
	fn := strings.TrimSpace(lines[1])
	// Frames read "net/http.(*Server).Serve(0xc0000b2000)". The
	// argument list is the last parenthesis; receivers also carry
	// parens, so only the last one is noise.
	if i := strings.LastIndexByte(fn, '('); i > 0 {
		fn = fn[:i]
	}
	return fn
}

// isHarnessFunction reports whether the goroutine belongs to the test
// harness, the runtime, or this source's own scan rather than to the
// code under test. The scan goroutine carries a fresh ID every time,
// so leaving it in would make every diff report a phantom.
func isHarnessFunction(fn string) bool {
	for _, prefix := range []string{
		"testing.",
		"runtime.",
		"os/signal.",
		"github.com/juju/sexton/leakcheck.goroutineSource",
	} {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}

func truncateStack(record string) string {
	lines := strings.Split(record, "\n")
	if len(lines) <= maxStackLines {
		return record
	}
	return strings.Join(lines[:maxStackLines], "\n") + "\n..."
}
