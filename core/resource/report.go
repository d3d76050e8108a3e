// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resource

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize/english"

	"github.com/juju/sexton/core/handle"
)

// Outcome is the terminal state of one descriptor's teardown.
type Outcome string

const (
	// OutcomeSuccess means the graceful cleanup completed.
	OutcomeSuccess Outcome = "success"

	// OutcomeTimeout means the graceful cleanup missed its deadline and
	// no forced fallback was available or permitted.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeError means the graceful cleanup failed and no forced
	// fallback was available or permitted.
	OutcomeError Outcome = "error"

	// OutcomeForced means the destructive fallback completed after the
	// graceful path failed or was skipped.
	OutcomeForced Outcome = "forced"

	// OutcomeForcedError means even the destructive fallback failed.
	OutcomeForcedError Outcome = "forced-error"
)

// Succeeded reports whether the resource ended up released, by either
// path.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomeForced
}

// Attempt records the teardown of one descriptor by one orchestration
// pass.
type Attempt struct {
	ResourceID string
	Kind       Kind
	Started    time.Time
	Finished   time.Time
	Outcome    Outcome

	// Error holds the captured failure for timeout, error and
	// forced-error outcomes. It is an *OpError.
	Error error

	// Tries counts graceful attempts, including retries. A forced-only
	// strategy records zero.
	Tries int
}

// Duration is the wall-clock time the attempt took, including retries
// and any forced fallback.
func (a Attempt) Duration() time.Duration {
	return a.Finished.Sub(a.Started)
}

// TypeStats aggregates attempts of one resource kind.
type TypeStats struct {
	Count       int
	Cleaned     int
	Failed      int
	AvgTime     time.Duration
	SuccessRate float64
}

// HandleCheck summarises the leak detector's view of the pass. It is
// only present on reports from passes with handle detection enabled.
type HandleCheck struct {
	// Before and After are total handle counts at baseline and after
	// the pass.
	Before int
	After  int

	// Leaks are the handles present after the pass that were absent at
	// baseline and not attributable to a still-registered resource.
	Leaks []handle.Handle
}

// Report is the aggregate result of one orchestration pass. By default
// it is purely informational; strict mode additionally turns its
// failures into an error for the caller.
type Report struct {
	Started  time.Time
	Finished time.Time

	// Total counts attempted descriptors. Cleaned counts graceful
	// successes, Forced counts successful destructive fallbacks, and
	// Failed counts everything else. The three always sum to Total.
	Total   int
	Cleaned int
	Forced  int
	Failed  int

	ByKind   map[Kind]TypeStats
	Attempts []Attempt
	Warnings []string

	// HandleCheck is nil when detection was disabled or no baseline
	// had been captured.
	HandleCheck *HandleCheck
}

// Duration is the wall-clock time of the whole pass.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Tally recomputes the counters and per-kind stats from Attempts.
func (r *Report) Tally() {
	r.Cleaned, r.Forced, r.Failed = 0, 0, 0
	r.ByKind = make(map[Kind]TypeStats)
	elapsed := make(map[Kind]time.Duration)
	for _, a := range r.Attempts {
		switch a.Outcome {
		case OutcomeSuccess:
			r.Cleaned++
		case OutcomeForced:
			r.Forced++
		default:
			r.Failed++
		}
		st := r.ByKind[a.Kind]
		st.Count++
		if a.Outcome.Succeeded() {
			st.Cleaned++
		} else {
			st.Failed++
		}
		elapsed[a.Kind] += a.Duration()
		r.ByKind[a.Kind] = st
	}
	for kind, st := range r.ByKind {
		st.AvgTime = elapsed[kind] / time.Duration(st.Count)
		st.SuccessRate = float64(st.Cleaned) / float64(st.Count)
		r.ByKind[kind] = st
	}
}

// Succeeded reports whether every attempted descriptor was released,
// by either the graceful or the forced path.
func (r *Report) Succeeded() bool {
	return r.Failed == 0
}

// Leaked reports whether the pass detected any leaked handles.
func (r *Report) Leaked() bool {
	return r.HandleCheck != nil && len(r.HandleCheck.Leaks) > 0
}

// Verdict is the machine-readable judgement automation consumes to
// fail a build without parsing log text.
type Verdict struct {
	OK bool

	// ExitCode is the recommended process exit code: 0 for a clean
	// pass, 1 otherwise.
	ExitCode int

	Summary string
}

// Verdict judges the report. Failures fail the verdict in any mode;
// leaks only fail it in strict mode, since the leak scan is eventually
// consistent.
func (r *Report) Verdict(strict bool) Verdict {
	ok := r.Failed == 0
	if strict && r.Leaked() {
		ok = false
	}
	code := 0
	if !ok {
		code = 1
	}
	return Verdict{OK: ok, ExitCode: code, Summary: r.Summary()}
}

// Summary renders a one-line human account of the pass.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cleaned %d of %s in %s",
		r.Cleaned+r.Forced, english.Plural(r.Total, "resource", ""),
		r.Duration().Round(time.Millisecond))
	if r.Forced > 0 {
		fmt.Fprintf(&b, " (%d forced)", r.Forced)
	}
	if r.Failed > 0 {
		fmt.Fprintf(&b, ", %s", english.Plural(r.Failed, "failure", ""))
	}
	if r.HandleCheck != nil {
		fmt.Fprintf(&b, "; handles %d -> %d, %s",
			r.HandleCheck.Before, r.HandleCheck.After,
			english.Plural(len(r.HandleCheck.Leaks), "leak", ""))
	}
	return b.String()
}
