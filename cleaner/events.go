// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleaner

import (
	"time"

	"github.com/juju/sexton/core/resource"
)

// Topics published on the hub during a cleanup pass. Subscribers must
// not block; the hub delivers asynchronously and a slow subscriber
// only delays itself.
const (
	// TopicPassStarted is published once when a pass begins, with a
	// PassStarted payload.
	TopicPassStarted = "cleaner.pass.started"

	// TopicResourceDone is published per descriptor as it reaches a
	// terminal outcome, with a ResourceDone payload.
	TopicResourceDone = "cleaner.resource.done"

	// TopicPassCompleted is published once after report assembly, with
	// a PassCompleted payload.
	TopicPassCompleted = "cleaner.pass.completed"
)

// PassStarted is the TopicPassStarted payload.
type PassStarted struct {
	Resources int
	Started   time.Time
}

// ResourceDone is the TopicResourceDone payload.
type ResourceDone struct {
	ResourceID string
	Kind       resource.Kind
	Outcome    resource.Outcome
	Duration   time.Duration
	Error      string
}

// PassCompleted is the TopicPassCompleted payload.
type PassCompleted struct {
	Total    int
	Cleaned  int
	Forced   int
	Failed   int
	Leaks    int
	Duration time.Duration
}

func (c *Cleaner) publish(topic string, payload interface{}) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(topic, payload)
}
