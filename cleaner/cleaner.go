// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cleaner orchestrates the teardown of registered resources.
//
// Resources join the registry as descriptors carrying a graceful
// cleanup callback, an optional forced one, and a priority. A cleanup
// pass drains the registry, tears tiers down in ascending priority
// order with full concurrency inside a tier, and produces a report of
// every attempt. A failing resource never stops the pass; it is
// recorded and the pass carries on, so the report aggregates what a
// caller would otherwise have to collect from scattered errors.
package cleaner

import (
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/juju/sexton/core/resource"
	"github.com/juju/sexton/leakcheck"
)

var logger = loggo.GetLogger("sexton.cleaner")

// CleanerArgs holds the dependencies and settings for a Cleaner.
type CleanerArgs struct {
	// Config carries the pass settings. Usually a profile preset,
	// possibly patched.
	Config Config

	// Clock drives timeout races and retry delays. Defaults to the
	// wall clock.
	Clock clock.Clock

	// Hub, when set, receives pass lifecycle events.
	Hub *pubsub.SimpleHub

	// Detector, when set and handle detection is enabled, supplies the
	// post-pass leak check.
	Detector *leakcheck.Detector
}

// Cleaner is the resource registry and teardown orchestrator.
type Cleaner struct {
	clock    clock.Clock
	hub      *pubsub.SimpleHub
	detector *leakcheck.Detector

	mu        sync.Mutex
	config    Config
	resources map[string]resource.Descriptor
}

// New returns a Cleaner ready to accept registrations.
func New(args CleanerArgs) (*Cleaner, error) {
	if err := args.Config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if args.Clock == nil {
		args.Clock = clock.WallClock
	}
	if args.Config.LoggingConfig != "" {
		if err := loggo.ConfigureLoggers(args.Config.LoggingConfig); err != nil {
			return nil, errors.Annotate(err, "applying logging config")
		}
	}
	return &Cleaner{
		clock:     args.Clock,
		hub:       args.Hub,
		detector:  args.Detector,
		config:    args.Config,
		resources: make(map[string]resource.Descriptor),
	}, nil
}

// Register adds a descriptor to the registry. A descriptor with an
// empty kind is recorded as custom. Registering an ID that is already
// present fails with AlreadyExists rather than silently replacing the
// original; silent replacement would orphan the first resource's
// callbacks without ever running them.
func (c *Cleaner) Register(d resource.Descriptor) error {
	if err := d.Validate(); err != nil {
		return errors.Trace(err)
	}
	if d.Kind == "" {
		d.Kind = resource.KindCustom
	}
	d.RegisteredAt = c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[d.ID]; ok {
		return errors.AlreadyExistsf("resource %q", d.ID)
	}
	c.resources[d.ID] = d
	logger.Tracef("registered %s resource %q at priority %d", d.Kind, d.ID, d.Priority)
	return nil
}

// Unregister removes a descriptor without running its callbacks. It is
// idempotent: unknown IDs are ignored.
func (c *Cleaner) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[id]; !ok {
		return
	}
	delete(c.resources, id)
	logger.Tracef("unregistered resource %q", id)
}

// ActiveResources returns a snapshot of the registry, ordered by
// priority then ID.
func (c *Cleaner) ActiveResources() []resource.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortDescriptors(c.resources)
}

// UpdateConfig merges the patch into the current config. The merged
// result is validated before it replaces anything, so a bad patch
// leaves the config untouched.
func (c *Cleaner) UpdateConfig(p ConfigPatch) error {
	c.mu.Lock()
	merged := c.config.apply(p)
	if err := merged.Validate(); err != nil {
		c.mu.Unlock()
		return errors.Trace(err)
	}
	c.config = merged
	c.mu.Unlock()

	if p.LoggingConfig != nil && *p.LoggingConfig != "" {
		if err := loggo.ConfigureLoggers(*p.LoggingConfig); err != nil {
			return errors.Annotate(err, "applying logging config")
		}
	}
	return nil
}

// Detector returns the leak detector the cleaner was built with, or
// nil.
func (c *Cleaner) Detector() *leakcheck.Detector {
	return c.detector
}

func sortDescriptors(in map[string]resource.Descriptor) []resource.Descriptor {
	out := make([]resource.Descriptor, 0, len(in))
	for _, d := range in {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
