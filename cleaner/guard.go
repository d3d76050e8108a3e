// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleaner

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// GuardConfig defines the operation of a Guard.
type GuardConfig struct {
	// Cleaner runs the final pass.
	Cleaner *Cleaner

	// Timeout bounds the final pass as a whole.
	Timeout time.Duration
}

// Validate returns an error if the config cannot drive a Guard.
func (config GuardConfig) Validate() error {
	if config.Cleaner == nil {
		return errors.NotValidf("nil Cleaner")
	}
	if config.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	return nil
}

// Guard is a worker that does nothing until it is killed, then runs
// one final cleanup pass as its teardown. Mounting it in a runner ties
// resource cleanup to the process's worker lifecycle: whatever kills
// the runner also drains the registry.
type Guard struct {
	catacomb catacomb.Catacomb
	config   GuardConfig
}

// NewGuard returns a Guard backed by config, or an error.
func NewGuard(config GuardConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	g := &Guard{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &g.catacomb,
		Work: g.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return g, nil
}

// Kill is part of the worker.Worker interface.
func (g *Guard) Kill() {
	g.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. In strict mode a final
// pass with failures or leaks surfaces here.
func (g *Guard) Wait() error {
	return g.catacomb.Wait()
}

func (g *Guard) loop() error {
	<-g.catacomb.Dying()

	ctx, cancel := context.WithTimeout(context.Background(), g.config.Timeout)
	defer cancel()
	report, err := g.config.Cleaner.Cleanup(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("guard final pass: %s", report.Summary())
	return g.catacomb.ErrDying()
}
