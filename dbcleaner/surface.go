// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dbcleaner

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"github.com/juju/sexton/core/resource"
)

// The recognised closing surfaces, probed in preference order. The
// first match wins, so an object exposing both Close and Disconnect is
// closed with Close.
//
//	Close() error              standard library and most drivers
//	Disconnect(ctx) error      session-oriented clients
//	DB() (*sql.DB, error)      pool wrappers; the nested handle is closed
//
// Destructive surfaces, used as rescue when graceful closing fails and
// as the forced teardown:
//
//	Destroy() error
//	Kill() error

func closeSurface(conn interface{}) (func(context.Context) error, bool) {
	switch v := conn.(type) {
	case interface{ Close() error }:
		return func(context.Context) error { return v.Close() }, true
	case interface{ Disconnect(context.Context) error }:
		return v.Disconnect, true
	case interface{ DB() (*sql.DB, error) }:
		return func(context.Context) error {
			db, err := v.DB()
			if err != nil {
				return errors.Trace(err)
			}
			return db.Close()
		}, true
	}
	return nil, false
}

func destroySurface(conn interface{}) (func(context.Context) error, bool) {
	switch v := conn.(type) {
	case interface{ Destroy() error }:
		return func(context.Context) error { return v.Destroy() }, true
	case interface{ Kill() error }:
		return func(context.Context) error { return v.Kill() }, true
	}
	return nil, false
}

// classifyClose maps a close failure onto the teardown taxonomy. A
// failure that classifies to nothing more specific is treated as
// connection-refused-class: the connection was torn down under us or
// the server side is past caring.
func classifyClose(err error) error {
	classified := resource.Classify(err)
	switch {
	case errors.Is(classified, errors.Timeout),
		errors.Is(classified, resource.ErrResourceBusy),
		errors.Is(classified, resource.ErrPermissionDenied),
		errors.Is(classified, resource.ErrConnectionRefused):
		return classified
	}
	return errors.WithType(err, resource.ErrConnectionRefused)
}
