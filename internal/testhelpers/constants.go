// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testhelpers carries the timing conventions shared by the
// test suites.
package testhelpers

import "time"

// ShortWait bounds a wait for something that should not happen: the
// suite really does block this long before moving on, so it stays
// short.
const ShortWait = 50 * time.Millisecond

// LongWait bounds a wait for something that should already have
// happened. A passing suite never sleeps anywhere near this long; it
// is generous so loaded machines do not produce spurious failures.
const LongWait = 10 * time.Second
