// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the pure domain concepts shared by every layer of
the cleanup machinery: what a registered resource and its teardown
report are (core/resource), and what an OS- or runtime-visible handle
is (core/handle).

The discipline is about what must *not* go here:

  - nothing that touches a socket, a database driver, /proc or any
    other platform surface; that belongs in an adapter or in internal.
  - nothing that schedules or orchestrates; core describes outcomes,
    it never produces them.

Subpackages of core may import each other, and nothing else from this
module.
*/
package core
