// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake() and advance time deterministically.
//
// Anything in bfio that waits on wall time takes a Clock instead of
// calling the time package directly: the bridge process manager's
// socket readiness probe and termination grace, and the supertile
// buffer's recency stamps. Tests drive these paths without sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}
