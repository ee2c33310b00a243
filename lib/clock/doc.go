// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, or time.Sleep directly. Real() provides the
// standard library behavior; Fake() provides a deterministic clock
// that advances only when Advance is called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that wait on time:
//
//	manager := &bridge.Manager{Clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := &bridge.Manager{Clock: c}
//	// ... start the goroutine under test ...
//	c.WaitForTimers(1)                 // wait for it to register a timer
//	c.Advance(500 * time.Millisecond)  // fire it deterministically
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing the clock, which is what makes the
// bridge probe/backoff paths testable without real sleeps.
package clock
