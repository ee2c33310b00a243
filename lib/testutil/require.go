// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "time"

// failer is the part of testing.TB the channel waiters need.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch, failing the test if nothing
// arrives within timeout. A receive that outlives its deadline means
// the goroutine under test is stuck.
//
//	err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed without a value", what)
		}
		return v
	case <-deadline.C:
		t.Fatalf("%s: nothing received within %v", what, timeout)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close, failing the test if it stays
// open past timeout. For completion channels that signal by closing.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-ch:
	case <-deadline.C:
		t.Fatalf("%s: channel still open after %v", what, timeout)
	}
}
