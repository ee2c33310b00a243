// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for bfio packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only place in the test suite where real wall-clock timeouts are
// used; everything else drives time through lib/clock.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets, working around the 108-byte sun_path limit that
// deeply nested t.TempDir() paths can exceed.
//
// [DeterministicBytes] and [Rect2D] support pixel round-trip tests:
// the first generates reproducible pixel fills, the second is a naive
// row-copy oracle that region assembly results are compared against.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no bfio-internal dependencies.
package testutil
