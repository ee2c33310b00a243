// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge is the backend adapter for formats the engine cannot
// read natively. It delegates file access to an external bridge
// process, typically a JVM wrapping a reference format library, and
// speaks the lib/bridgewire protocol to it over a Unix socket.
//
// The bridge process is shared and lazily managed: the first open or
// create launches the configured command with the socket path as its
// final argument, probes the socket until the process is accepting,
// and performs the hello handshake. Every subsequent handle reuses the
// running process; closing the last handle shuts it down, first by
// protocol, then by signal. Requests flow over a pool of persistent
// connections sized to the concurrency limit the bridge advertised in
// its handshake, so the engine never has more calls in flight than
// the bridge agreed to service.
//
// A bridge that crashes, refuses the handshake, or breaks protocol
// surfaces as an error wrapping [ErrUnavailable] on the call that hit
// it. The adapter never restarts the process behind an open handle;
// stale handles keep failing and a fresh open launches a fresh
// process. Failures the bridge itself reports are translated back
// into the engine's error kinds, so callers see the same taxonomy the
// native backend produces.
package bridge
