// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridgewire defines the wire protocol between the engine and
// a format bridge process.
//
// A bridge is a separate process (in production, a JVM wrapping the
// reference format readers) that the engine spawns on demand and talks
// to over a Unix socket. The protocol is strict request-response: the
// client writes one CBOR-encoded [Request], the bridge answers with
// one [Response], on a persistent connection that carries many such
// cycles. CBOR is self-delimiting, so there is no length framing.
//
// # Handshake
//
// The first request on a fresh bridge is [OpHello], carrying the
// engine's [ProtocolVersion]. The response pins three things for the
// life of the process: the protocol version (which must match
// exactly), the bridge's concurrency capacity, and the formats it
// reads. The engine then opens exactly MaxConcurrent connections and
// issues at most one request per connection at a time — connection
// count is the concurrency cap, with no further bookkeeping on either
// side.
//
// # Payloads
//
// Pixel bytes cross the socket as a [Payload]: raw below the
// compression threshold, LZ4 block-compressed above it when that
// actually shrinks them, always carrying a BLAKE3 digest of the
// uncompressed bytes. [Pack] and [Payload.Unpack] are the only two
// ways in and out, so a corrupt transfer is caught at the boundary
// rather than decoded into a tile.
//
// # Errors
//
// Failures travel as responses with a message and a kind, never as
// closed connections. The kinds mirror the engine's error taxonomy
// ([KindFormat], [KindOutOfBounds], ...) so the engine can rebuild
// the same error type a native backend would have returned. A closed
// or unresponsive socket therefore always means the bridge itself is
// gone, which the engine reports as a bridge failure, distinct from
// any per-operation error.
//
// [Server] implements the bridge side for the mock bridge binary and
// for in-process tests; the production JVM bridge implements the same
// protocol.
package bridgewire
