// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// CBOR is the wire format of the bridge protocol: every request and
// response between the engine and a format bridge process is one CBOR
// map written directly to the unix socket. This package holds the
// shared encoding and decoding modes so that every package encodes
// identically without duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical message always produces identical bytes, so
// wire-level tests can compare frames directly.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (bridge sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Bridge protocol types carry `cbor` struct tags exclusively; they are
// never serialized as JSON. Pixel payloads ride as CBOR byte strings
// (major type 2) with no further transformation, so a tile's bytes on
// the wire are the tile's bytes in memory unless the payload layer
// compressed them first.
package codec
