// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines the canonical in-memory description of an
// image: extents over the fixed X, Y, Z, C, T axis set, pixel type,
// byte order, physical calibration, and channel names.
//
// Backends report their own notions of shape and sample format;
// normalizing them into [Metadata] at open time is what lets the rest
// of the engine size buffers, decompose regions, and validate requests
// without knowing which backend is underneath. The record is immutable
// after open. Writers validate a caller-supplied record with
// [Metadata.Validate] before accepting any pixel data, so a file is
// never created with extents or a pixel type the engine cannot serve.
//
// Validation failures are reported as [Error] values naming the
// offending field; errors.As (or [IsError]) distinguishes them from
// I/O failures.
package metadata
