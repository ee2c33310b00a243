// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the adapter contract between the tile engine
// and concrete file formats.
//
// A [Backend] is one format implementation: it recognizes files,
// opens them, and hands back a [Handle] that moves whole tiles in the
// format's native grid. Everything above this package (buffers,
// readers, writers, the scheduler) speaks only in terms of these two
// interfaces and never learns which format is underneath.
//
// A [Registry] collects the configured backends and picks one per
// file: an explicit override wins, then the file extension, then
// content sniffing over the file's leading bytes. The choice is made
// once at open time and pinned to the handle for its lifetime.
//
// # Errors
//
// Structural problems (unrecognized or corrupt files) surface as
// [FormatError]; plumbing problems (a read or write that failed with
// the structure intact) surface as [IOError]. Operations on a closed
// handle fail with [ErrClosed]. None of these are retried internally;
// the caller decides what a failure means.
package backend
