// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package tiff is the native backend for tiled image files.
//
// It reads classic and BigTIFF structures in either byte order,
// tiled or stripped, raw or deflate. Strips are presented as
// full-width tiles so the engine sees one chunk geometry everywhere.
// An XML description block on the first directory carries the Z, C,
// and T extents, physical spacing, and channel names; without one,
// each directory is one Z plane.
//
// The writer always produces tiled output with the description
// block, choosing BigTIFF up front whenever the worst-case size
// could pass 4 GiB. Output accumulates in a temp file and is renamed
// into place at Close; a failed or abandoned write leaves nothing at
// the target path.
package tiff
