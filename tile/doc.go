// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package tile provides the coordinate geometry underneath bfio:
// fixed-rank coordinate tuples, hyper-rectangular regions, and the
// decomposition of a requested region into the grid-aligned chunks
// that cover it.
//
// Every coordinate tuple is a [Coords] in the canonical axis order
// X, Y, Z (focal plane), C (channel), T (time). Buffers are row-major
// with X varying fastest, then Y, then Z, C, T — the raster layout of
// a tiled TIFF plane extended to five dimensions. [Strides] gives the
// element stride per axis for that layout.
//
// [Region.Clip] is where the engine's boundary policy lives: regions
// extending past the image are clipped to the in-bounds portion, never
// padded, and a region with no in-bounds portion at all fails with
// [ErrOutOfBounds].
//
// [Covering] computes the minimal set of grid-aligned chunks
// intersecting a region; readers and writers use it to translate
// caller regions into supertile and backend-tile sets. [CopyRegion]
// moves the overlapping portion of two regions between their buffers
// and is the single primitive behind region assembly and
// read-modify-write.
package tile
