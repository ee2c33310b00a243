// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package bfio reads and writes tiled scientific images that are far
// larger than memory. It fronts interchangeable format backends with a
// single programmatic surface: open or create an image, read or write
// arbitrary pixel regions, and let the engine handle tiling, caching,
// and parallel I/O underneath.
//
// A Reader decomposes each requested region into supertile chunks,
// fetches the missing ones through a bounded worker pool, and
// assembles the caller's bytes from the cache. A Writer accepts
// regions at any alignment, stages them in the same chunk buffer with
// read-modify-write for partial tiles, and drains everything to the
// backend on Flush or Close. Memory stays under the configured budget
// in both directions; a whole-image traversal touches every pixel
// while holding only a handful of chunks resident.
//
// Two backends ship with the engine. The native one reads and writes
// tiled OME-TIFF, classic and BigTIFF, in process. The bridge one
// delegates to a sidecar decoder process over a Unix socket, which is
// how formats with JVM-only readers are served; it is registered
// explicitly because it needs a command to launch:
//
//	b, err := bridge.New(bridge.Config{
//		Command:    []string{"bioformats-bridge"},
//		Extensions: []string{".czi", ".nd2"},
//	})
//	if err != nil {
//		return err
//	}
//	if err := bfio.Register(b); err != nil {
//		return err
//	}
//
// Reading a region:
//
//	r, err := bfio.Open(ctx, "plate.ome.tiff", bfio.Options{})
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	data, err := r.ReadRegion(ctx,
//		tile.Coords{x0, y0, 0, 0, 0},
//		tile.Coords{w, h, 1, 1, 1})
//
// Pixel bytes are row-major in storage order, X varying fastest, in
// the image's byte order. Regions that extend past the extents are
// clipped on read and refused on write; regions with no overlap fail
// with ErrOutOfBounds.
package bfio
