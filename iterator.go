// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio

import (
	"context"

	"github.com/bfio-dev/bfio/tile"
)

// Tiles returns an iterator over every tile of the image in storage
// order: X varies fastest, then Y, Z, C, T. Edge tiles are clipped to
// the extents. Each call returns a fresh iterator positioned before
// the first tile, so a second call restarts the traversal. ctx
// governs all reads the iteration performs.
//
//	it := r.Tiles(ctx)
//	for it.Next() {
//		t := it.Tile()
//		...
//	}
//	if err := it.Err(); err != nil {
//		return err
//	}
func (r *Reader) Tiles(ctx context.Context) *TileIterator {
	return &TileIterator{
		reader:  r,
		ctx:     ctx,
		regions: tile.Covering(r.meta.Bounds(), r.tileGrid),
	}
}

// TileIterator walks an image tile by tile. Next advances and reports
// whether a tile is available; Tile returns the current one; Err
// reports what stopped a halted walk. While the walk stays
// sequential, the chunk after the current one is prefetched in the
// background so the next tiles are usually already resident.
type TileIterator struct {
	reader  *Reader
	ctx     context.Context
	regions []tile.Region
	index   int
	current *tile.Tile
	err     error

	chunk  tile.Coords
	primed bool
}

// Next reads the next tile. It returns false when the image is
// exhausted or a read failed; Err distinguishes the two.
func (it *TileIterator) Next() bool {
	if it.err != nil || it.index >= len(it.regions) {
		return false
	}
	region, err := it.regions[it.index].Clip(it.reader.meta.Shape)
	if err != nil {
		it.err = err
		return false
	}
	data, err := it.reader.ReadRegion(it.ctx, region.Origin, region.Shape)
	if err != nil {
		it.err = err
		return false
	}
	it.current = &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: data}
	it.index++

	chunk := tile.AlignDown(region.Origin, it.reader.buffer.Grid())
	if !it.primed || chunk != it.chunk {
		it.primed = true
		it.chunk = chunk
		it.reader.prefetchAfter(chunk)
	}
	return true
}

// Tile returns the tile the last successful Next produced. The data
// is the caller's to keep; the iterator does not reuse it.
func (it *TileIterator) Tile() *tile.Tile { return it.current }

// Err returns the error that ended the walk early, or nil after a
// complete traversal.
func (it *TileIterator) Err() error { return it.err }
