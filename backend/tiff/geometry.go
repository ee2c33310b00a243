// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"fmt"

	"github.com/bfio-dev/bfio/tile"
)

// planeGeometry is the storage grid shared by every plane in one
// file: the plane extent, the chunk extent, and how samples are
// packed into each chunk. Strips are treated as full-width tiles, so
// everything above this struct speaks one language.
type planeGeometry struct {
	width, length         int64
	tileWidth, tileLength int64
	stripped              bool
	compression           uint16
	elementSize           int64
}

func (g planeGeometry) tilesAcross() int64 {
	return ceilDiv(g.width, g.tileWidth)
}

func (g planeGeometry) tilesDown() int64 {
	return ceilDiv(g.length, g.tileLength)
}

func (g planeGeometry) tilesPerPlane() int64 {
	return g.tilesAcross() * g.tilesDown()
}

// tileIndex is the position of the chunk containing (x, y) in the
// plane's offset arrays: row-major over the tile grid.
func (g planeGeometry) tileIndex(x, y int64) int64 {
	return (y/g.tileLength)*g.tilesAcross() + x/g.tileWidth
}

// clippedRows is how many image rows the chunk starting at row y
// actually covers.
func (g planeGeometry) clippedRows(y int64) int64 {
	return min(g.tileLength, g.length-y)
}

// clippedColumns is how many image columns the chunk starting at
// column x actually covers.
func (g planeGeometry) clippedColumns(x int64) int64 {
	return min(g.tileWidth, g.width-x)
}

// storedBytes is the uncompressed byte size of the chunk at (x, y) as
// stored in the file. Tiles are padded to the full tile extent;
// strips hold exactly the rows they cover.
func (g planeGeometry) storedBytes(x, y int64) int64 {
	if g.stripped {
		return g.clippedRows(y) * g.width * g.elementSize
	}
	return g.tileWidth * g.tileLength * g.elementSize
}

// tileShape is the grid the engine sees: a 2-D slab.
func (g planeGeometry) tileShape() tile.Coords {
	return tile.Coords{g.tileWidth, g.tileLength, 1, 1, 1}
}

// cropEdges trims the padding off a stored edge tile so the result
// stops at the image boundary. Strips are stored exactly clipped and
// pass through.
func (g planeGeometry) cropEdges(region tile.Region, decoded []byte) []byte {
	if g.stripped {
		return decoded
	}
	columns := region.Shape[tile.AxisX] * g.elementSize
	rows := region.Shape[tile.AxisY]
	storedColumns := g.tileWidth * g.elementSize
	if columns == storedColumns && rows == g.tileLength {
		return decoded
	}
	cropped := make([]byte, columns*rows)
	for row := range rows {
		copy(cropped[row*columns:(row+1)*columns], decoded[row*storedColumns:])
	}
	return cropped
}

// padEdges expands a clipped edge chunk to the full tile extent,
// zero-filling past the image boundary. Interior chunks pass through.
func (g planeGeometry) padEdges(region tile.Region, pixels []byte) []byte {
	columns := region.Shape[tile.AxisX] * g.elementSize
	rows := region.Shape[tile.AxisY]
	storedColumns := g.tileWidth * g.elementSize
	if columns == storedColumns && rows == g.tileLength {
		return pixels
	}
	padded := make([]byte, storedColumns*g.tileLength)
	for row := range rows {
		copy(padded[row*storedColumns:], pixels[row*columns:(row+1)*columns])
	}
	return padded
}

// checkAligned verifies that region is one grid-aligned chunk clipped
// to the plane, the only read and write unit a handle accepts.
func (g planeGeometry) checkAligned(region tile.Region) error {
	x, y := region.Origin[tile.AxisX], region.Origin[tile.AxisY]
	if x%g.tileWidth != 0 || y%g.tileLength != 0 {
		return fmt.Errorf("origin (%d, %d) not aligned to the %d×%d grid", x, y, g.tileWidth, g.tileLength)
	}
	if x < 0 || x >= g.width || y < 0 || y >= g.length {
		return fmt.Errorf("origin (%d, %d) outside the %d×%d plane", x, y, g.width, g.length)
	}
	if region.Shape[tile.AxisX] != g.clippedColumns(x) || region.Shape[tile.AxisY] != g.clippedRows(y) {
		return fmt.Errorf("shape %d×%d does not match the clipped chunk %d×%d",
			region.Shape[tile.AxisX], region.Shape[tile.AxisY], g.clippedColumns(x), g.clippedRows(y))
	}
	for _, axis := range []tile.Axis{tile.AxisZ, tile.AxisC, tile.AxisT} {
		if region.Shape[axis] != 1 {
			return fmt.Errorf("chunk spans %d %s planes, handles move one at a time", region.Shape[axis], axis)
		}
	}
	return nil
}

// planeNumber maps a tile origin to its directory number. Planes are
// stored Z-fastest to match the canonical axis order.
func planeNumber(shape, origin tile.Coords) (int64, error) {
	z, c, t := origin[tile.AxisZ], origin[tile.AxisC], origin[tile.AxisT]
	if z < 0 || z >= shape[tile.AxisZ] || c < 0 || c >= shape[tile.AxisC] || t < 0 || t >= shape[tile.AxisT] {
		return 0, fmt.Errorf("plane z=%d c=%d t=%d outside image %v", z, c, t, shape)
	}
	return z + shape[tile.AxisZ]*(c+shape[tile.AxisC]*t), nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
