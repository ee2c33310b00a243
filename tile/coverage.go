// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tile

// Covering returns the minimal set of grid-aligned chunk regions that
// together cover region. Chunk origins are multiples of the grid shape;
// chunk shapes are the full grid shape, unclipped — callers clip to
// the image extent when a chunk hangs past an edge. Grid components
// must be positive.
//
// Chunks are returned in storage order: X varies fastest, then Y, Z,
// C, T, which gives sequential consumers (iteration, read-ahead) the
// raster traversal they expect.
func Covering(region Region, grid Coords) []Region {
	if region.Empty() {
		return nil
	}

	var first, last Coords
	for axis := 0; axis < NumAxes; axis++ {
		first[axis] = region.Origin[axis] / grid[axis]
		last[axis] = (region.Origin[axis] + region.Shape[axis] - 1) / grid[axis]
	}

	count := int64(1)
	for axis := 0; axis < NumAxes; axis++ {
		count *= last[axis] - first[axis] + 1
	}

	chunks := make([]Region, 0, count)
	for t := first[AxisT]; t <= last[AxisT]; t++ {
		for c := first[AxisC]; c <= last[AxisC]; c++ {
			for z := first[AxisZ]; z <= last[AxisZ]; z++ {
				for y := first[AxisY]; y <= last[AxisY]; y++ {
					for x := first[AxisX]; x <= last[AxisX]; x++ {
						index := Coords{x, y, z, c, t}
						var chunk Region
						for axis := 0; axis < NumAxes; axis++ {
							chunk.Origin[axis] = index[axis] * grid[axis]
							chunk.Shape[axis] = grid[axis]
						}
						chunks = append(chunks, chunk)
					}
				}
			}
		}
	}
	return chunks
}

// AlignDown returns the largest grid-aligned origin at or below origin.
func AlignDown(origin, grid Coords) Coords {
	var out Coords
	for axis := 0; axis < NumAxes; axis++ {
		out[axis] = (origin[axis] / grid[axis]) * grid[axis]
	}
	return out
}

// CopyRegion copies the overlap of srcRegion and dstRegion from src to
// dst. Both buffers are row-major (X fastest) over their region's
// shape with elementSize bytes per element. Regions that do not
// overlap copy nothing.
//
// This is the assembly primitive: a reader copies each fetched tile
// into the caller's output region, a writer scatters the caller's data
// into the dirty supertile entries it spans, and read-modify-write
// fills the untouched remainder of a boundary tile the same way.
func CopyRegion(dst []byte, dstRegion Region, src []byte, srcRegion Region, elementSize int) {
	overlap, ok := dstRegion.Intersect(srcRegion)
	if !ok {
		return
	}

	srcStrides := Strides(srcRegion.Shape)
	dstStrides := Strides(dstRegion.Shape)
	rowBytes := overlap.Shape[AxisX] * int64(elementSize)

	for t := overlap.Origin[AxisT]; t < overlap.Origin[AxisT]+overlap.Shape[AxisT]; t++ {
		for c := overlap.Origin[AxisC]; c < overlap.Origin[AxisC]+overlap.Shape[AxisC]; c++ {
			for z := overlap.Origin[AxisZ]; z < overlap.Origin[AxisZ]+overlap.Shape[AxisZ]; z++ {
				for y := overlap.Origin[AxisY]; y < overlap.Origin[AxisY]+overlap.Shape[AxisY]; y++ {
					row := Coords{overlap.Origin[AxisX], y, z, c, t}
					srcOffset := linearOffset(row, srcRegion.Origin, srcStrides) * int64(elementSize)
					dstOffset := linearOffset(row, dstRegion.Origin, dstStrides) * int64(elementSize)
					copy(dst[dstOffset:dstOffset+rowBytes], src[srcOffset:srcOffset+rowBytes])
				}
			}
		}
	}
}

// linearOffset returns the element offset of position within a
// row-major buffer whose region starts at origin with the given
// strides.
func linearOffset(position, origin, strides Coords) int64 {
	offset := int64(0)
	for axis := 0; axis < NumAxes; axis++ {
		offset += (position[axis] - origin[axis]) * strides[axis]
	}
	return offset
}
