// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tile

import "fmt"

// Axis indexes a position in a Coords tuple. The canonical order is
// X, Y, Z, C, T; every Coords in bfio uses it.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisC
	AxisT
)

// NumAxes is the fixed rank of all coordinate tuples.
const NumAxes = 5

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	case AxisC:
		return "C"
	case AxisT:
		return "T"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Coords is a coordinate or extent tuple in canonical X, Y, Z, C, T
// order. Trailing axes a caller does not use are zero for origins and
// one for shapes.
type Coords [NumAxes]int64

// Shape2D returns a shape tuple covering width×height pixels of a
// single plane.
func Shape2D(width, height int64) Coords {
	return Coords{width, height, 1, 1, 1}
}

// Origin2D returns an origin tuple at (x, y) on the first plane.
func Origin2D(x, y int64) Coords {
	return Coords{x, y, 0, 0, 0}
}

// Volume returns the number of elements in a shape tuple. A tuple
// with any non-positive component has volume zero.
func (c Coords) Volume() int64 {
	volume := int64(1)
	for _, extent := range c {
		if extent <= 0 {
			return 0
		}
		volume *= extent
	}
	return volume
}

// Add returns the componentwise sum.
func (c Coords) Add(other Coords) Coords {
	var out Coords
	for axis := range out {
		out[axis] = c[axis] + other[axis]
	}
	return out
}

func (c Coords) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d, %d)", c[0], c[1], c[2], c[3], c[4])
}

// Strides returns the element stride for each axis of a row-major
// buffer with the given shape: X has stride 1, Y has stride shape.X,
// and so on. Multiply by the element byte width for byte offsets.
func Strides(shape Coords) Coords {
	var strides Coords
	stride := int64(1)
	for axis := 0; axis < NumAxes; axis++ {
		strides[axis] = stride
		stride *= shape[axis]
	}
	return strides
}

// Tile is the unit of backend I/O: a contiguous row-major buffer
// covering Shape elements at Origin. Data length is always
// Shape.Volume() times the element byte width.
type Tile struct {
	Origin Coords
	Shape  Coords
	Data   []byte
}

// Region returns the region the tile covers.
func (t *Tile) Region() Region {
	return Region{Origin: t.Origin, Shape: t.Shape}
}
