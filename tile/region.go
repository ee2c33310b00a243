// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tile

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds reports a requested region with no overlap with the
// image extents at all. Regions that merely extend past an edge are
// clipped, not failed; see [Region.Clip].
var ErrOutOfBounds = errors.New("tile: region entirely outside image extents")

// Region is a hyper-rectangle in logical image coordinates.
type Region struct {
	Origin Coords
	Shape  Coords
}

// End returns the exclusive upper corner, Origin + Shape.
func (r Region) End() Coords {
	return r.Origin.Add(r.Shape)
}

// Volume returns the number of elements the region covers.
func (r Region) Volume() int64 {
	return r.Shape.Volume()
}

// Empty reports whether the region covers no elements.
func (r Region) Empty() bool {
	return r.Shape.Volume() == 0
}

func (r Region) String() string {
	return fmt.Sprintf("origin %v shape %v", r.Origin, r.Shape)
}

// Intersect returns the overlap of two regions. The second result is
// false when they do not overlap.
func (r Region) Intersect(other Region) (Region, bool) {
	var out Region
	for axis := 0; axis < NumAxes; axis++ {
		low := max(r.Origin[axis], other.Origin[axis])
		high := min(r.Origin[axis]+r.Shape[axis], other.Origin[axis]+other.Shape[axis])
		if high <= low {
			return Region{}, false
		}
		out.Origin[axis] = low
		out.Shape[axis] = high - low
	}
	return out, true
}

// Contains reports whether other lies entirely within r.
func (r Region) Contains(other Region) bool {
	for axis := 0; axis < NumAxes; axis++ {
		if other.Origin[axis] < r.Origin[axis] {
			return false
		}
		if other.Origin[axis]+other.Shape[axis] > r.Origin[axis]+r.Shape[axis] {
			return false
		}
	}
	return true
}

// Clip bounds the region to an image of the given extents. Regions
// extending past an edge lose the out-of-range portion; they are never
// padded. A region with a negative origin component, a non-positive
// shape component, or no in-bounds portion at all fails with
// ErrOutOfBounds.
func (r Region) Clip(extents Coords) (Region, error) {
	out := r
	for axis := 0; axis < NumAxes; axis++ {
		if r.Origin[axis] < 0 || r.Shape[axis] <= 0 {
			return Region{}, fmt.Errorf("%w: %v in image %v", ErrOutOfBounds, r, extents)
		}
		if r.Origin[axis] >= extents[axis] {
			return Region{}, fmt.Errorf("%w: %v in image %v", ErrOutOfBounds, r, extents)
		}
		if end := r.Origin[axis] + r.Shape[axis]; end > extents[axis] {
			out.Shape[axis] = extents[axis] - r.Origin[axis]
		}
	}
	return out, nil
}
