// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bfio-dev/bfio/tile"
)

// Error reports metadata that cannot be normalized into a valid
// record: a non-positive extent, an unrecognized pixel type, channel
// names that disagree with the channel extent.
type Error struct {
	// Field names the offending part of the record ("extent X",
	// "pixel-type", "channel-names").
	Field string

	// Reason describes what is wrong with it.
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metadata: %s: %s", e.Field, e.Reason)
}

// IsError reports whether err is (or wraps) a metadata Error.
func IsError(err error) bool {
	var metadataError *Error
	return errors.As(err, &metadataError)
}

// Spacing is the physical calibration of one axis: the distance one
// sample covers, in Unit. A zero Value means uncalibrated.
type Spacing struct {
	Value float64
	Unit  string
}

// Metadata is the canonical description of an image: extents over the
// fixed X, Y, Z, C, T axis set, the pixel type, byte order, optional
// physical spacing, and channel names. Backends normalize whatever
// they store into this record at open; writers validate a
// caller-supplied record before accepting any pixel data.
//
// Metadata is read once at open and never mutated afterward. Share it
// freely; copy it with Clone before editing a record for a new file.
type Metadata struct {
	// Shape holds the image extents in canonical axis order. Axes the
	// image does not use have extent 1.
	Shape tile.Coords

	// Pixel is the sample type of every channel.
	Pixel PixelType

	// Order is the on-disk byte order of multi-byte samples.
	Order ByteOrder

	// Spacing is the optional physical calibration per axis. A zero
	// Value leaves the axis uncalibrated.
	Spacing [tile.NumAxes]Spacing

	// Channels names each channel. Either empty or exactly
	// Shape[AxisC] entries.
	Channels []string
}

// New returns a validated metadata record for a width×height image
// with the given pixel type and all other axes at extent 1.
func New(width, height int64, pixel PixelType) (*Metadata, error) {
	m := &Metadata{
		Shape: tile.Coords{width, height, 1, 1, 1},
		Pixel: pixel,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the record against the invariants every backend
// relies on. It reports every violation, joined.
func (m *Metadata) Validate() error {
	var errs []error
	for axis := tile.Axis(0); axis < tile.NumAxes; axis++ {
		if m.Shape[axis] <= 0 {
			errs = append(errs, &Error{
				Field:  fmt.Sprintf("extent %s", axis),
				Reason: fmt.Sprintf("must be positive, got %d", m.Shape[axis]),
			})
		}
	}
	if !m.Pixel.Valid() {
		errs = append(errs, &Error{
			Field:  "pixel-type",
			Reason: fmt.Sprintf("unsupported type %d", int(m.Pixel)),
		})
	}
	if len(m.Channels) != 0 && int64(len(m.Channels)) != m.Shape[tile.AxisC] {
		errs = append(errs, &Error{
			Field:  "channel-names",
			Reason: fmt.Sprintf("%d names for %d channels", len(m.Channels), m.Shape[tile.AxisC]),
		})
	}
	for axis := tile.Axis(0); axis < tile.NumAxes; axis++ {
		if m.Spacing[axis].Value < 0 {
			errs = append(errs, &Error{
				Field:  fmt.Sprintf("spacing %s", axis),
				Reason: fmt.Sprintf("must not be negative, got %g", m.Spacing[axis].Value),
			})
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	out := *m
	out.Channels = slices.Clone(m.Channels)
	return &out
}

// Bounds returns the image as a region anchored at the origin.
func (m *Metadata) Bounds() tile.Region {
	return tile.Region{Shape: m.Shape}
}

// NumPlanes returns the number of 2-D planes, Z×C×T.
func (m *Metadata) NumPlanes() int64 {
	return m.Shape[tile.AxisZ] * m.Shape[tile.AxisC] * m.Shape[tile.AxisT]
}

// PlaneIndex returns the linear index of the (z, c, t) plane in
// canonical order: Z varies fastest, then C, then T.
func (m *Metadata) PlaneIndex(z, c, t int64) int64 {
	return z + m.Shape[tile.AxisZ]*(c+m.Shape[tile.AxisC]*t)
}

// PlaneCoords inverts PlaneIndex.
func (m *Metadata) PlaneCoords(plane int64) (z, c, t int64) {
	z = plane % m.Shape[tile.AxisZ]
	rest := plane / m.Shape[tile.AxisZ]
	c = rest % m.Shape[tile.AxisC]
	t = rest / m.Shape[tile.AxisC]
	return z, c, t
}

// PlaneBytes returns the byte size of one uncompressed 2-D plane.
func (m *Metadata) PlaneBytes() int64 {
	return m.Shape[tile.AxisX] * m.Shape[tile.AxisY] * int64(m.Pixel.Size())
}

// TotalBytes returns the byte size of the full uncompressed image.
func (m *Metadata) TotalBytes() int64 {
	return m.Shape.Volume() * int64(m.Pixel.Size())
}
