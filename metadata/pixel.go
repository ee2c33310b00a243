// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/binary"
	"fmt"
)

// PixelType identifies the element type of one pixel sample. It
// determines the byte width used for every buffer-size computation in
// the engine.
type PixelType int

const (
	Uint8 PixelType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

// pixelTypeNames is indexed by PixelType.
var pixelTypeNames = [...]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

// Size returns the width of one sample in bytes.
func (p PixelType) Size() int {
	switch p {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Valid reports whether p is one of the recognized pixel types.
func (p PixelType) Valid() bool {
	return p >= Uint8 && p <= Float64
}

func (p PixelType) String() string {
	if p.Valid() {
		return pixelTypeNames[p]
	}
	return fmt.Sprintf("PixelType(%d)", int(p))
}

// ParsePixelType maps a type name ("uint16", "float32", ...) to its
// PixelType. Unknown names fail with a metadata Error.
func ParsePixelType(name string) (PixelType, error) {
	for pixelType, candidate := range pixelTypeNames {
		if candidate == name {
			return PixelType(pixelType), nil
		}
	}
	return 0, &Error{Field: "pixel-type", Reason: fmt.Sprintf("unsupported type %q", name)}
}

// ByteOrder is the on-disk byte order of multi-byte samples.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

// Binary returns the encoding/binary order matching o, for backends
// that decode samples themselves.
func (o ByteOrder) Binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
