// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// TIFF stores planes, not volumes. The 5-D structure rides in an
// OME-style XML document in the ImageDescription tag of the first
// IFD: axis extents, dimension order, pixel type, physical spacing,
// and channel names. Files without the block (plain TIFF from other
// software) are still readable; their IFDs become Z planes.

// xmlDimensionOrder is the only plane order written or accepted: Z
// varies fastest across IFDs, then C, then T.
const xmlDimensionOrder = "XYZCT"

type omeDocument struct {
	XMLName xml.Name `xml:"OME"`
	Image   omeImage `xml:"Image"`
}

type omeImage struct {
	Name   string    `xml:"Name,attr,omitempty"`
	Pixels omePixels `xml:"Pixels"`
}

type omePixels struct {
	SizeX             int64   `xml:"SizeX,attr"`
	SizeY             int64   `xml:"SizeY,attr"`
	SizeZ             int64   `xml:"SizeZ,attr"`
	SizeC             int64   `xml:"SizeC,attr"`
	SizeT             int64   `xml:"SizeT,attr"`
	Type              string  `xml:"Type,attr"`
	DimensionOrder    string  `xml:"DimensionOrder,attr"`
	BigEndian         bool    `xml:"BigEndian,attr"`
	PhysicalSizeX     float64 `xml:"PhysicalSizeX,attr,omitempty"`
	PhysicalSizeXUnit string  `xml:"PhysicalSizeXUnit,attr,omitempty"`
	PhysicalSizeY     float64 `xml:"PhysicalSizeY,attr,omitempty"`
	PhysicalSizeYUnit string  `xml:"PhysicalSizeYUnit,attr,omitempty"`
	PhysicalSizeZ     float64 `xml:"PhysicalSizeZ,attr,omitempty"`
	PhysicalSizeZUnit string  `xml:"PhysicalSizeZUnit,attr,omitempty"`
	TimeIncrement     float64 `xml:"TimeIncrement,attr,omitempty"`
	TimeIncrementUnit string  `xml:"TimeIncrementUnit,attr,omitempty"`

	Channels []omeChannel `xml:"Channel"`
}

type omeChannel struct {
	Name string `xml:"Name,attr,omitempty"`
}

// encodeDescription renders the metadata record as the XML block
// stored in the first IFD's ImageDescription.
func encodeDescription(meta *metadata.Metadata) ([]byte, error) {
	pixels := omePixels{
		SizeX:          meta.Shape[tile.AxisX],
		SizeY:          meta.Shape[tile.AxisY],
		SizeZ:          meta.Shape[tile.AxisZ],
		SizeC:          meta.Shape[tile.AxisC],
		SizeT:          meta.Shape[tile.AxisT],
		Type:           meta.Pixel.String(),
		DimensionOrder: xmlDimensionOrder,
		BigEndian:      meta.Order == metadata.BigEndian,
	}
	if s := meta.Spacing[tile.AxisX]; s.Value != 0 {
		pixels.PhysicalSizeX, pixels.PhysicalSizeXUnit = s.Value, s.Unit
	}
	if s := meta.Spacing[tile.AxisY]; s.Value != 0 {
		pixels.PhysicalSizeY, pixels.PhysicalSizeYUnit = s.Value, s.Unit
	}
	if s := meta.Spacing[tile.AxisZ]; s.Value != 0 {
		pixels.PhysicalSizeZ, pixels.PhysicalSizeZUnit = s.Value, s.Unit
	}
	if s := meta.Spacing[tile.AxisT]; s.Value != 0 {
		pixels.TimeIncrement, pixels.TimeIncrementUnit = s.Value, s.Unit
	}
	for _, name := range meta.Channels {
		pixels.Channels = append(pixels.Channels, omeChannel{Name: name})
	}

	encoded, err := xml.Marshal(omeDocument{Image: omeImage{Pixels: pixels}})
	if err != nil {
		return nil, fmt.Errorf("encoding image description: %w", err)
	}
	return append([]byte(xml.Header), encoded...), nil
}

// decodeDescription parses an ImageDescription block. It returns nil
// with no error when the description is not our XML dialect — plain
// TIFF writers put free text here, and that is not an error. A block
// that is recognizably ours but malformed fails with a metadata
// error.
func decodeDescription(description []byte) (*omePixels, error) {
	trimmed := strings.TrimSpace(string(description))
	if !strings.Contains(trimmed, "<OME") {
		return nil, nil
	}
	var document omeDocument
	if err := xml.Unmarshal([]byte(trimmed), &document); err != nil {
		return nil, &metadata.Error{
			Field:  "image-description",
			Reason: fmt.Sprintf("malformed XML block: %v", err),
		}
	}
	pixels := document.Image.Pixels
	if pixels.DimensionOrder != "" && pixels.DimensionOrder != xmlDimensionOrder {
		return nil, &metadata.Error{
			Field:  "dimension-order",
			Reason: fmt.Sprintf("unsupported order %q, only %s is supported", pixels.DimensionOrder, xmlDimensionOrder),
		}
	}
	return &pixels, nil
}

// applyDescription folds a decoded XML block into a metadata record
// whose X, Y, pixel type, and byte order were already established from
// the first IFD. The XML's own copies of those fields must agree with
// the IFD; the TIFF structure wins and a mismatch is refused rather
// than guessed at.
func applyDescription(meta *metadata.Metadata, pixels *omePixels, planeCount int64) error {
	if pixels.SizeX != meta.Shape[tile.AxisX] || pixels.SizeY != meta.Shape[tile.AxisY] {
		return &metadata.Error{
			Field: "plane-size",
			Reason: fmt.Sprintf("description says %d×%d, IFD says %d×%d",
				pixels.SizeX, pixels.SizeY, meta.Shape[tile.AxisX], meta.Shape[tile.AxisY]),
		}
	}
	if pixels.Type != "" && pixels.Type != meta.Pixel.String() {
		return &metadata.Error{
			Field:  "pixel-type",
			Reason: fmt.Sprintf("description says %s, IFD says %s", pixels.Type, meta.Pixel),
		}
	}
	if pixels.BigEndian != (meta.Order == metadata.BigEndian) {
		return &metadata.Error{
			Field:  "byte-order",
			Reason: "description byte order disagrees with the file header",
		}
	}

	if pixels.SizeZ <= 0 || pixels.SizeC <= 0 || pixels.SizeT <= 0 {
		return &metadata.Error{
			Field:  "extent",
			Reason: fmt.Sprintf("non-positive Z/C/T extents %d/%d/%d", pixels.SizeZ, pixels.SizeC, pixels.SizeT),
		}
	}
	if pixels.SizeZ*pixels.SizeC*pixels.SizeT != planeCount {
		return &metadata.Error{
			Field: "extent",
			Reason: fmt.Sprintf("%d×%d×%d planes described, file has %d",
				pixels.SizeZ, pixels.SizeC, pixels.SizeT, planeCount),
		}
	}
	meta.Shape[tile.AxisZ] = pixels.SizeZ
	meta.Shape[tile.AxisC] = pixels.SizeC
	meta.Shape[tile.AxisT] = pixels.SizeT

	meta.Spacing[tile.AxisX] = metadata.Spacing{Value: pixels.PhysicalSizeX, Unit: pixels.PhysicalSizeXUnit}
	meta.Spacing[tile.AxisY] = metadata.Spacing{Value: pixels.PhysicalSizeY, Unit: pixels.PhysicalSizeYUnit}
	meta.Spacing[tile.AxisZ] = metadata.Spacing{Value: pixels.PhysicalSizeZ, Unit: pixels.PhysicalSizeZUnit}
	meta.Spacing[tile.AxisT] = metadata.Spacing{Value: pixels.TimeIncrement, Unit: pixels.TimeIncrementUnit}

	if len(pixels.Channels) != 0 {
		if int64(len(pixels.Channels)) != pixels.SizeC {
			return &metadata.Error{
				Field:  "channel-names",
				Reason: fmt.Sprintf("%d channel elements for SizeC=%d", len(pixels.Channels), pixels.SizeC),
			}
		}
		names := make([]string, len(pixels.Channels))
		anyNamed := false
		for i, channel := range pixels.Channels {
			names[i] = channel.Name
			if channel.Name != "" {
				anyNamed = true
			}
		}
		if anyNamed {
			meta.Channels = names
		}
	}
	return nil
}
