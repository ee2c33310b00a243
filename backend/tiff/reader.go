// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// maxPlanes caps the directory chain walk. A million planes is an
// order of magnitude past any real acquisition; past that we assume a
// cyclic chain.
const maxPlanes = 1 << 20

// planeTiles is the chunk location table for one plane.
type planeTiles struct {
	offsets []uint64
	counts  []uint64
}

// readHandle is an open file in read mode. The *os.File is shared by
// every concurrent ReadTile via ReadAt; all parsed state is immutable
// after open.
type readHandle struct {
	path     string
	file     *os.File
	fileSize int64
	l        layout
	geometry planeGeometry
	pixel    metadata.PixelType
	meta     *metadata.Metadata
	planes   []planeTiles
	closed   atomic.Bool
	logger   *slog.Logger
}

func openRead(path string, logger *slog.Logger) (*readHandle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &backend.IOError{Op: "open", Path: path, Err: err}
	}
	handle, err := parseFile(path, file, logger)
	if err != nil {
		file.Close()
		return nil, err
	}
	logger.Debug("opened image",
		"path", path,
		"planes", len(handle.planes),
		"shape", handle.meta.Shape,
		"pixel_type", handle.meta.Pixel,
		"stripped", handle.geometry.stripped,
	)
	return handle, nil
}

func parseFile(path string, file *os.File, logger *slog.Logger) (*readHandle, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, &backend.IOError{Op: "open", Path: path, Err: err}
	}
	fileSize := info.Size()

	header := make([]byte, bigtiffHeaderLen)
	headerLen, err := file.ReadAt(header, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &backend.IOError{Op: "open", Path: path, Err: err}
	}
	l, offset, err := parseHeader(header[:headerLen])
	if err != nil {
		return nil, &backend.FormatError{Path: path, Reason: err.Error()}
	}

	var handle *readHandle
	var description []byte
	for planeNumber := 0; offset != 0; planeNumber++ {
		if planeNumber >= maxPlanes {
			return nil, &backend.FormatError{Path: path, Reason: "directory chain does not terminate"}
		}
		entries, next, err := parseIFD(file, l, offset, fileSize)
		if err != nil {
			return nil, &backend.FormatError{Path: path, Reason: err.Error()}
		}
		plane, err := parsePlane(entries, l)
		if err != nil {
			return nil, &backend.FormatError{Path: path, Reason: fmt.Sprintf("plane %d: %v", planeNumber, err)}
		}

		if planeNumber == 0 {
			handle = &readHandle{
				path:     path,
				file:     file,
				fileSize: fileSize,
				l:        l,
				geometry: plane.geometry,
				pixel:    plane.pixel,
				logger:   logger,
			}
			description = plane.description
		} else if plane.geometry != handle.geometry || plane.pixel != handle.pixel {
			return nil, &backend.FormatError{
				Path:   path,
				Reason: fmt.Sprintf("plane %d geometry disagrees with plane 0", planeNumber),
			}
		}
		handle.planes = append(handle.planes, planeTiles{offsets: plane.offsets, counts: plane.counts})
		offset = next
	}
	if handle == nil {
		return nil, &backend.FormatError{Path: path, Reason: "no image directories"}
	}

	meta, err := buildMetadata(handle.l, handle.geometry, handle.pixel, int64(len(handle.planes)), description)
	if err != nil {
		return nil, err
	}
	handle.meta = meta
	return handle, nil
}

// parsedPlane is everything one directory contributes.
type parsedPlane struct {
	geometry    planeGeometry
	pixel       metadata.PixelType
	offsets     []uint64
	counts      []uint64
	description []byte
}

func parsePlane(entries map[uint16]ifdEntry, l layout) (*parsedPlane, error) {
	width, err := requiredUint(entries, l, tagImageWidth)
	if err != nil {
		return nil, err
	}
	length, err := requiredUint(entries, l, tagImageLength)
	if err != nil {
		return nil, err
	}
	if width == 0 || length == 0 {
		return nil, fmt.Errorf("empty plane %d×%d", width, length)
	}

	samples := optionalUint(entries, l, tagSamplesPerPixel, 1)
	if samples != 1 {
		return nil, fmt.Errorf("%d samples per pixel, only single-sample planes are supported", samples)
	}
	compression := optionalUint(entries, l, tagCompression, compressionNone)
	if compression != compressionNone && compression != compressionDeflate {
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}

	bits := optionalUint(entries, l, tagBitsPerSample, 1)
	format := optionalUint(entries, l, tagSampleFormat, sampleFormatUint)
	pixel, err := pixelTypeFor(bits, format)
	if err != nil {
		return nil, err
	}

	plane := &parsedPlane{
		pixel: pixel,
		geometry: planeGeometry{
			width:       int64(width),
			length:      int64(length),
			compression: uint16(compression),
			elementSize: int64(pixel.Size()),
		},
	}
	if entry, ok := entries[tagImageDescription]; ok {
		plane.description = bytes.TrimRight(entry.data, "\x00")
	}

	_, tiled := entries[tagTileWidth]
	if tiled {
		tileWidth, err := requiredUint(entries, l, tagTileWidth)
		if err != nil {
			return nil, err
		}
		tileLength, err := requiredUint(entries, l, tagTileLength)
		if err != nil {
			return nil, err
		}
		if tileWidth == 0 || tileLength == 0 {
			return nil, fmt.Errorf("empty tile %d×%d", tileWidth, tileLength)
		}
		plane.geometry.tileWidth = int64(tileWidth)
		plane.geometry.tileLength = int64(tileLength)
		plane.offsets, plane.counts, err = locationArrays(entries, l, tagTileOffsets, tagTileByteCounts)
		if err != nil {
			return nil, err
		}
	} else {
		rows := optionalUint(entries, l, tagRowsPerStrip, uint64(length))
		if rows == 0 || rows > uint64(length) {
			rows = uint64(length)
		}
		plane.geometry.stripped = true
		plane.geometry.tileWidth = int64(width)
		plane.geometry.tileLength = int64(rows)
		plane.offsets, plane.counts, err = locationArrays(entries, l, tagStripOffsets, tagStripByteCounts)
		if err != nil {
			return nil, err
		}
	}

	if expected := plane.geometry.tilesPerPlane(); int64(len(plane.offsets)) != expected {
		return nil, fmt.Errorf("%d chunk offsets for a %d-chunk plane", len(plane.offsets), expected)
	}
	return plane, nil
}

func locationArrays(entries map[uint16]ifdEntry, l layout, offsetTag, countTag uint16) ([]uint64, []uint64, error) {
	offsetEntry, ok := entries[offsetTag]
	if !ok {
		return nil, nil, fmt.Errorf("missing tag %d", offsetTag)
	}
	offsets, err := offsetEntry.uints(l)
	if err != nil {
		return nil, nil, fmt.Errorf("tag %d: %w", offsetTag, err)
	}
	countEntry, ok := entries[countTag]
	if !ok {
		return nil, nil, fmt.Errorf("missing tag %d", countTag)
	}
	counts, err := countEntry.uints(l)
	if err != nil {
		return nil, nil, fmt.Errorf("tag %d: %w", countTag, err)
	}
	if len(offsets) != len(counts) {
		return nil, nil, fmt.Errorf("%d chunk offsets but %d byte counts", len(offsets), len(counts))
	}
	return offsets, counts, nil
}

func requiredUint(entries map[uint16]ifdEntry, l layout, tag uint16) (uint64, error) {
	entry, ok := entries[tag]
	if !ok {
		return 0, fmt.Errorf("missing tag %d", tag)
	}
	value, err := entry.firstUint(l)
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	return value, nil
}

func optionalUint(entries map[uint16]ifdEntry, l layout, tag uint16, fallback uint64) uint64 {
	entry, ok := entries[tag]
	if !ok {
		return fallback
	}
	value, err := entry.firstUint(l)
	if err != nil {
		return fallback
	}
	return value
}

// pixelTypeFor maps the BitsPerSample and SampleFormat pair onto the
// canonical pixel type.
func pixelTypeFor(bits, format uint64) (metadata.PixelType, error) {
	switch {
	case bits == 8 && format == sampleFormatUint:
		return metadata.Uint8, nil
	case bits == 8 && format == sampleFormatInt:
		return metadata.Int8, nil
	case bits == 16 && format == sampleFormatUint:
		return metadata.Uint16, nil
	case bits == 16 && format == sampleFormatInt:
		return metadata.Int16, nil
	case bits == 32 && format == sampleFormatUint:
		return metadata.Uint32, nil
	case bits == 32 && format == sampleFormatInt:
		return metadata.Int32, nil
	case bits == 32 && format == sampleFormatFloat:
		return metadata.Float32, nil
	case bits == 64 && format == sampleFormatFloat:
		return metadata.Float64, nil
	}
	return 0, fmt.Errorf("unsupported sample: %d-bit format %d", bits, format)
}

// sampleFormatFor inverts pixelTypeFor for the writer.
func sampleFormatFor(pixel metadata.PixelType) (bits, format uint16) {
	switch pixel {
	case metadata.Uint8:
		return 8, sampleFormatUint
	case metadata.Int8:
		return 8, sampleFormatInt
	case metadata.Uint16:
		return 16, sampleFormatUint
	case metadata.Int16:
		return 16, sampleFormatInt
	case metadata.Uint32:
		return 32, sampleFormatUint
	case metadata.Int32:
		return 32, sampleFormatInt
	case metadata.Float32:
		return 32, sampleFormatFloat
	case metadata.Float64:
		return 64, sampleFormatFloat
	}
	return 0, 0
}

// buildMetadata assembles the canonical record from the file
// structure and the optional XML block. Without the block, each
// directory becomes one Z plane.
func buildMetadata(l layout, geometry planeGeometry, pixel metadata.PixelType, planeCount int64, description []byte) (*metadata.Metadata, error) {
	meta := &metadata.Metadata{
		Shape: tile.Coords{geometry.width, geometry.length, planeCount, 1, 1},
		Pixel: pixel,
		Order: metadata.LittleEndian,
	}
	if l.big {
		meta.Order = metadata.BigEndian
	}

	pixels, err := decodeDescription(description)
	if err != nil {
		return nil, err
	}
	if pixels != nil {
		if err := applyDescription(meta, pixels, planeCount); err != nil {
			return nil, err
		}
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (h *readHandle) Metadata() *metadata.Metadata { return h.meta }

func (h *readHandle) TileShape() tile.Coords { return h.geometry.tileShape() }

func (h *readHandle) ReadTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	if h.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.geometry.checkAligned(region); err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	plane, err := h.planeFor(region.Origin)
	if err != nil {
		return nil, err
	}

	x, y := region.Origin[tile.AxisX], region.Origin[tile.AxisY]
	index := h.geometry.tileIndex(x, y)
	offset := h.planes[plane].offsets[index]
	count := h.planes[plane].counts[index]

	wanted := region.Shape.Volume() * h.geometry.elementSize
	if offset == 0 || count == 0 {
		// Sparse chunk: some writers omit never-touched tiles.
		return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: make([]byte, wanted)}, nil
	}
	if offset+count < offset || int64(offset+count) > h.fileSize {
		return nil, &backend.FormatError{
			Path:   h.path,
			Reason: fmt.Sprintf("chunk at %d spans past end of file", offset),
		}
	}

	stored := make([]byte, count)
	if _, err := h.file.ReadAt(stored, int64(offset)); err != nil {
		return nil, &backend.IOError{Op: "read tile", Path: h.path, Err: err}
	}
	decoded, err := decodePixels(stored, h.geometry.compression, int(h.geometry.storedBytes(x, y)))
	if err != nil {
		return nil, &backend.FormatError{Path: h.path, Reason: err.Error()}
	}

	pixels := h.geometry.cropEdges(region, decoded)
	if int64(len(pixels)) != wanted {
		return nil, &backend.FormatError{
			Path:   h.path,
			Reason: fmt.Sprintf("chunk decodes to %d bytes, want %d", len(pixels), wanted),
		}
	}
	return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: pixels}, nil
}

func (h *readHandle) planeFor(origin tile.Coords) (int64, error) {
	plane, err := planeNumber(h.meta.Shape, origin)
	if err != nil {
		return 0, fmt.Errorf("tiff: %w", err)
	}
	if plane >= int64(len(h.planes)) {
		return 0, &backend.FormatError{
			Path:   h.path,
			Reason: fmt.Sprintf("plane %d beyond %d stored directories", plane, len(h.planes)),
		}
	}
	return plane, nil
}

func (h *readHandle) WriteTile(ctx context.Context, t *tile.Tile) error {
	return &backend.IOError{Op: "write tile", Path: h.path, Err: errors.New("handle is read-only")}
}

func (h *readHandle) Close() error {
	if h.closed.Swap(true) {
		return backend.ErrClosed
	}
	if err := h.file.Close(); err != nil {
		return &backend.IOError{Op: "close", Path: h.path, Err: err}
	}
	return nil
}
