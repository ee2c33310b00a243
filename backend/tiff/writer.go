// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// classicSizeLimit is the largest file the writer will lay out with
// 32-bit offsets. Anything whose worst-case size could pass it is
// written as BigTIFF from the start; the slack below 4 GiB absorbs
// directories, the description block, and deflate expansion on
// incompressible data.
const classicSizeLimit = 1<<32 - 1<<26

// maxTagExtent is the largest plane or tile dimension the LONG-typed
// structure tags can record.
const maxTagExtent = 1<<32 - 1

// writeHandle builds a new file chunk by chunk. Pixel data is
// appended to a temp file as it arrives; the directory chain is laid
// out at Close, and only a fully finalized file is renamed into
// place. Chunks are never overwritten: rewriting one appends a fresh
// copy and orphans the old bytes, so a readback concurrent with a
// rewrite sees the older complete version.
type writeHandle struct {
	path     string
	tempPath string
	file     *os.File
	l        layout
	geometry planeGeometry
	meta     *metadata.Metadata
	logger   *slog.Logger

	mu      sync.Mutex
	next    uint64 // append position, kept word aligned
	offsets [][]uint64
	counts  [][]uint64
	written int64
	closed  bool
	failed  error // first output failure; Close reports it and discards
}

func openWrite(path string, meta *metadata.Metadata, config Config, logger *slog.Logger) (*writeHandle, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	shape := meta.Shape
	if shape[tile.AxisX] > maxTagExtent || shape[tile.AxisY] > maxTagExtent {
		return nil, &metadata.Error{
			Field:  "shape",
			Reason: fmt.Sprintf("plane %d×%d exceeds the format limit", shape[tile.AxisX], shape[tile.AxisY]),
		}
	}
	planes := shape[tile.AxisZ] * shape[tile.AxisC] * shape[tile.AxisT]
	if planes > maxPlanes {
		return nil, &metadata.Error{
			Field:  "shape",
			Reason: fmt.Sprintf("%d planes exceed the format limit of %d", planes, maxPlanes),
		}
	}
	compression, err := config.Compression.tagValue()
	if err != nil {
		return nil, err
	}

	meta = meta.Clone()
	geometry := planeGeometry{
		width:       shape[tile.AxisX],
		length:      shape[tile.AxisY],
		tileWidth:   config.TileWidth,
		tileLength:  config.TileLength,
		compression: compression,
		elementSize: int64(meta.Pixel.Size()),
	}
	estimate := estimateSize(geometry, planes)
	l := layout{order: meta.Order.Binary(), big: config.ForceBigTIFF || estimate > classicSizeLimit}

	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, &backend.IOError{Op: "create", Path: path, Err: err}
	}
	preallocate(file, estimate)
	handle := &writeHandle{
		path:     path,
		tempPath: file.Name(),
		file:     file,
		l:        l,
		geometry: geometry,
		meta:     meta,
		logger:   logger,
		next:     uint64(l.headerLen()),
		offsets:  make([][]uint64, planes),
		counts:   make([][]uint64, planes),
	}
	perPlane := geometry.tilesPerPlane()
	for plane := range planes {
		handle.offsets[plane] = make([]uint64, perPlane)
		handle.counts[plane] = make([]uint64, perPlane)
	}

	if _, err := file.WriteAt(writeHeader(l), 0); err != nil {
		file.Close()
		os.Remove(handle.tempPath)
		return nil, &backend.IOError{Op: "create", Path: path, Err: err}
	}
	logger.Debug("creating image",
		"path", path,
		"shape", shape,
		"pixel_type", meta.Pixel,
		"planes", planes,
		"bigtiff", l.big,
	)
	return handle, nil
}

// estimateSize is the worst-case finalized file size: every chunk at
// full padded extent, slight deflate expansion, directory overhead.
func estimateSize(g planeGeometry, planes int64) int64 {
	chunk := g.tileWidth * g.tileLength * g.elementSize
	total := planes * g.tilesPerPlane() * (chunk + chunk/1000 + 64)
	return total + planes*4096 + 1<<20
}

func (h *writeHandle) Metadata() *metadata.Metadata { return h.meta }

func (h *writeHandle) TileShape() tile.Coords { return h.geometry.tileShape() }

func (h *writeHandle) WriteTile(ctx context.Context, t *tile.Tile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	region := t.Region()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.ErrWriteAfterClose
	}
	if h.failed != nil {
		return h.failed
	}
	if err := h.geometry.checkAligned(region); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	if want := region.Volume() * h.geometry.elementSize; int64(len(t.Data)) != want {
		return fmt.Errorf("tiff: tile carries %d bytes, want %d", len(t.Data), want)
	}
	plane, err := planeNumber(h.meta.Shape, t.Origin)
	if err != nil {
		return fmt.Errorf("tiff: %w", err)
	}

	encoded, err := encodePixels(h.geometry.padEdges(region, t.Data), h.geometry.compression)
	if err != nil {
		h.failed = &backend.IOError{Op: "write tile", Path: h.path, Err: err}
		return h.failed
	}
	offset := h.next
	if _, err := h.file.WriteAt(encoded, int64(offset)); err != nil {
		h.failed = &backend.IOError{Op: "write tile", Path: h.path, Err: err}
		return h.failed
	}

	index := h.geometry.tileIndex(t.Origin[tile.AxisX], t.Origin[tile.AxisY])
	if h.offsets[plane][index] == 0 {
		h.written++
	}
	h.offsets[plane][index] = offset
	h.counts[plane][index] = uint64(len(encoded))
	h.next += uint64(len(encoded))
	h.next += h.next % 2
	return nil
}

// ReadTile serves reads from the in-progress file, exactly as
// ReadbackTile does. Chunks nothing has written yet come back as
// zeros.
func (h *writeHandle) ReadTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	return h.ReadbackTile(ctx, region)
}

func (h *writeHandle) ReadbackTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, backend.ErrClosed
	}
	if err := h.geometry.checkAligned(region); err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("tiff: %w", err)
	}
	plane, err := planeNumber(h.meta.Shape, region.Origin)
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("tiff: %w", err)
	}
	index := h.geometry.tileIndex(region.Origin[tile.AxisX], region.Origin[tile.AxisY])
	offset := h.offsets[plane][index]
	count := h.counts[plane][index]
	h.mu.Unlock()

	wanted := region.Shape.Volume() * h.geometry.elementSize
	if offset == 0 {
		return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: make([]byte, wanted)}, nil
	}
	stored := make([]byte, count)
	if _, err := h.file.ReadAt(stored, int64(offset)); err != nil {
		return nil, &backend.IOError{Op: "readback", Path: h.path, Err: err}
	}
	x, y := region.Origin[tile.AxisX], region.Origin[tile.AxisY]
	decoded, err := decodePixels(stored, h.geometry.compression, int(h.geometry.storedBytes(x, y)))
	if err != nil {
		return nil, &backend.IOError{Op: "readback", Path: h.path, Err: err}
	}
	return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: h.geometry.cropEdges(region, decoded)}, nil
}

// Close finalizes and publishes the file. After a write failure, or
// when finalizing itself fails, the temp file is discarded instead
// and no output appears at the target path.
func (h *writeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.ErrClosed
	}
	h.closed = true

	if h.failed != nil {
		h.discard()
		return h.failed
	}
	if err := h.finalize(); err != nil {
		h.discard()
		return err
	}
	return nil
}

// Abort abandons the in-progress file: the temp file is discarded and
// nothing appears at the target path.
func (h *writeHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.ErrClosed
	}
	h.closed = true
	h.discard()
	return nil
}

func (h *writeHandle) discard() {
	h.file.Close()
	if err := os.Remove(h.tempPath); err != nil {
		h.logger.Warn("orphaned partial file", "path", h.tempPath, "error", err)
	}
}

func (h *writeHandle) finalize() error {
	if err := h.fillUnwritten(); err != nil {
		return err
	}

	description, err := encodeDescription(h.meta)
	if err != nil {
		return err
	}
	bits, format := sampleFormatFor(h.meta.Pixel)

	planes := int64(len(h.offsets))
	builders := make([]*ifdBuilder, planes)
	for plane := range planes {
		b := newIFDBuilder(h.l)
		b.putLong(tagImageWidth, uint32(h.geometry.width))
		b.putLong(tagImageLength, uint32(h.geometry.length))
		b.putShort(tagBitsPerSample, bits)
		b.putShort(tagCompression, h.geometry.compression)
		b.putShort(tagPhotometricInterpretation, photometricMinIsBlack)
		if plane == 0 {
			b.putASCII(tagImageDescription, description)
		}
		b.putShort(tagSamplesPerPixel, 1)
		b.putLong(tagTileWidth, uint32(h.geometry.tileWidth))
		b.putLong(tagTileLength, uint32(h.geometry.tileLength))
		if err := b.putOffsets(tagTileOffsets, h.offsets[plane]); err != nil {
			return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
		}
		if err := b.putOffsets(tagTileByteCounts, h.counts[plane]); err != nil {
			return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
		}
		b.putShort(tagSampleFormat, format)
		builders[plane] = b
	}

	// Directory positions are fixed before serializing so each next
	// pointer is exact.
	positions := make([]uint64, planes+1)
	positions[0] = h.next
	for plane := range planes {
		positions[plane+1] = positions[plane] + builders[plane].size()
	}
	if !h.l.big && positions[planes] > 0xFFFFFFFF {
		return &backend.IOError{
			Op:   "finalize",
			Path: h.path,
			Err:  fmt.Errorf("directory chain ends at %d, past the classic limit", positions[planes]),
		}
	}
	for plane := range planes {
		next := positions[plane+1]
		if plane == planes-1 {
			next = 0
		}
		blob, err := builders[plane].serialize(positions[plane], next)
		if err != nil {
			return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
		}
		if _, err := h.file.WriteAt(blob, int64(positions[plane])); err != nil {
			return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
		}
	}

	pointer := make([]byte, h.l.nextLen())
	h.l.putOffset(pointer, positions[0])
	if _, err := h.file.WriteAt(pointer, h.l.firstIFDFieldOffset()); err != nil {
		return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
	}

	if err := h.file.Chmod(0o644); err != nil {
		return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
	}
	if err := h.file.Sync(); err != nil {
		return &backend.IOError{Op: "sync", Path: h.path, Err: err}
	}
	if err := h.file.Close(); err != nil {
		return &backend.IOError{Op: "close", Path: h.path, Err: err}
	}
	if err := os.Rename(h.tempPath, h.path); err != nil {
		os.Remove(h.tempPath)
		return &backend.IOError{Op: "rename", Path: h.path, Err: err}
	}
	h.logger.Debug("finalized image",
		"path", h.path,
		"planes", planes,
		"chunks", h.written,
		"bytes", positions[planes],
	)
	return nil
}

// fillUnwritten points every chunk nothing wrote at one shared
// all-zero chunk, appended once. Offsets may alias freely; readers
// only ever follow them.
func (h *writeHandle) fillUnwritten() error {
	var empty int64
	for plane := range h.offsets {
		for index := range h.offsets[plane] {
			if h.offsets[plane][index] == 0 {
				empty++
			}
		}
	}
	if empty == 0 {
		return nil
	}

	zeros := make([]byte, h.geometry.tileWidth*h.geometry.tileLength*h.geometry.elementSize)
	encoded, err := encodePixels(zeros, h.geometry.compression)
	if err != nil {
		return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
	}
	offset := h.next
	if _, err := h.file.WriteAt(encoded, int64(offset)); err != nil {
		return &backend.IOError{Op: "finalize", Path: h.path, Err: err}
	}
	h.next += uint64(len(encoded))
	h.next += h.next % 2

	for plane := range h.offsets {
		for index := range h.offsets[plane] {
			if h.offsets[plane][index] == 0 {
				h.offsets[plane][index] = offset
				h.counts[plane][index] = uint64(len(encoded))
			}
		}
	}
	h.logger.Debug("zero-filled unwritten chunks", "path", h.path, "chunks", empty)
	return nil
}
