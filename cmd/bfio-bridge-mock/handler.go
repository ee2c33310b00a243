// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// fileHandler serves every open and create through the native
// adapter. Write handles pass reads through to the in-progress file,
// which is how the engine fills the untouched remainder of a
// partially written tile.
type fileHandler struct {
	adapter *tiff.Backend
	logger  *slog.Logger

	mu      sync.Mutex
	next    uint64
	handles map[uint64]backend.Handle
}

func newFileHandler(adapter *tiff.Backend, logger *slog.Logger) *fileHandler {
	return &fileHandler{
		adapter: adapter,
		logger:  logger,
		handles: make(map[uint64]backend.Handle),
	}
}

func (f *fileHandler) Open(ctx context.Context, path string) (uint64, *bridgewire.Metadata, []int64, error) {
	h, err := f.adapter.Open(ctx, path)
	if err != nil {
		return 0, nil, nil, wireError(err)
	}
	id := f.register(h)
	f.logger.Info("opened file", "path", path, "handle", id)
	tileShape := h.TileShape()
	return id, bridgewire.FromMetadata(h.Metadata()), tileShape[:], nil
}

func (f *fileHandler) Create(ctx context.Context, path string, meta *bridgewire.Metadata) (uint64, []int64, error) {
	if meta == nil {
		return 0, nil, &bridgewire.Error{Kind: bridgewire.KindMetadata, Message: "create carries no metadata"}
	}
	record, err := meta.ToMetadata()
	if err != nil {
		return 0, nil, wireError(err)
	}
	h, err := f.adapter.Create(ctx, path, record)
	if err != nil {
		return 0, nil, wireError(err)
	}
	id := f.register(h)
	f.logger.Info("created file", "path", path, "handle", id)
	tileShape := h.TileShape()
	return id, tileShape[:], nil
}

func (f *fileHandler) Metadata(ctx context.Context, id uint64) (*bridgewire.Metadata, error) {
	h, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return bridgewire.FromMetadata(h.Metadata()), nil
}

func (f *fileHandler) ReadTile(ctx context.Context, id uint64, origin, shape []int64) (*bridgewire.Payload, error) {
	h, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	region, err := wireRegion(origin, shape)
	if err != nil {
		return nil, err
	}
	t, err := h.ReadTile(ctx, region)
	if err != nil {
		return nil, wireError(err)
	}
	return bridgewire.Pack(t.Data, bridgewire.DefaultCompressThreshold), nil
}

func (f *fileHandler) WriteTile(ctx context.Context, id uint64, origin, shape []int64, payload *bridgewire.Payload) error {
	h, err := f.lookup(id)
	if err != nil {
		return err
	}
	region, err := wireRegion(origin, shape)
	if err != nil {
		return err
	}
	pixels, err := unpackPayload(payload)
	if err != nil {
		return err
	}
	if err := h.WriteTile(ctx, &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: pixels}); err != nil {
		return wireError(err)
	}
	return nil
}

func (f *fileHandler) Close(ctx context.Context, id uint64) error {
	f.mu.Lock()
	h, ok := f.handles[id]
	delete(f.handles, id)
	f.mu.Unlock()
	if !ok {
		return errClosedHandle(id)
	}
	if err := h.Close(); err != nil {
		return wireError(err)
	}
	f.logger.Info("closed handle", "handle", id)
	return nil
}

func (f *fileHandler) register(h backend.Handle) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.handles[f.next] = h
	return f.next
}

func (f *fileHandler) lookup(id uint64) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	if !ok {
		return nil, errClosedHandle(id)
	}
	return h, nil
}

// patternHandler serves synthetic images. Opens all see the one
// geometry fixed on the command line; creates honor the caller's
// metadata and stage written tiles in memory, reading unwritten
// regions back as zeros the way a fresh file would.
type patternHandler struct {
	record    *metadata.Metadata
	meta      *bridgewire.Metadata
	tileShape []int64
	logger    *slog.Logger

	mu      sync.Mutex
	next    uint64
	handles map[uint64]*patternImage
}

// patternImage is one open handle on the synthetic bridge.
type patternImage struct {
	record  *metadata.Metadata
	meta    *bridgewire.Metadata
	created bool
	written map[tile.Coords][]byte
}

func newPatternHandler(meta *bridgewire.Metadata, tileShape []int64, logger *slog.Logger) (*patternHandler, error) {
	record, err := meta.ToMetadata()
	if err != nil {
		return nil, fmt.Errorf("synthetic geometry: %w", err)
	}
	for _, extent := range tileShape {
		if extent <= 0 {
			return nil, fmt.Errorf("synthetic tile shape %v: extents must be positive", tileShape)
		}
	}
	return &patternHandler{
		record:    record,
		meta:      meta,
		tileShape: tileShape,
		logger:    logger,
		handles:   make(map[uint64]*patternImage),
	}, nil
}

func (p *patternHandler) Open(ctx context.Context, path string) (uint64, *bridgewire.Metadata, []int64, error) {
	id := p.register(&patternImage{record: p.record, meta: p.meta})
	p.logger.Info("opened synthetic image", "path", path, "handle", id)
	return id, p.meta, p.tileShape, nil
}

func (p *patternHandler) Create(ctx context.Context, path string, meta *bridgewire.Metadata) (uint64, []int64, error) {
	if meta == nil {
		return 0, nil, &bridgewire.Error{Kind: bridgewire.KindMetadata, Message: "create carries no metadata"}
	}
	record, err := meta.ToMetadata()
	if err != nil {
		return 0, nil, wireError(err)
	}
	id := p.register(&patternImage{
		record:  record,
		meta:    meta,
		created: true,
		written: make(map[tile.Coords][]byte),
	})
	p.logger.Info("created in-memory image", "path", path, "handle", id)
	return id, p.tileShape, nil
}

func (p *patternHandler) Metadata(ctx context.Context, id uint64) (*bridgewire.Metadata, error) {
	img, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return img.meta, nil
}

func (p *patternHandler) ReadTile(ctx context.Context, id uint64, origin, shape []int64) (*bridgewire.Payload, error) {
	img, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	region, err := wireRegion(origin, shape)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(region, img.record.Shape); err != nil {
		return nil, err
	}
	p.mu.Lock()
	pixels, ok := img.written[region.Origin]
	p.mu.Unlock()
	if !ok {
		if img.created {
			pixels = make([]byte, region.Shape.Volume()*int64(img.record.Pixel.Size()))
		} else {
			pixels = patternPixels(region, img.record.Pixel.Size())
		}
	}
	return bridgewire.Pack(pixels, bridgewire.DefaultCompressThreshold), nil
}

func (p *patternHandler) WriteTile(ctx context.Context, id uint64, origin, shape []int64, payload *bridgewire.Payload) error {
	img, err := p.lookup(id)
	if err != nil {
		return err
	}
	if !img.created {
		return &bridgewire.Error{Kind: bridgewire.KindUnsupported, Message: "synthetic images opened for reading are immutable"}
	}
	region, err := wireRegion(origin, shape)
	if err != nil {
		return err
	}
	if err := checkBounds(region, img.record.Shape); err != nil {
		return err
	}
	pixels, err := unpackPayload(payload)
	if err != nil {
		return err
	}
	if want := region.Shape.Volume() * int64(img.record.Pixel.Size()); int64(len(pixels)) != want {
		return &bridgewire.Error{
			Kind:    bridgewire.KindIO,
			Message: fmt.Sprintf("tile carries %d bytes, want %d", len(pixels), want),
		}
	}
	p.mu.Lock()
	img.written[region.Origin] = pixels
	p.mu.Unlock()
	return nil
}

func (p *patternHandler) Close(ctx context.Context, id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[id]; !ok {
		return errClosedHandle(id)
	}
	delete(p.handles, id)
	return nil
}

func (p *patternHandler) register(img *patternImage) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.handles[p.next] = img
	return p.next
}

func (p *patternHandler) lookup(id uint64) (*patternImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img, ok := p.handles[id]
	if !ok {
		return nil, errClosedHandle(id)
	}
	return img, nil
}

// patternPixels fills a region with the synthetic pattern: each
// sample is patternSample of its global coordinate, encoded
// little-endian at the image's sample width.
func patternPixels(region tile.Region, sampleSize int) []byte {
	data := make([]byte, 0, region.Shape.Volume()*int64(sampleSize))
	var buf [8]byte
	for t := range region.Shape[tile.AxisT] {
		for c := range region.Shape[tile.AxisC] {
			for z := range region.Shape[tile.AxisZ] {
				for y := range region.Shape[tile.AxisY] {
					for x := range region.Shape[tile.AxisX] {
						v := patternSample(
							region.Origin[tile.AxisX]+x,
							region.Origin[tile.AxisY]+y,
							region.Origin[tile.AxisZ]+z,
							region.Origin[tile.AxisC]+c,
							region.Origin[tile.AxisT]+t,
						)
						binary.LittleEndian.PutUint64(buf[:], v)
						data = append(data, buf[:sampleSize]...)
					}
				}
			}
		}
	}
	return data
}

// patternSample maps a global sample coordinate to its value. The
// FNV-style mixing keeps neighboring samples distinct in every byte,
// so narrow pixel types still see variation.
func patternSample(x, y, z, c, t int64) uint64 {
	const prime = 0x100000001b3
	v := uint64(t)
	v = v*prime + uint64(c)
	v = v*prime + uint64(z)
	v = v*prime + uint64(y)
	v = v*prime + uint64(x)
	return v
}

// checkBounds refuses a tile outside the image. Grid alignment is the
// engine's side of the contract; the mock only guards against
// coordinates that cannot belong to any tile of this image.
func checkBounds(region tile.Region, shape tile.Coords) error {
	for axis := range shape {
		if region.Origin[axis] < 0 || region.Origin[axis]+region.Shape[axis] > shape[axis] {
			return &bridgewire.Error{
				Kind:    bridgewire.KindOutOfBounds,
				Message: fmt.Sprintf("tile %v outside image %v", region, shape),
			}
		}
	}
	return nil
}

// wireRegion checks request geometry before it reaches an adapter.
func wireRegion(origin, shape []int64) (tile.Region, error) {
	if len(origin) != tile.NumAxes || len(shape) != tile.NumAxes {
		return tile.Region{}, &bridgewire.Error{
			Kind:    bridgewire.KindUnsupported,
			Message: fmt.Sprintf("tile coordinates carry %d and %d extents, want %d", len(origin), len(shape), tile.NumAxes),
		}
	}
	return tile.Region{Origin: tile.Coords(origin), Shape: tile.Coords(shape)}, nil
}

func unpackPayload(payload *bridgewire.Payload) ([]byte, error) {
	if payload == nil {
		return nil, &bridgewire.Error{Kind: bridgewire.KindIO, Message: "write carries no payload"}
	}
	pixels, err := payload.Unpack()
	if err != nil {
		return nil, wireError(err)
	}
	return pixels, nil
}

// wireError keeps a failure's kind across the socket. Anything the
// adapter does not classify travels as an I/O failure.
func wireError(err error) error {
	var wireErr *bridgewire.Error
	if errors.As(err, &wireErr) {
		return err
	}
	var metaErr *metadata.Error
	switch {
	case backend.IsFormatError(err):
		return &bridgewire.Error{Kind: bridgewire.KindFormat, Message: err.Error()}
	case errors.As(err, &metaErr):
		return &bridgewire.Error{Kind: bridgewire.KindMetadata, Message: err.Error()}
	case errors.Is(err, backend.ErrClosed):
		return &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: err.Error()}
	case errors.Is(err, tile.ErrOutOfBounds):
		return &bridgewire.Error{Kind: bridgewire.KindOutOfBounds, Message: err.Error()}
	}
	return &bridgewire.Error{Kind: bridgewire.KindIO, Message: err.Error()}
}

func errClosedHandle(id uint64) error {
	return &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: fmt.Sprintf("handle %d is not open", id)}
}
