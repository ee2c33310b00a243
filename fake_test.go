// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// fake is a synthetic in-memory backend registered once for the whole
// test binary. Reads serve a position-keyed pattern so any assembled
// region can be checked byte for byte; creates capture written tiles
// for inspection. Tests declare images per path, so parallel tests
// stay independent as long as they use their own temp paths.
var fake = &fakeBackend{images: make(map[string]*fakeImage)}

func init() {
	if err := bfio.Register(fake); err != nil {
		panic(err)
	}
}

type fakeBackend struct {
	mu     sync.Mutex
	images map[string]*fakeImage
}

// fakeImage declares one path the fake backend will serve, with the
// failure injections a test wants.
type fakeImage struct {
	meta      *metadata.Metadata
	tileShape tile.Coords

	readErr   error         // fails every ReadTile
	writeErr  error         // fails every WriteTile, settable mid-test
	createErr error         // fails Create before a handle exists
	gate      chan struct{} // non-nil blocks ReadTile until closed
	started   chan struct{} // receives one send per ReadTile that began blocking
	opaque    bool          // write handles hide ReadbackTile

	reads  atomic.Int64
	writes atomic.Int64

	mu       sync.Mutex
	written  map[tile.Coords][]byte
	errWrite error // guarded copy of writeErr so tests can clear it
}

func (b *fakeBackend) add(t *testing.T, path string, img *fakeImage) {
	t.Helper()
	if img.tileShape == (tile.Coords{}) {
		img.tileShape = tile.Coords{16, 16, 1, 1, 1}
	}
	img.written = make(map[tile.Coords][]byte)
	img.errWrite = img.writeErr
	b.mu.Lock()
	b.images[path] = img
	b.mu.Unlock()
	t.Cleanup(func() {
		b.mu.Lock()
		delete(b.images, path)
		b.mu.Unlock()
	})
}

func (b *fakeBackend) lookup(path string) (*fakeImage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[path]
	return img, ok
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Extensions() []string { return []string{".fake"} }

func (b *fakeBackend) Sniff([]byte) bool { return false }

func (b *fakeBackend) Open(ctx context.Context, path string) (backend.Handle, error) {
	img, ok := b.lookup(path)
	if !ok {
		return nil, &backend.IOError{Op: "open", Path: path, Err: fmt.Errorf("no fake image declared")}
	}
	return &fakeHandle{img: img}, nil
}

func (b *fakeBackend) Create(ctx context.Context, path string, meta *metadata.Metadata) (backend.Handle, error) {
	img, ok := b.lookup(path)
	if !ok {
		return nil, &backend.IOError{Op: "create", Path: path, Err: fmt.Errorf("no fake image declared")}
	}
	if img.createErr != nil {
		return nil, img.createErr
	}
	img.meta = meta.Clone()
	h := &fakeHandle{img: img, write: true}
	if img.opaque {
		return opaqueHandle{h}, nil
	}
	return h, nil
}

// setWriteErr swaps the injected write failure mid-test.
func (img *fakeImage) setWriteErr(err error) {
	img.mu.Lock()
	img.errWrite = err
	img.mu.Unlock()
}

// tileData returns a copy of what the backend captured for the tile at
// origin, or nil.
func (img *fakeImage) tileData(origin tile.Coords) []byte {
	img.mu.Lock()
	defer img.mu.Unlock()
	data, ok := img.written[origin]
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

type fakeHandle struct {
	img   *fakeImage
	write bool

	mu     sync.Mutex
	closed bool
}

// opaqueHandle narrows a write handle to exactly the backend.Handle
// method set, hiding ReadbackTile.
type opaqueHandle struct {
	backend.Handle
}

func (h *fakeHandle) Metadata() *metadata.Metadata { return h.img.meta }

func (h *fakeHandle) TileShape() tile.Coords { return h.img.tileShape }

func (h *fakeHandle) ReadTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, err
	}
	h.img.reads.Add(1)
	if h.img.gate != nil {
		if h.img.started != nil {
			select {
			case h.img.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-h.img.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := h.img.readErr; err != nil {
		return nil, err
	}
	if h.write {
		return h.ReadbackTile(ctx, region)
	}
	return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: patternBytes(region, h.img.meta.Pixel.Size())}, nil
}

func (h *fakeHandle) ReadbackTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, err
	}
	data := h.img.tileData(region.Origin)
	if data == nil {
		data = make([]byte, region.Volume()*int64(h.img.meta.Pixel.Size()))
	}
	return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: data}, nil
}

func (h *fakeHandle) WriteTile(ctx context.Context, t *tile.Tile) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	h.img.writes.Add(1)
	h.img.mu.Lock()
	defer h.img.mu.Unlock()
	if err := h.img.errWrite; err != nil {
		return err
	}
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	h.img.written[t.Origin] = data
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *fakeHandle) ensureOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.ErrClosed
	}
	return nil
}

// patternBytes fills a region with the deterministic position-keyed
// pattern the fake backend serves: every element's bytes depend only
// on its absolute coordinates, so regions assembled from any tiling
// compare equal byte for byte.
func patternBytes(region tile.Region, elemSize int) []byte {
	out := make([]byte, 0, region.Volume()*int64(elemSize))
	end := region.End()
	for t := region.Origin[tile.AxisT]; t < end[tile.AxisT]; t++ {
		for c := region.Origin[tile.AxisC]; c < end[tile.AxisC]; c++ {
			for z := region.Origin[tile.AxisZ]; z < end[tile.AxisZ]; z++ {
				for y := region.Origin[tile.AxisY]; y < end[tile.AxisY]; y++ {
					for x := region.Origin[tile.AxisX]; x < end[tile.AxisX]; x++ {
						v := uint64(x)*2654435761 + uint64(y)*40503 + uint64(z)*929 + uint64(c)*127 + uint64(t)*31
						for b := range elemSize {
							out = append(out, byte(v>>(8*b)))
						}
					}
				}
			}
		}
	}
	return out
}

// region2D builds a single-plane region at (x, y) with the given
// width and height.
func region2D(x, y, w, h int64) tile.Region {
	return tile.Region{
		Origin: tile.Coords{x, y, 0, 0, 0},
		Shape:  tile.Coords{w, h, 1, 1, 1},
	}
}

// grayMeta builds a validated single-channel record.
func grayMeta(t *testing.T, width, height int64, pixel metadata.PixelType) *metadata.Metadata {
	t.Helper()
	m, err := metadata.New(width, height, pixel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}
