// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// createFake declares a synthetic write target and creates it through
// the engine. The fake captures every tile the backend receives.
func createFake(t *testing.T, img *fakeImage, options bfio.Options) (*bfio.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.fake")
	fake.add(t, path, img)
	meta := img.meta
	if meta == nil {
		meta = grayMeta(t, 64, 64, metadata.Uint8)
	}
	w, err := bfio.Create(t.Context(), path, meta, options)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return w, path
}

func TestWriteRegionAfterCloseFails(t *testing.T) {
	t.Parallel()
	w, _ := createFake(t, &fakeImage{}, bfio.Options{})
	if err := w.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{16, 16, 1, 1, 1}, make([]byte, 256))
	if !errors.Is(err, bfio.ErrClosedHandle) {
		t.Fatalf("write after close: got %v, want ErrClosedHandle", err)
	}
	if !errors.Is(err, bfio.ErrWriteAfterClose) {
		t.Fatalf("write after close: got %v, want ErrWriteAfterClose", err)
	}
	if err := w.Flush(t.Context()); !errors.Is(err, bfio.ErrClosedHandle) {
		t.Fatalf("flush after close: got %v, want ErrClosedHandle", err)
	}
	if err := w.Close(t.Context()); !errors.Is(err, bfio.ErrClosedHandle) {
		t.Fatalf("second close: got %v, want ErrClosedHandle", err)
	}
}

func TestWriteRegionRefusesOutOfBounds(t *testing.T) {
	t.Parallel()
	w, _ := createFake(t, &fakeImage{}, bfio.Options{})

	// Writes are never clipped: a region leaning past the extents
	// would silently drop caller data.
	err := w.WriteRegion(t.Context(), tile.Coords{56, 0, 0, 0, 0}, tile.Coords{16, 16, 1, 1, 1}, make([]byte, 256))
	if !errors.Is(err, bfio.ErrOutOfBounds) {
		t.Fatalf("overhanging write: got %v, want ErrOutOfBounds", err)
	}
	err = w.WriteRegion(t.Context(), tile.Coords{64, 0, 0, 0, 0}, tile.Coords{16, 16, 1, 1, 1}, make([]byte, 256))
	if !errors.Is(err, bfio.ErrOutOfBounds) {
		t.Fatalf("outside write: got %v, want ErrOutOfBounds", err)
	}

	// A rejected write is the caller's mistake, not a failure of the
	// file: the writer stays usable and Close publishes cleanly.
	if err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{16, 16, 1, 1, 1}, make([]byte, 256)); err != nil {
		t.Fatalf("valid write after rejection: %v", err)
	}
	if err := w.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteRegionChecksDataLength(t *testing.T) {
	t.Parallel()
	w, _ := createFake(t, &fakeImage{}, bfio.Options{})
	defer w.Close(t.Context())

	err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{16, 16, 1, 1, 1}, make([]byte, 100))
	if err == nil || errors.Is(err, bfio.ErrOutOfBounds) {
		t.Fatalf("short data: got %v, want a length error", err)
	}
}

func TestCloseAfterWriteErrorSurfacesOriginalError(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk sulking")
	img := &fakeImage{meta: grayMeta(t, 64, 64, metadata.Uint8)}
	w, path := createFake(t, img, bfio.Options{})

	if err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{64, 64, 1, 1, 1}, patternBytes(region2D(0, 0, 64, 64), 1)); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	img.setWriteErr(boom)
	if err := w.Flush(t.Context()); !errors.Is(err, boom) {
		t.Fatalf("Flush: got %v, want the injected failure", err)
	}

	// The backend recovers, but the flush failure stays latched:
	// Close reports it and publishes nothing.
	img.setWriteErr(nil)
	if err := w.Close(t.Context()); !errors.Is(err, boom) {
		t.Fatalf("Close: got %v, want the original flush failure", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed write session left %s behind (stat: %v)", path, err)
	}
}

func TestAbortDiscardsImage(t *testing.T) {
	t.Parallel()
	w, path := createFake(t, &fakeImage{}, bfio.Options{})

	full := region2D(0, 0, 64, 64)
	if err := w.WriteRegion(t.Context(), full.Origin, full.Shape, patternBytes(full, 1)); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("aborted session left %s behind (stat: %v)", path, err)
	}

	if err := w.WriteRegion(t.Context(), full.Origin, full.Shape, patternBytes(full, 1)); !errors.Is(err, bfio.ErrWriteAfterClose) {
		t.Fatalf("write after abort: got %v, want ErrWriteAfterClose", err)
	}
	if err := w.Abort(); !errors.Is(err, bfio.ErrClosedHandle) {
		t.Fatalf("second Abort: got %v, want ErrClosedHandle", err)
	}
	if err := w.Close(t.Context()); !errors.Is(err, bfio.ErrClosedHandle) {
		t.Fatalf("Close after abort: got %v, want ErrClosedHandle", err)
	}
}

func TestPartialRewriteReadsBackFlushedTiles(t *testing.T) {
	t.Parallel()
	img := &fakeImage{meta: grayMeta(t, 64, 32, metadata.Uint8)}
	// One 32×32 chunk of budget: staging the second chunk evicts and
	// flushes the first.
	w, _ := createFake(t, img, bfio.Options{
		SupertileWidth:  32,
		SupertileLength: 32,
		CacheBytes:      1024,
	})

	first := patternBytes(region2D(0, 0, 32, 32), 1)
	if err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{32, 32, 1, 1, 1}, first); err != nil {
		t.Fatalf("WriteRegion first chunk: %v", err)
	}
	if err := w.WriteRegion(t.Context(), tile.Coords{32, 0, 0, 0, 0}, tile.Coords{32, 32, 1, 1, 1}, patternBytes(region2D(32, 0, 32, 32), 1)); err != nil {
		t.Fatalf("WriteRegion second chunk: %v", err)
	}

	// The first chunk has been flushed and evicted. A partial write
	// to it must read the flushed pixels back, not rebuild the
	// untouched remainder from zeros.
	patch := bytes.Repeat([]byte{0xEE}, 8*8)
	if err := w.WriteRegion(t.Context(), tile.Coords{4, 4, 0, 0, 0}, tile.Coords{8, 8, 1, 1, 1}, patch); err != nil {
		t.Fatalf("WriteRegion patch: %v", err)
	}
	if err := w.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	chunk := region2D(0, 0, 32, 32)
	want := append([]byte(nil), first...)
	tile.CopyRegion(want, chunk, patch, region2D(4, 4, 8, 8), 1)
	got := make([]byte, len(want))
	for _, origin := range []tile.Coords{
		{0, 0, 0, 0, 0}, {16, 0, 0, 0, 0}, {0, 16, 0, 0, 0}, {16, 16, 0, 0, 0},
	} {
		data := img.tileData(origin)
		if data == nil {
			t.Fatalf("backend never received tile %v", origin)
		}
		tileRegion := tile.Region{Origin: origin, Shape: tile.Coords{16, 16, 1, 1, 1}}
		tile.CopyRegion(got, chunk, data, tileRegion, 1)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("patched chunk lost flushed pixels")
	}
}

func TestPartialRewriteWithoutReadbackFailsLoudly(t *testing.T) {
	t.Parallel()
	img := &fakeImage{
		meta:   grayMeta(t, 64, 32, metadata.Uint8),
		opaque: true,
	}
	w, path := createFake(t, img, bfio.Options{
		SupertileWidth:  32,
		SupertileLength: 32,
		CacheBytes:      1024,
	})

	if err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{32, 32, 1, 1, 1}, patternBytes(region2D(0, 0, 32, 32), 1)); err != nil {
		t.Fatalf("WriteRegion first chunk: %v", err)
	}
	if err := w.WriteRegion(t.Context(), tile.Coords{32, 0, 0, 0, 0}, tile.Coords{32, 32, 1, 1, 1}, patternBytes(region2D(32, 0, 32, 32), 1)); err != nil {
		t.Fatalf("WriteRegion second chunk: %v", err)
	}

	// The backend cannot re-read flushed tiles, so rebuilding the
	// first chunk for a partial write must refuse rather than feed
	// zeros into flushed pixels.
	err := w.WriteRegion(t.Context(), tile.Coords{4, 4, 0, 0, 0}, tile.Coords{8, 8, 1, 1, 1}, make([]byte, 64))
	if !backend.IsIOError(err) {
		t.Fatalf("patch without readback: got %v, want an IOError", err)
	}
	if closeErr := w.Close(t.Context()); !errors.Is(closeErr, err) {
		t.Fatalf("Close: got %v, want the readback refusal", closeErr)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("refused write session left %s behind", path)
	}
}

func TestFlushDrainsAndWritingContinues(t *testing.T) {
	t.Parallel()
	img := &fakeImage{meta: grayMeta(t, 64, 64, metadata.Uint8)}
	w, _ := createFake(t, img, bfio.Options{SupertileWidth: 32, SupertileLength: 32})

	if err := w.WriteRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{64, 32, 1, 1, 1}, patternBytes(region2D(0, 0, 64, 32), 1)); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if img.writes.Load() != 0 {
		t.Fatalf("backend saw %d writes before any flush", img.writes.Load())
	}
	if err := w.Flush(t.Context()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got, want := img.writes.Load(), int64(8); got != want {
		t.Fatalf("flush wrote %d tiles, want %d", got, want)
	}

	// Writing continues after a flush; Close drains only what is
	// dirty again.
	if err := w.WriteRegion(t.Context(), tile.Coords{0, 32, 0, 0, 0}, tile.Coords{64, 32, 1, 1, 1}, patternBytes(region2D(0, 32, 64, 32), 1)); err != nil {
		t.Fatalf("WriteRegion after flush: %v", err)
	}
	if err := w.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, want := img.writes.Load(), int64(16); got != want {
		t.Fatalf("session wrote %d tiles in total, want %d", got, want)
	}
}

func TestSecondWriterIsRefused(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "exclusive.ome.tiff")
	meta := grayMeta(t, 48, 48, metadata.Uint8)
	options := bfio.Options{TileWidth: 16, TileLength: 16}

	w1, err := bfio.Create(t.Context(), path, meta, options)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := bfio.Create(t.Context(), path, meta, options); !backend.IsIOError(err) {
		t.Fatalf("second Create: got %v, want an IOError from the writer lock", err)
	}
	if err := w1.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The lock dies with the first writer; the path is writable
	// again and the finalized file replaceable.
	w2, err := bfio.Create(t.Context(), path, meta, options)
	if err != nil {
		t.Fatalf("Create after close: %v", err)
	}
	if err := w2.Close(t.Context()); err != nil {
		t.Fatalf("Close second writer: %v", err)
	}
}

func TestFailedCreateLeavesNoFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Invalid metadata fails before anything touches the filesystem.
	bad := &metadata.Metadata{Shape: tile.Coords{0, 64, 1, 1, 1}, Pixel: metadata.Uint8}
	badPath := filepath.Join(dir, "bad.ome.tiff")
	if _, err := bfio.Create(t.Context(), badPath, bad, bfio.Options{}); !metadata.IsError(err) {
		t.Fatalf("Create with invalid metadata: got %v, want a metadata.Error", err)
	}
	if _, err := os.Stat(badPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("invalid metadata left %s behind", badPath)
	}

	// A backend refusal after the lock is taken must clean up the
	// placeholder.
	img := &fakeImage{
		meta:      grayMeta(t, 64, 64, metadata.Uint8),
		createErr: errors.New("no space on stage"),
	}
	fakePath := filepath.Join(dir, "refused.fake")
	fake.add(t, fakePath, img)
	if _, err := bfio.Create(t.Context(), fakePath, img.meta, bfio.Options{}); err == nil {
		t.Fatal("Create succeeded despite the backend refusal")
	}
	if _, err := os.Stat(fakePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("refused create left %s behind", fakePath)
	}

	// An unclaimed extension fails before the lock.
	if _, err := bfio.Create(t.Context(), filepath.Join(dir, "out.xyz"), grayMeta(t, 8, 8, metadata.Uint8), bfio.Options{}); !backend.IsFormatError(err) {
		t.Fatalf("Create with unclaimed extension: got %v, want a FormatError", err)
	}
}

func TestWriterMetadataIsTheValidatedRecord(t *testing.T) {
	t.Parallel()
	img := &fakeImage{meta: grayMeta(t, 80, 48, metadata.Uint16)}
	w, _ := createFake(t, img, bfio.Options{})
	defer w.Close(t.Context())

	got := w.Metadata()
	if got.Shape != (tile.Coords{80, 48, 1, 1, 1}) {
		t.Fatalf("Metadata shape %v", got.Shape)
	}
	if got.Pixel != metadata.Uint16 {
		t.Fatalf("Metadata pixel %v", got.Pixel)
	}
}
