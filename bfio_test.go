// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// TestCreateWriteReopenReadBack writes three disjoint regions into a
// three-channel image, finalizes it, and checks that reopening yields
// exactly those pixels with zeros everywhere else.
func TestCreateWriteReopenReadBack(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stack.ome.tiff")
	meta := grayMeta(t, 512, 512, metadata.Uint8)
	meta.Shape[tile.AxisC] = 3
	if err := meta.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	regions := []tile.Region{
		{Origin: tile.Coords{0, 0, 0, 0, 0}, Shape: tile.Coords{256, 256, 1, 1, 1}},
		{Origin: tile.Coords{256, 256, 0, 1, 0}, Shape: tile.Coords{256, 256, 1, 1, 1}},
		{Origin: tile.Coords{0, 256, 0, 2, 0}, Shape: tile.Coords{256, 256, 1, 1, 1}},
	}

	w, err := bfio.Create(t.Context(), path, meta, bfio.Options{TileWidth: 256, TileLength: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, region := range regions {
		if err := w.WriteRegion(t.Context(), region.Origin, region.Shape, patternBytes(region, 1)); err != nil {
			t.Fatalf("WriteRegion %v: %v", region, err)
		}
	}
	if err := w.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := bfio.Open(t.Context(), path, bfio.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	reopened := r.Metadata()
	if reopened.Shape != meta.Shape {
		t.Fatalf("reopened shape %v, want %v", reopened.Shape, meta.Shape)
	}
	if reopened.Pixel != metadata.Uint8 {
		t.Fatalf("reopened pixel type %v, want uint8", reopened.Pixel)
	}

	full := tile.Region{Shape: meta.Shape}
	want := make([]byte, full.Volume())
	for _, region := range regions {
		tile.CopyRegion(want, full, patternBytes(region, 1), region, 1)
	}
	got, err := r.ReadRegion(t.Context(), full.Origin, full.Shape)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("reopened pixels differ from what was written")
	}
}

// TestRoundTripEveryPixelType pushes each sample width through the
// whole pipeline with a budget of a single chunk, so the full write
// streams through flush and eviction and the unaligned patch has to
// read flushed tiles back before rewriting them.
func TestRoundTripEveryPixelType(t *testing.T) {
	t.Parallel()
	pixelTypes := []metadata.PixelType{
		metadata.Uint8, metadata.Int8,
		metadata.Uint16, metadata.Int16,
		metadata.Uint32, metadata.Int32,
		metadata.Float32, metadata.Float64,
	}
	for _, pixel := range pixelTypes {
		t.Run(pixel.String(), func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "roundtrip.ome.tiff")
			elem := pixel.Size()
			options := bfio.Options{
				TileWidth:       32,
				TileLength:      32,
				SupertileWidth:  32,
				SupertileLength: 32,
				CacheBytes:      int64(32 * 32 * elem),
			}

			full := region2D(0, 0, 96, 80)
			base := patternBytes(full, elem)
			patch := region2D(17, 9, 41, 23)
			patchData := patternBytes(patch, elem)
			for i := range patchData {
				patchData[i] ^= 0xFF
			}

			w, err := bfio.Create(t.Context(), path, grayMeta(t, 96, 80, pixel), options)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := w.WriteRegion(t.Context(), full.Origin, full.Shape, base); err != nil {
				t.Fatalf("WriteRegion full: %v", err)
			}
			if err := w.WriteRegion(t.Context(), patch.Origin, patch.Shape, patchData); err != nil {
				t.Fatalf("WriteRegion patch: %v", err)
			}
			if err := w.Close(t.Context()); err != nil {
				t.Fatalf("Close: %v", err)
			}

			want := append([]byte(nil), base...)
			tile.CopyRegion(want, full, patchData, patch, elem)

			r, err := bfio.Open(t.Context(), path, bfio.Options{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			got, err := r.ReadRegion(t.Context(), full.Origin, full.Shape)
			if err != nil {
				t.Fatalf("ReadRegion: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatal("round trip changed pixel bytes")
			}
		})
	}
}

func TestUncompressedRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "raw.ome.tiff")
	data := writeSmallImage(t, path, 64, 48, metadata.Uint16, bfio.Options{
		TileWidth:   16,
		TileLength:  16,
		Compression: tiff.CompressionNone,
	})

	r, err := bfio.Open(t.Context(), path, bfio.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := r.ReadRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{64, 48, 1, 1, 1})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("uncompressed round trip changed pixel bytes")
	}
}

// TestForceBigTIFFLayout checks the version word both ways: a small
// image stays classic by default and switches to 64-bit offsets when
// forced, and the forced file reads back through the normal path.
func TestForceBigTIFFLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	options := bfio.Options{TileWidth: 16, TileLength: 16}

	classic := filepath.Join(dir, "classic.ome.tiff")
	writeSmallImage(t, classic, 64, 64, metadata.Uint8, options)
	if head := fileHead(t, classic); head[0] != 'I' || head[1] != 'I' || head[2] != 42 {
		t.Fatalf("small image header % x, want classic little-endian", head)
	}

	options.ForceBigTIFF = true
	forced := filepath.Join(dir, "forced.ome.tiff")
	data := writeSmallImage(t, forced, 64, 64, metadata.Uint8, options)
	if head := fileHead(t, forced); head[0] != 'I' || head[1] != 'I' || head[2] != 43 {
		t.Fatalf("forced image header % x, want BigTIFF little-endian", head)
	}

	r, err := bfio.Open(t.Context(), forced, bfio.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := r.ReadRegion(t.Context(), tile.Coords{0, 0, 0, 0, 0}, tile.Coords{64, 64, 1, 1, 1})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("forced BigTIFF round trip changed pixel bytes")
	}
}

func fileHead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 4 {
		t.Fatalf("file %s is only %d bytes", path, len(data))
	}
	return data[:4]
}
