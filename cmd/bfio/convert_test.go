// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

func TestCopyPixelsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	options := bfio.Options{
		TileWidth:       16,
		TileLength:      16,
		SupertileWidth:  32,
		SupertileLength: 32,
	}
	meta := testMeta(t, 80, 64, 2, metadata.Uint16)
	source := filepath.Join(dir, "source.ome.tiff")
	want := writeTestImage(t, source, meta, options)

	reader, err := bfio.Open(t.Context(), source, options)
	if err != nil {
		t.Fatalf("Open source: %v", err)
	}
	defer reader.Close()

	dest := filepath.Join(dir, "dest.ome.tiff")
	writer, err := bfio.Create(t.Context(), dest, reader.Metadata().Clone(), options)
	if err != nil {
		t.Fatalf("Create dest: %v", err)
	}
	copied, chunks, err := copyPixels(t.Context(), reader, writer, nil)
	if err != nil {
		t.Fatalf("copyPixels: %v", err)
	}
	if copied != int64(len(want)) {
		t.Errorf("copied %d bytes, want %d", copied, len(want))
	}
	// 80x64 with a 32x32 grid over 2 channels: 3 * 2 * 2 regions.
	if chunks != 12 {
		t.Errorf("copied %d supertiles, want 12", chunks)
	}
	if err := writer.Close(t.Context()); err != nil {
		t.Fatalf("Close dest: %v", err)
	}

	out, err := bfio.Open(t.Context(), dest, options)
	if err != nil {
		t.Fatalf("Open dest: %v", err)
	}
	defer out.Close()
	got, err := out.ReadRegion(t.Context(), tile.Coords{}, meta.Shape)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("converted pixels differ from the source")
	}
}

func TestCopyPixelsReportsProgress(t *testing.T) {
	dir := t.TempDir()
	options := bfio.Options{
		TileWidth:       16,
		TileLength:      16,
		SupertileWidth:  32,
		SupertileLength: 32,
	}
	meta := testMeta(t, 64, 64, 1, metadata.Uint8)
	source := filepath.Join(dir, "source.ome.tiff")
	writeTestImage(t, source, meta, options)

	reader, err := bfio.Open(t.Context(), source, options)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	writer, err := bfio.Create(t.Context(), filepath.Join(dir, "dest.ome.tiff"), meta, options)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var calls []int
	_, chunks, err := copyPixels(t.Context(), reader, writer, func(done, total int) {
		if total != 4 {
			t.Errorf("progress total = %d, want 4", total)
		}
		calls = append(calls, done)
	})
	if err != nil {
		t.Fatalf("copyPixels: %v", err)
	}
	if err := writer.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(calls) != chunks {
		t.Fatalf("progress called %d times, want %d", len(calls), chunks)
	}
	for i, done := range calls {
		if done != i+1 {
			t.Fatalf("progress call %d reported done=%d", i, done)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.jsonc")
	content := `{
	// channel names for the two stains
	"channels": ["DAPI", "GFP"],
	"spacing": {
		"x": {"value": 0.325, "unit": "um"},
		"y": {"value": 0.325, "unit": "um"},
	},
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	meta := testMeta(t, 64, 64, 2, metadata.Uint8)
	if err := applyOverrides(meta, path); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if got, want := strings.Join(meta.Channels, ","), "DAPI,GFP"; got != want {
		t.Errorf("channels = %q, want %q", got, want)
	}
	for _, axis := range []tile.Axis{tile.AxisX, tile.AxisY} {
		spacing := meta.Spacing[axis]
		if spacing.Value != 0.325 || spacing.Unit != "um" {
			t.Errorf("spacing %s = %+v, want 0.325 um", axis, spacing)
		}
	}
	if meta.Spacing[tile.AxisZ].Value != 0 {
		t.Errorf("spacing Z = %+v, want untouched", meta.Spacing[tile.AxisZ])
	}
	if err := meta.Validate(); err != nil {
		t.Fatalf("overridden record no longer validates: %v", err)
	}
}

func TestApplyOverridesRejectsUnknownAxis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.jsonc")
	content := `{"spacing": {"q": {"value": 1, "unit": "um"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	meta := testMeta(t, 64, 64, 1, metadata.Uint8)
	err := applyOverrides(meta, path)
	if err == nil || !strings.Contains(err.Error(), "unknown spacing axis") {
		t.Fatalf("applyOverrides: got %v, want an unknown axis error", err)
	}
}

func TestParseCompression(t *testing.T) {
	if got, err := parseCompression("deflate"); err != nil || got != tiff.CompressionDeflate {
		t.Errorf("parseCompression(deflate) = %v, %v", got, err)
	}
	if got, err := parseCompression("none"); err != nil || got != tiff.CompressionNone {
		t.Errorf("parseCompression(none) = %v, %v", got, err)
	}
	if _, err := parseCompression("zstd"); err == nil {
		t.Error("parseCompression(zstd) succeeded, want an error")
	}
}

// testMeta builds a validated record with the given extents.
func testMeta(t *testing.T, width, height, channels int64, pixel metadata.PixelType) *metadata.Metadata {
	t.Helper()
	meta, err := metadata.New(width, height, pixel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	meta.Shape[tile.AxisC] = channels
	if err := meta.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return meta
}

// writeTestImage creates a tiled OME-TIFF at path whose every byte is
// a deterministic function of its offset, and returns the full
// row-major pixel buffer.
func writeTestImage(t *testing.T, path string, meta *metadata.Metadata, options bfio.Options) []byte {
	t.Helper()
	writer, err := bfio.Create(t.Context(), path, meta, options)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, meta.Shape.Volume()*int64(meta.Pixel.Size()))
	for i := range data {
		data[i] = byte(i*7 + i>>9)
	}
	if err := writer.WriteRegion(t.Context(), tile.Coords{}, meta.Shape, data); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if err := writer.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return data
}
