// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
)

// Compression selects how the writer stores chunk pixel data.
// Readers accept both regardless.
type Compression int

const (
	// CompressionDeflate stores chunks as zlib streams. The default:
	// microscopy planes are mostly background and shrink well.
	CompressionDeflate Compression = iota

	// CompressionNone stores chunks raw.
	CompressionNone
)

func (c Compression) tagValue() (uint16, error) {
	switch c {
	case CompressionDeflate:
		return compressionDeflate, nil
	case CompressionNone:
		return compressionNone, nil
	}
	return 0, fmt.Errorf("tiff: unknown compression %d", int(c))
}

// DefaultTileExtent is the chunk edge used when Config leaves the
// tile shape unset.
const DefaultTileExtent = 1024

// Config customizes a Backend. The zero value is ready to use.
type Config struct {
	// TileWidth and TileLength set the chunk grid for newly created
	// files. Both default to DefaultTileExtent and must be positive
	// multiples of 16, the alignment the format requires.
	TileWidth  int64
	TileLength int64

	// Compression is applied to chunks in newly created files.
	Compression Compression

	// ForceBigTIFF lays out every created file with 64-bit offsets,
	// even ones small enough for the classic format. Files whose
	// projected size passes 4 GiB are BigTIFF regardless.
	ForceBigTIFF bool

	// Logger receives debug records for opens, creates, and
	// finalizes. Defaults to slog.Default().
	Logger *slog.Logger
}

// Backend reads and writes tiled images natively: classic and
// BigTIFF, both byte orders, with the XML description block carrying
// the axes beyond the plane.
type Backend struct {
	config Config
}

// New returns a Backend with config applied.
func New(config Config) (*Backend, error) {
	if config.TileWidth == 0 {
		config.TileWidth = DefaultTileExtent
	}
	if config.TileLength == 0 {
		config.TileLength = DefaultTileExtent
	}
	var errs []error
	if config.TileWidth <= 0 || config.TileWidth%16 != 0 {
		errs = append(errs, fmt.Errorf("tiff: TileWidth %d is not a positive multiple of 16", config.TileWidth))
	}
	if config.TileLength <= 0 || config.TileLength%16 != 0 {
		errs = append(errs, fmt.Errorf("tiff: TileLength %d is not a positive multiple of 16", config.TileLength))
	}
	if _, err := config.Compression.tagValue(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Backend{config: config}, nil
}

func (b *Backend) Name() string { return "tiff" }

func (b *Backend) Extensions() []string {
	return []string{".ome.tif", ".ome.tiff", ".tif", ".tiff"}
}

// Sniff reports whether header opens a file this backend can read.
func (b *Backend) Sniff(header []byte) bool {
	_, _, err := parseHeader(header)
	return err == nil
}

func (b *Backend) Open(ctx context.Context, path string) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openRead(path, b.logger())
}

func (b *Backend) Create(ctx context.Context, path string, meta *metadata.Metadata) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openWrite(path, meta, b.config, b.logger())
}

func (b *Backend) logger() *slog.Logger {
	if b.config.Logger != nil {
		return b.config.Logger
	}
	return slog.Default()
}
