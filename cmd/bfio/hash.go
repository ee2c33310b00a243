// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/lib/config"
	"github.com/bfio-dev/bfio/tile"
)

// planeDigest is one plane's BLAKE3 digest over its row-major pixel
// bytes. The digest is independent of the file's tile layout: two
// images with identical pixels hash equal however they are tiled.
type planeDigest struct {
	Z      int64  `json:"z"`
	C      int64  `json:"c"`
	T      int64  `json:"t"`
	Digest string `json:"blake3"`
}

// hashPlanes digests every plane, reading full-width bands so a plane
// never has to fit in memory. Planes come back in storage order: Z
// varies fastest, then C, then T.
func hashPlanes(ctx context.Context, reader *bfio.Reader, rows int64) ([]planeDigest, error) {
	shape := reader.Metadata().Shape
	planes := make([]planeDigest, 0, shape[tile.AxisZ]*shape[tile.AxisC]*shape[tile.AxisT])
	for t := int64(0); t < shape[tile.AxisT]; t++ {
		for c := int64(0); c < shape[tile.AxisC]; c++ {
			for z := int64(0); z < shape[tile.AxisZ]; z++ {
				hasher := blake3.New()
				if err := writePlane(ctx, reader, hasher, z, c, t, rows); err != nil {
					return nil, err
				}
				planes = append(planes, planeDigest{
					Z: z, C: c, T: t,
					Digest: hex.EncodeToString(hasher.Sum(nil)),
				})
			}
		}
	}
	return planes, nil
}

// fingerprint digests the whole image: every plane in storage order
// through a single hasher.
func fingerprint(ctx context.Context, reader *bfio.Reader, rows int64) (string, error) {
	shape := reader.Metadata().Shape
	hasher := blake3.New()
	for t := int64(0); t < shape[tile.AxisT]; t++ {
		for c := int64(0); c < shape[tile.AxisC]; c++ {
			for z := int64(0); z < shape[tile.AxisZ]; z++ {
				if err := writePlane(ctx, reader, hasher, z, c, t, rows); err != nil {
					return "", err
				}
			}
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// writePlane streams one plane's row-major pixels into w, band by
// band.
func writePlane(ctx context.Context, reader *bfio.Reader, w io.Writer, z, c, t, rows int64) error {
	shape := reader.Metadata().Shape
	for row := int64(0); row < shape[tile.AxisY]; row += rows {
		band := min(rows, shape[tile.AxisY]-row)
		data, err := reader.ReadRegion(ctx,
			tile.Coords{0, row, z, c, t},
			tile.Coords{shape[tile.AxisX], band, 1, 1, 1})
		if err != nil {
			return fmt.Errorf("plane z=%d c=%d t=%d: %w", z, c, t, err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// bandRows is the row count hashing reads per band: the configured
// supertile length, so each band is exactly one chunk row.
func bandRows(cfg *config.Config) int64 {
	if cfg.Engine.SupertileLength > 0 {
		return cfg.Engine.SupertileLength
	}
	return 1024
}
