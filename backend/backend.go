// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// ErrClosed reports an operation on a handle after Close. Handles are
// single-owner resources: the Reader or Writer that opened a handle
// closes it exactly once, and every call afterward fails with this
// error.
var ErrClosed = errors.New("backend: handle is closed")

// ErrWriteAfterClose reports a tile write on a closed handle. It wraps
// ErrClosed so errors.Is matches either sentinel.
var ErrWriteAfterClose = fmt.Errorf("%w: write after close", ErrClosed)

// Backend is one concrete format implementation. The native TIFF
// backend and the bridge backend both satisfy it; the engine above
// never knows which one is underneath a handle.
type Backend interface {
	// Name is the registry name callers use for an explicit override.
	Name() string

	// Extensions lists the file extensions (with leading dot, lower
	// case) this backend claims.
	Extensions() []string

	// Sniff reports whether the leading bytes of a file look like a
	// format this backend reads. Used when the extension is
	// inconclusive.
	Sniff(header []byte) bool

	// Open opens an existing image for reading. Unrecognized or
	// corrupt files fail with a FormatError.
	Open(ctx context.Context, path string) (Handle, error)

	// Create creates a new image for writing with the given, already
	// validated, metadata.
	Create(ctx context.Context, path string, meta *metadata.Metadata) (Handle, error)
}

// Handle is an open backend image. Tile reads and writes are safe for
// concurrent use; Close is not (the owning Reader or Writer serializes
// it against in-flight work).
type Handle interface {
	// Metadata returns the canonical record normalized at open time.
	// The record is immutable; callers must not modify it.
	Metadata() *metadata.Metadata

	// TileShape is the backend's native tile shape: a 2-D slab with
	// extent 1 on Z, C, and T. Reads and writes must be aligned to
	// this grid (clipped at image edges).
	TileShape() tile.Coords

	// ReadTile reads the tile covering region. The region must be a
	// grid-aligned tile, clipped to the image extents.
	ReadTile(ctx context.Context, region tile.Region) (*tile.Tile, error)

	// WriteTile persists one tile. Tiles submitted concurrently never
	// overlap; the engine serializes overlapping writes before they
	// reach the backend.
	WriteTile(ctx context.Context, t *tile.Tile) error

	// Close releases the handle. For write handles this does NOT
	// imply a flush; the Writer drains its buffer first and then
	// finalizes via Close.
	Close() error
}

// Readbacker is implemented by write handles that can read tiles
// already written to an in-progress file. The Writer uses it to fill
// the untouched remainder of a partially written tile from existing
// data. Write handles without it get the format's default fill
// (zero bytes) in the unwritten portion instead.
type Readbacker interface {
	ReadbackTile(ctx context.Context, region tile.Region) (*tile.Tile, error)
}

// Aborter is implemented by write handles that can abandon an
// in-progress file, releasing its resources without publishing any
// output. The Writer aborts instead of closing once a failure means
// the file must not appear.
type Aborter interface {
	Abort() error
}
