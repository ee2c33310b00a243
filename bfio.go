// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/supertile"
	"github.com/bfio-dev/bfio/tile"
)

// DefaultCacheBytes is the supertile budget used when Options leaves
// CacheBytes zero: enough for a few dozen full chunks of the widest
// pixel type without troubling a workstation.
const DefaultCacheBytes int64 = 256 << 20

// maxDefaultWorkers caps the pool size derived from the CPU count.
// Past this, large images are bounded by the storage, not the decode.
const maxDefaultWorkers = 8

// nativeName is the registry name of the built-in OME-TIFF backend.
const nativeName = "tiff"

// Options tunes an Open or Create call. The zero value is ready to
// use.
type Options struct {
	// Backend forces a backend by registry name ("tiff", or whatever
	// a registered bridge is called), skipping extension matching and
	// content sniffing. Empty means automatic selection.
	Backend string

	// Workers is the I/O pool size: how many tile reads or writes run
	// against the backend at once. Zero means the CPU count, capped
	// at 8.
	Workers int

	// CacheBytes bounds the pixel bytes staged in memory. Zero means
	// DefaultCacheBytes. The budget must hold at least one supertile
	// chunk.
	CacheBytes int64

	// SupertileWidth and SupertileLength shape the staging chunks.
	// Zero means 1024. Values are rounded up to a whole multiple of
	// the backend's native tile shape so chunks always hold whole
	// tiles.
	SupertileWidth  int64
	SupertileLength int64

	// TileWidth and TileLength set the tile grid of files the native
	// adapter creates, positive multiples of 16. Zero means 1024.
	// Ignored when another backend performs the create.
	TileWidth  int64
	TileLength int64

	// Compression is applied to files the native adapter creates.
	Compression tiff.Compression

	// ForceBigTIFF lays out files the native adapter creates with
	// 64-bit offsets even when the projected size fits the classic
	// format.
	ForceBigTIFF bool

	// Logger receives engine records: Debug for per-chunk events,
	// Info for lifecycle. Nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return min(runtime.NumCPU(), maxDefaultWorkers)
}

func (o Options) cacheBytes() int64 {
	if o.CacheBytes > 0 {
		return o.CacheBytes
	}
	return DefaultCacheBytes
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// native instantiates the built-in adapter with the write-side options
// applied. The registered instance only participates in selection;
// opens and creates run through one built here so the caller's logger
// and tile grid take effect.
func (o Options) native() (*tiff.Backend, error) {
	return tiff.New(tiff.Config{
		TileWidth:    o.TileWidth,
		TileLength:   o.TileLength,
		Compression:  o.Compression,
		ForceBigTIFF: o.ForceBigTIFF,
		Logger:       o.Logger,
	})
}

// The process-wide backend set. The native adapter is always present;
// Register adds bridges and other adapters on top. Selection reads an
// immutable snapshot, so registration and opens may interleave freely.
var (
	registryMu sync.Mutex
	registered []backend.Backend
	assembled  *backend.Registry
)

// Register adds a backend to the process-wide set used by Open and
// Create. Its name and extensions must not collide with the native
// adapter or an earlier registration.
func Register(b backend.Backend) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	next, err := assemble(append(registered[:len(registered):len(registered)], b))
	if err != nil {
		return err
	}
	registered = append(registered, b)
	assembled = next
	return nil
}

func assemble(extra []backend.Backend) (*backend.Registry, error) {
	r := backend.NewRegistry()
	native, err := tiff.New(tiff.Config{})
	if err != nil {
		return nil, err
	}
	if err := r.Register(native); err != nil {
		return nil, err
	}
	for _, b := range extra {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func engineRegistry() (*backend.Registry, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if assembled == nil {
		r, err := assemble(registered)
		if err != nil {
			return nil, err
		}
		assembled = r
	}
	return assembled, nil
}

// Open opens an existing image for reading. The backend is chosen by
// the override in options, else by file extension, else by sniffing
// the file's leading bytes; a file no backend claims fails with a
// FormatError. The returned Reader is safe for concurrent use.
func Open(ctx context.Context, path string, options Options) (*Reader, error) {
	registry, err := engineRegistry()
	if err != nil {
		return nil, err
	}
	chosen, err := registry.Select(path, options.Backend)
	if err != nil {
		return nil, err
	}
	if chosen.Name() == nativeName {
		if chosen, err = options.native(); err != nil {
			return nil, err
		}
	}
	handle, err := chosen.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(path, handle, options)
	if err != nil {
		handle.Close()
		return nil, err
	}
	r.backendName = chosen.Name()
	return r, nil
}

// Create creates a new image for writing. The metadata is validated
// first and an invalid record fails before anything touches the
// filesystem; a create that fails later leaves no file behind. One
// writer per path: a second concurrent Create on the same file fails
// immediately.
func Create(ctx context.Context, path string, meta *metadata.Metadata, options Options) (*Writer, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	registry, err := engineRegistry()
	if err != nil {
		return nil, err
	}
	chosen, err := registry.SelectCreate(path, options.Backend)
	if err != nil {
		return nil, err
	}
	if chosen.Name() == nativeName {
		if chosen, err = options.native(); err != nil {
			return nil, err
		}
	}
	lock, err := acquireWriteLock(path)
	if err != nil {
		return nil, err
	}
	handle, err := chosen.Create(ctx, path, meta)
	if err != nil {
		lock.discard()
		return nil, err
	}
	w, err := newWriter(path, handle, lock, options)
	if err != nil {
		abortHandle(handle, path, options.logger())
		lock.discard()
		return nil, err
	}
	return w, nil
}

// supertileGrid derives the chunk shape for the staging buffer:
// configured or default extents, rounded up so every chunk spans whole
// backend tiles and the read-modify-write path never splits one.
func supertileGrid(options Options, tileShape tile.Coords) tile.Coords {
	grid := supertile.DefaultGrid
	if options.SupertileWidth > 0 {
		grid[tile.AxisX] = options.SupertileWidth
	}
	if options.SupertileLength > 0 {
		grid[tile.AxisY] = options.SupertileLength
	}
	for axis := range tile.NumAxes {
		if n := tileShape[axis]; n > 0 {
			grid[axis] = (grid[axis] + n - 1) / n * n
		}
	}
	return grid
}
