// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/scheduler"
	"github.com/bfio-dev/bfio/supertile"
	"github.com/bfio-dev/bfio/tile"
)

// Reader is an open image. Regions read through it are assembled from
// cached supertile chunks; missing chunks are fetched tile by tile
// through the worker pool, so a read touching many tiles proceeds in
// parallel up to the pool size. All methods are safe for concurrent
// use.
type Reader struct {
	path        string
	backendName string
	handle      backend.Handle
	meta        *metadata.Metadata
	elemSize    int
	tileGrid    tile.Coords
	pool        *scheduler.Pool
	buffer      *supertile.Buffer
	logger      *slog.Logger

	// lifetime ends at Close and takes every outstanding read down
	// with it.
	lifetime context.Context
	cancel   context.CancelFunc

	prefetching atomic.Bool

	mu     sync.Mutex
	closed bool
}

func newReader(path string, handle backend.Handle, options Options) (*Reader, error) {
	meta := handle.Metadata()
	lifetime, cancel := context.WithCancel(context.Background())
	r := &Reader{
		path:     path,
		handle:   handle,
		meta:     meta,
		elemSize: meta.Pixel.Size(),
		tileGrid: handle.TileShape(),
		pool:     scheduler.New(options.workers()),
		logger:   options.logger(),
		lifetime: lifetime,
		cancel:   cancel,
	}
	buffer, err := supertile.New(supertile.Config{
		Extents:     meta.Shape,
		Grid:        supertileGrid(options, r.tileGrid),
		ElementSize: r.elemSize,
		Budget:      options.cacheBytes(),
		Load:        r.loadChunk,
		Logger:      r.logger,
	})
	if err != nil {
		cancel()
		r.pool.Close()
		return nil, err
	}
	r.buffer = buffer
	return r, nil
}

// Metadata returns the canonical record for the open image. The
// record is shared and immutable; clone it before modifying.
func (r *Reader) Metadata() *metadata.Metadata { return r.meta }

// Backend returns the registry name of the backend serving this image.
func (r *Reader) Backend() string { return r.backendName }

// TileShape returns the backend's native tile extents for this image.
func (r *Reader) TileShape() tile.Coords { return r.tileGrid }

// CacheStats reports supertile buffer activity for this reader.
func (r *Reader) CacheStats() supertile.Stats { return r.buffer.Stats() }

// ReadRegion reads the region at origin with the given shape and
// returns its pixels row-major in storage order, X varying fastest.
// The shape is clipped against the image extents, never padded: the
// returned bytes cover exactly the clipped region. A region with no
// overlap fails with ErrOutOfBounds. The result is byte-for-byte
// independent of tiling, caching, and scheduling.
func (r *Reader) ReadRegion(ctx context.Context, origin, shape tile.Coords) ([]byte, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	clipped, err := (tile.Region{Origin: origin, Shape: shape}).Clip(r.meta.Shape)
	if err != nil {
		return nil, err
	}
	return r.readRegion(ctx, clipped)
}

// readRegion assembles an already clipped region. Chunks are acquired
// one at a time per goroutine, so the buffer never needs to hold more
// than the fan-out at once.
func (r *Reader) readRegion(ctx context.Context, region tile.Region) ([]byte, error) {
	ctx, finish := r.operationContext(ctx)
	defer finish()

	out := make([]byte, region.Volume()*int64(r.elemSize))
	chunks := tile.Covering(region, r.buffer.Grid())
	if len(chunks) == 1 {
		if err := r.copyChunk(ctx, chunks[0], out, region); err != nil {
			return nil, err
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		next     atomic.Int64
		failMu   sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	for range min(len(chunks), r.pool.Workers()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= len(chunks) {
					return
				}
				if err := r.copyChunk(ctx, chunks[i], out, region); err != nil {
					failMu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					failMu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// copyChunk acquires one chunk and copies its overlap with region into
// out. Goroutines writing disjoint rows of out need no lock.
func (r *Reader) copyChunk(ctx context.Context, chunk tile.Region, out []byte, region tile.Region) error {
	h, err := r.buffer.Acquire(ctx, chunk)
	if err != nil {
		return err
	}
	tile.CopyRegion(out, region, h.Data(), h.Region(), r.elemSize)
	h.Release()
	return nil
}

// loadChunk fills a chunk on its first acquire by fanning the covered
// tiles out to the pool and assembling the results. Every future is
// waited out even after a failure, so nothing runs past the return.
func (r *Reader) loadChunk(ctx context.Context, region tile.Region) ([]byte, error) {
	data := make([]byte, region.Volume()*int64(r.elemSize))
	tiles := tile.Covering(region, r.tileGrid)
	futures := make([]*scheduler.Future[*tile.Tile], 0, len(tiles))
	for _, t := range tiles {
		clipped, err := t.Clip(r.meta.Shape)
		if err != nil {
			return nil, err
		}
		futures = append(futures, r.pool.SubmitRead(ctx, r.handle, clipped))
	}
	var firstErr error
	for _, f := range futures {
		t, err := f.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstErr == nil {
			tile.CopyRegion(data, region, t.Data, t.Region(), r.elemSize)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return data, nil
}

// prefetchAfter warms the chunk that follows origin's chunk in storage
// order, overlapping the next fetch with the caller's consumption of
// the current one. At most one prefetch runs at a time and failures
// are left for the synchronous read to surface.
func (r *Reader) prefetchAfter(chunkOrigin tile.Coords) {
	next, ok := r.nextChunkOrigin(chunkOrigin)
	if !ok {
		return
	}
	if !r.prefetching.CompareAndSwap(false, true) {
		return
	}
	region := tile.Region{Origin: next, Shape: r.buffer.Grid()}
	go func() {
		defer r.prefetching.Store(false)
		h, err := r.buffer.Acquire(r.lifetime, region)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Debug("read-ahead failed", "path", r.path, "region", region, "error", err)
			}
			return
		}
		h.Release()
	}()
}

// nextChunkOrigin advances one chunk in storage order, carrying across
// axes like an odometer. The second result is false past the last
// chunk of the image.
func (r *Reader) nextChunkOrigin(origin tile.Coords) (tile.Coords, bool) {
	grid := r.buffer.Grid()
	for axis := range tile.NumAxes {
		origin[axis] += grid[axis]
		if origin[axis] < r.meta.Shape[axis] {
			return origin, true
		}
		origin[axis] = 0
	}
	return tile.Coords{}, false
}

// operationContext derives ctx so it also ends when the Reader
// closes.
func (r *Reader) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Reader) ensureOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("bfio: read %s: %w", r.path, ErrClosedHandle)
	}
	return nil
}

// Close cancels outstanding reads, waits for in-flight backend calls
// to drain, and releases the handle. Reads that were in progress
// return a cancellation error; operations started afterwards fail
// with ErrClosedHandle.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("bfio: close %s: %w", r.path, ErrClosedHandle)
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.pool.Close()
	err := r.handle.Close()
	r.logger.Debug("closed image", "path", r.path)
	return err
}
