// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/scheduler"
	"github.com/bfio-dev/bfio/supertile"
	"github.com/bfio-dev/bfio/tile"
)

// writerState tracks the Writer's lifecycle. Writes are accepted in
// writerOpen and writerWriting; a flush or the closing drain moves
// through writerFlushing; writerClosed is terminal.
type writerState int

const (
	writerOpen writerState = iota
	writerWriting
	writerFlushing
	writerClosed
)

// Writer builds a new image. Regions arrive at any alignment and are
// staged in supertile chunks; partially covered tiles are completed by
// read-modify-write. Dirty chunks drain to the backend when the budget
// forces eviction, on Flush, and during the final drain in Close.
// Concurrent writes to disjoint regions are safe; overlapping writes
// are the caller's to order.
type Writer struct {
	path     string
	handle   backend.Handle
	meta     *metadata.Metadata
	elemSize int
	tileGrid tile.Coords
	pool     *scheduler.Pool
	buffer   *supertile.Buffer
	lock     *writeLock
	logger   *slog.Logger

	mu      sync.Mutex
	state   writerState
	failed  error                    // first pixel-path failure; Close refuses to publish after one
	flushed map[tile.Coords]struct{} // tile origins the backend has acknowledged
}

func newWriter(path string, handle backend.Handle, lock *writeLock, options Options) (*Writer, error) {
	meta := handle.Metadata()
	w := &Writer{
		path:     path,
		handle:   handle,
		meta:     meta,
		elemSize: meta.Pixel.Size(),
		tileGrid: handle.TileShape(),
		lock:     lock,
		logger:   options.logger(),
		flushed:  make(map[tile.Coords]struct{}),
	}
	buffer, err := supertile.New(supertile.Config{
		Extents:     meta.Shape,
		Grid:        supertileGrid(options, w.tileGrid),
		ElementSize: w.elemSize,
		Budget:      options.cacheBytes(),
		Load:        w.loadChunk,
		Flush:       w.flushChunk,
		Logger:      w.logger,
	})
	if err != nil {
		return nil, err
	}
	w.buffer = buffer
	w.pool = scheduler.New(options.workers())
	return w, nil
}

// Metadata returns the canonical record the image is being written
// with. The record is shared and immutable; clone it before
// modifying.
func (w *Writer) Metadata() *metadata.Metadata { return w.meta }

// CacheStats reports supertile buffer activity for this writer.
func (w *Writer) CacheStats() supertile.Stats { return w.buffer.Stats() }

// ChunkShape returns the supertile chunk extents this writer stages
// through. Writes covering whole chunks never trigger a read-back.
func (w *Writer) ChunkShape() tile.Coords { return w.buffer.Grid() }

// WriteRegion stages the region at origin with the given shape. data
// holds the pixels row-major in storage order, X varying fastest, and
// must be exactly the region's volume times the pixel width. The
// region must lie entirely within the image extents; unlike reads,
// writes are never clipped, since clipping would drop caller data
// silently.
//
// A failed write leaves the Writer usable but latches the error:
// unless a later Flush and Close both succeed without it, Close
// surfaces it and publishes nothing.
func (w *Writer) WriteRegion(ctx context.Context, origin, shape tile.Coords, data []byte) error {
	region := tile.Region{Origin: origin, Shape: shape}
	if err := w.begin(region, int64(len(data))); err != nil {
		return err
	}
	if err := w.scatter(ctx, region, data); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

// begin validates the write and moves the state machine to writing.
// Validation failures are the caller's mistake and are not latched;
// the Writer remains fully usable after one.
func (w *Writer) begin(region tile.Region, dataLen int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case writerClosed:
		return fmt.Errorf("bfio: write %s: %w", w.path, ErrWriteAfterClose)
	case writerFlushing:
		return fmt.Errorf("bfio: write %s: flush in progress", w.path)
	}
	clipped, err := region.Clip(w.meta.Shape)
	if err != nil {
		return err
	}
	if clipped != region {
		return fmt.Errorf("bfio: write region %v extends past the image extents %v: %w",
			region, w.meta.Shape, ErrOutOfBounds)
	}
	if want := region.Volume() * int64(w.elemSize); dataLen != want {
		return fmt.Errorf("bfio: write region %v needs %d bytes, got %d", region, want, dataLen)
	}
	w.state = writerWriting
	return nil
}

// scatter copies the caller's data into every chunk the region spans,
// one chunk held at a time.
func (w *Writer) scatter(ctx context.Context, region tile.Region, data []byte) error {
	for _, chunk := range tile.Covering(region, w.buffer.Grid()) {
		h, err := w.buffer.Acquire(ctx, chunk)
		if err != nil {
			return err
		}
		h.MarkDirty()
		tile.CopyRegion(h.Data(), h.Region(), data, region, w.elemSize)
		h.Release()
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed == nil {
		w.failed = err
	}
}

// loadChunk seeds a chunk the first write only partially covers.
// Tiles flushed earlier and since evicted are read back through the
// write handle so their pixels survive the rewrite; tiles never
// flushed stay zero, the format's default fill. A backend that cannot
// read back refuses rather than letting flushed pixels be rebuilt
// from zeros.
func (w *Writer) loadChunk(ctx context.Context, region tile.Region) ([]byte, error) {
	data := make([]byte, region.Volume()*int64(w.elemSize))
	for _, t := range tile.Covering(region, w.tileGrid) {
		clipped, err := t.Clip(w.meta.Shape)
		if err != nil {
			return nil, err
		}
		if !w.wasFlushed(clipped.Origin) {
			continue
		}
		rb, ok := w.handle.(backend.Readbacker)
		if !ok {
			return nil, &backend.IOError{
				Op:   "readback",
				Path: w.path,
				Err:  fmt.Errorf("backend cannot re-read flushed tile %v for a partial rewrite", clipped.Origin),
			}
		}
		back, err := rb.ReadbackTile(ctx, clipped)
		if err != nil {
			return nil, err
		}
		tile.CopyRegion(data, region, back.Data, back.Region(), w.elemSize)
	}
	return data, nil
}

// flushChunk persists every tile of a dirty chunk through the pool
// and records the ones the backend acknowledged. All futures are
// waited out even after a failure, so nothing runs past the return.
func (w *Writer) flushChunk(ctx context.Context, region tile.Region, data []byte) error {
	tiles := tile.Covering(region, w.tileGrid)
	futures := make([]*scheduler.Future[struct{}], 0, len(tiles))
	origins := make([]tile.Coords, 0, len(tiles))
	for _, t := range tiles {
		clipped, err := t.Clip(w.meta.Shape)
		if err != nil {
			return err
		}
		out := &tile.Tile{
			Origin: clipped.Origin,
			Shape:  clipped.Shape,
			Data:   make([]byte, clipped.Volume()*int64(w.elemSize)),
		}
		tile.CopyRegion(out.Data, clipped, data, region, w.elemSize)
		futures = append(futures, w.pool.SubmitWrite(ctx, w.handle, out))
		origins = append(origins, clipped.Origin)
	}
	var firstErr error
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.markFlushed(origins[i])
	}
	return firstErr
}

func (w *Writer) wasFlushed(origin tile.Coords) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.flushed[origin]
	return ok
}

func (w *Writer) markFlushed(origin tile.Coords) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed[origin] = struct{}{}
}

// Flush drains every dirty chunk to the backend, blocking until each
// write is acknowledged. The chunks stay resident; writing may
// continue afterwards.
func (w *Writer) Flush(ctx context.Context) error {
	if err := w.beginFlush("flush"); err != nil {
		return err
	}
	err := w.buffer.FlushAll(ctx)
	w.mu.Lock()
	if err != nil && w.failed == nil {
		w.failed = err
	}
	w.state = writerWriting
	w.mu.Unlock()
	return err
}

func (w *Writer) beginFlush(op string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case writerClosed:
		return fmt.Errorf("bfio: %s %s: %w", op, w.path, ErrClosedHandle)
	case writerFlushing:
		return fmt.Errorf("bfio: %s %s: flush in progress", op, w.path)
	}
	w.state = writerFlushing
	return nil
}

// Close drains the remaining dirty chunks, waits for in-flight backend
// writes, and finalizes the file. After any unresolved failure,
// Close surfaces the original error and publishes nothing: the target
// path is left without a file rather than with a silently incomplete
// one.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.beginFlush("close"); err != nil {
		return err
	}

	w.mu.Lock()
	failed := w.failed
	w.mu.Unlock()
	if failed == nil {
		if err := w.buffer.FlushAll(ctx); err != nil {
			failed = err
		}
	}

	w.mu.Lock()
	if failed != nil && w.failed == nil {
		w.failed = failed
	}
	w.state = writerClosed
	w.mu.Unlock()

	w.pool.Close()

	if failed == nil {
		// A write racing Close can dirty a chunk after the drain.
		// With the pool closed it cannot be persisted anymore, so
		// surface the race instead of publishing a file that is
		// missing an acknowledged write.
		if err := w.buffer.FlushAll(ctx); err != nil {
			failed = err
			w.fail(err)
		}
	}

	if failed != nil {
		w.abort()
		return failed
	}
	if err := w.handle.Close(); err != nil {
		w.lock.discard()
		return err
	}
	w.lock.unlock()
	w.logger.Info("finalized image", "path", w.path, "shape", w.meta.Shape, "pixel_type", w.meta.Pixel)
	return nil
}

// Abort abandons the image: staged pixels are dropped and nothing is
// published at the path. Callers that fail partway through a session
// for reasons outside the writer (a source read error, a cancel) use
// this instead of Close, which would publish whatever had been staged
// so far. Aborting a closed writer returns ErrClosedHandle.
func (w *Writer) Abort() error {
	w.mu.Lock()
	switch w.state {
	case writerClosed:
		w.mu.Unlock()
		return fmt.Errorf("bfio: abort %s: %w", w.path, ErrClosedHandle)
	case writerFlushing:
		w.mu.Unlock()
		return fmt.Errorf("bfio: abort %s: flush in progress", w.path)
	}
	w.state = writerClosed
	w.mu.Unlock()

	w.pool.Close()
	w.abort()
	w.logger.Info("aborted image", "path", w.path)
	return nil
}

// abort abandons the in-progress file without publishing it.
func (w *Writer) abort() {
	abortHandle(w.handle, w.path, w.logger)
	w.lock.discard()
}

// abortHandle releases a write handle so no output appears at path.
// Backends that stage through a temp file discard it via Abort;
// anything else is closed and the published file removed.
func abortHandle(h backend.Handle, path string, logger *slog.Logger) {
	if a, ok := h.(backend.Aborter); ok {
		if err := a.Abort(); err != nil && !errors.Is(err, ErrClosedHandle) {
			logger.Warn("abandoning output failed", "path", path, "error", err)
		}
		return
	}
	if err := h.Close(); err != nil && !errors.Is(err, ErrClosedHandle) {
		logger.Warn("closing abandoned handle failed", "path", path, "error", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("removing abandoned output failed", "path", path, "error", err)
	}
}

// writeLock is the single-writer guard: an exclusive advisory flock
// held on the output path for the whole write session. Creating over
// an existing file locks that file in place; creating a new one locks
// a placeholder the finalized output is renamed over.
type writeLock struct {
	file    *os.File
	path    string
	created bool
}

func acquireWriteLock(path string) (*writeLock, error) {
	for {
		created := false
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			created = true
		} else if errors.Is(err, fs.ErrExist) {
			f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		}
		if err != nil {
			return nil, &backend.IOError{Op: "lock", Path: path, Err: err}
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if created {
				os.Remove(path)
			}
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, &backend.IOError{Op: "lock", Path: path,
					Err: fmt.Errorf("another writer holds %s", path)}
			}
			return nil, &backend.IOError{Op: "lock", Path: path, Err: err}
		}
		// A failed writer may have unlinked the placeholder between
		// our open and the lock. A lock on an orphaned inode excludes
		// nobody, so verify the path still names our file and retry
		// if not.
		if current, err := os.Stat(path); err == nil {
			if held, err := f.Stat(); err == nil && os.SameFile(current, held) {
				return &writeLock{file: f, path: path, created: created}, nil
			}
		}
		f.Close()
	}
}

// unlock releases the lock, leaving the output in place.
func (l *writeLock) unlock() {
	l.file.Close()
}

// discard releases the lock and removes the placeholder if this
// session created it. A pre-existing file is left untouched.
func (l *writeLock) discard() {
	l.file.Close()
	if l.created {
		os.Remove(l.path)
	}
}
