// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package supertile bounds the memory a reader or writer stages pixel
// data in. A Buffer holds grid-aligned chunks of one image under a
// byte budget: acquirers check chunks out by region, eviction reclaims
// the least recently released chunk nobody holds, and a dirty chunk is
// written through a caller-supplied flush function before its memory
// is reused. Chunks are one per grid cell, so no two ever overlap.
package supertile

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bfio-dev/bfio/tile"
)

// DefaultGrid is the chunk shape a Buffer uses when Config.Grid is
// zero: a 1024×1024 slab of a single plane.
var DefaultGrid = tile.Coords{1024, 1024, 1, 1, 1}

// LoadFunc fills a chunk the first time it is acquired. It returns
// exactly region.Volume() times ElementSize bytes of row-major pixels.
type LoadFunc func(ctx context.Context, region tile.Region) ([]byte, error)

// FlushFunc persists a dirty chunk. The buffer calls it before a dirty
// chunk may be evicted and once per dirty chunk during FlushAll. An
// error leaves the chunk dirty and resident; the buffer never retries
// on its own.
type FlushFunc func(ctx context.Context, region tile.Region, data []byte) error

// Config configures a Buffer.
type Config struct {
	// Extents are the image extents the buffer serves. Chunks at the
	// high edges are clipped against them, never padded.
	Extents tile.Coords

	// Grid is the chunk shape. Acquired regions must be exact
	// grid-aligned chunks, the form tile.Covering produces. Zero
	// means DefaultGrid.
	Grid tile.Coords

	// ElementSize is the pixel width in bytes.
	ElementSize int

	// Budget caps resident bytes across all chunks. It must hold at
	// least one full chunk or no acquire could ever complete.
	Budget int64

	// Load fills chunks on first acquire. Nil means chunks
	// materialize zero-filled, which is what a writer building a new
	// file wants.
	Load LoadFunc

	// Flush persists dirty chunks. Required when callers mark chunks
	// dirty; a read-only buffer leaves it nil.
	Flush FlushFunc

	// Logger receives debug records for evictions. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of buffer activity.
type Stats struct {
	ResidentBytes int64
	Entries       int
	Hits          int64
	Misses        int64
	Evictions     int64
	Flushes       int64
}

// Buffer stages grid-aligned chunks of one image under a byte budget.
// All methods are safe for concurrent use.
type Buffer struct {
	config Config
	cond   *sync.Cond

	mu        sync.Mutex
	entries   map[tile.Coords]*entry // keyed by chunk origin
	idle      *list.List             // *entry, most recently released at the front
	resident  int64
	hits      int64
	misses    int64
	evictions int64
	flushes   int64
}

// entry is one resident chunk. holders counts checked-out handles; an
// entry sits on the idle list exactly when holders is zero. The
// loading, writing, and flushing flags gate visibility: an acquirer
// waits until all three clear.
type entry struct {
	region tile.Region // clipped to the image extents
	data   []byte
	size   int64

	holders  int
	dirty    bool
	loading  bool
	writing  bool
	flushing bool
	element  *list.Element
}

// New validates config and returns an empty Buffer.
func New(config Config) (*Buffer, error) {
	if config.Grid == (tile.Coords{}) {
		config.Grid = DefaultGrid
	}

	var problems []error
	for axis := range tile.NumAxes {
		if config.Extents[axis] <= 0 {
			problems = append(problems, fmt.Errorf("supertile: Extents must be positive on every axis, got %v", config.Extents))
			break
		}
	}
	for axis := range tile.NumAxes {
		if config.Grid[axis] <= 0 {
			problems = append(problems, fmt.Errorf("supertile: Grid must be positive on every axis, got %v", config.Grid))
			break
		}
	}
	if config.ElementSize <= 0 {
		problems = append(problems, fmt.Errorf("supertile: ElementSize must be positive, got %d", config.ElementSize))
	}
	if config.Budget <= 0 {
		problems = append(problems, fmt.Errorf("supertile: Budget must be positive, got %d", config.Budget))
	} else if len(problems) == 0 {
		if largest := largestChunkBytes(config); config.Budget < largest {
			problems = append(problems, fmt.Errorf("supertile: Budget %d cannot hold one %v chunk of %d bytes", config.Budget, config.Grid, largest))
		}
	}
	if problems != nil {
		return nil, errors.Join(problems...)
	}

	b := &Buffer{
		config:  config,
		entries: make(map[tile.Coords]*entry),
		idle:    list.New(),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// largestChunkBytes returns the size of the biggest chunk the buffer
// can hold: the grid shape clipped to the image extents.
func largestChunkBytes(config Config) int64 {
	var shape tile.Coords
	for axis := range tile.NumAxes {
		shape[axis] = min(config.Grid[axis], config.Extents[axis])
	}
	return shape.Volume() * int64(config.ElementSize)
}

// Grid returns the effective chunk shape.
func (b *Buffer) Grid() tile.Coords {
	return b.config.Grid
}

// Stats returns a snapshot of buffer activity.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ResidentBytes: b.resident,
		Entries:       len(b.entries),
		Hits:          b.hits,
		Misses:        b.misses,
		Evictions:     b.evictions,
		Flushes:       b.flushes,
	}
}

// Acquire checks out the chunk covering region, loading it on first
// use. The region must be an exact grid chunk as produced by
// tile.Covering; a chunk hanging past the image edge is clipped, and
// one entirely outside the extents fails with tile.ErrOutOfBounds.
//
// When the byte budget is exhausted, Acquire evicts the least
// recently released idle chunk, flushing it first if dirty; a flush
// failure fails the acquire. With no idle chunk at all, Acquire
// blocks until a Release frees one or ctx ends. A caller that holds
// one handle while acquiring the next must budget for both.
func (b *Buffer) Acquire(ctx context.Context, region tile.Region) (*Handle, error) {
	if err := b.checkChunk(region); err != nil {
		return nil, err
	}
	clipped, err := region.Clip(b.config.Extents)
	if err != nil {
		return nil, err
	}
	need := clipped.Volume() * int64(b.config.ElementSize)

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e, ok := b.entries[clipped.Origin]; ok {
			if e.loading || e.writing || e.flushing {
				if err := b.wait(ctx); err != nil {
					return nil, err
				}
				continue
			}
			e.holders++
			if e.element != nil {
				b.idle.Remove(e.element)
				e.element = nil
			}
			b.hits++
			return &Handle{buffer: b, entry: e}, nil
		}

		if b.resident+need > b.config.Budget {
			progress, err := b.evictOne(ctx)
			if err != nil {
				return nil, err
			}
			if !progress {
				if err := b.wait(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Reserving the placeholder before loading keeps a second
		// acquirer of the same chunk waiting instead of loading it
		// twice, and keeps the budget honest while the lock is down.
		b.misses++
		e := &entry{region: clipped, size: need, holders: 1, loading: true}
		b.entries[clipped.Origin] = e
		b.resident += need

		data, err := b.load(ctx, clipped, need)
		e.loading = false
		if err != nil {
			b.removeEntry(e)
			b.cond.Broadcast()
			return nil, err
		}
		e.data = data
		b.cond.Broadcast()
		return &Handle{buffer: b, entry: e}, nil
	}
}

// checkChunk rejects regions that are not aligned full-grid chunks.
func (b *Buffer) checkChunk(region tile.Region) error {
	for axis := range tile.NumAxes {
		grid := b.config.Grid[axis]
		if region.Shape[axis] != grid || region.Origin[axis]%grid != 0 {
			return fmt.Errorf("supertile: region %v is not a %v grid chunk", region, b.config.Grid)
		}
	}
	return nil
}

// load materializes a chunk with the lock released. A nil Load gives a
// zero-filled chunk.
func (b *Buffer) load(ctx context.Context, region tile.Region, size int64) ([]byte, error) {
	if b.config.Load == nil {
		return make([]byte, size), nil
	}
	b.mu.Unlock()
	data, err := b.config.Load(ctx, region)
	b.mu.Lock()
	if err != nil {
		return nil, fmt.Errorf("supertile: load %v: %w", region, err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("supertile: load %v returned %d bytes, want %d", region, len(data), size)
	}
	return data, nil
}

// evictOne reclaims the least recently released idle chunk, flushing
// it first when dirty. It reports whether it changed any state; false
// means nothing was evictable and the caller should wait for a
// release. The lock drops during the flush, but acquirers wait out
// flushing chunks, so the victim stays idle throughout.
func (b *Buffer) evictOne(ctx context.Context) (bool, error) {
	var victim *entry
	for element := b.idle.Back(); element != nil; element = element.Prev() {
		e := element.Value.(*entry)
		if e.flushing {
			continue
		}
		victim = e
		break
	}
	if victim == nil {
		return false, nil
	}

	if victim.dirty {
		if err := b.flushEntry(ctx, victim); err != nil {
			return false, err
		}
	}
	b.removeEntry(victim)
	b.evictions++
	b.logger().Debug("evicted supertile chunk",
		"region", victim.region, "resident_bytes", b.resident)
	b.cond.Broadcast()
	return true, nil
}

// flushEntry writes a dirty chunk through the flush function with the
// lock released, then marks it clean. On failure the chunk stays dirty
// and resident.
func (b *Buffer) flushEntry(ctx context.Context, e *entry) error {
	if b.config.Flush == nil {
		return fmt.Errorf("supertile: dirty chunk %v with no flush function", e.region)
	}
	e.flushing = true
	b.mu.Unlock()
	err := b.config.Flush(ctx, e.region, e.data)
	b.mu.Lock()
	e.flushing = false
	b.cond.Broadcast()
	if err != nil {
		return fmt.Errorf("supertile: flush %v: %w", e.region, err)
	}
	e.dirty = false
	b.flushes++
	return nil
}

func (b *Buffer) removeEntry(e *entry) {
	delete(b.entries, e.region.Origin)
	if e.element != nil {
		b.idle.Remove(e.element)
		e.element = nil
	}
	b.resident -= e.size
}

// FlushAll writes every dirty chunk through the flush function in
// storage order, leaving the chunks resident and clean. It returns the
// first flush error, with the failed chunk and any not yet reached
// still dirty. A chunk checked out dirty is waited for, so FlushAll
// called with writes outstanding blocks until their handles release.
func (b *Buffer) FlushAll(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := b.nextDirty()
		if e == nil {
			return nil
		}
		if e.writing || e.flushing {
			if err := b.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if err := b.flushEntry(ctx, e); err != nil {
			return err
		}
	}
}

// nextDirty returns the dirty chunk earliest in storage order, nil
// when none remain. The deterministic order keeps backend writes
// sequential for the common streaming layout.
func (b *Buffer) nextDirty() *entry {
	var next *entry
	for _, e := range b.entries {
		if !e.dirty {
			continue
		}
		if next == nil || storageBefore(e.region.Origin, next.region.Origin) {
			next = e
		}
	}
	return next
}

// storageBefore orders chunk origins the way tile.Covering emits them:
// X varies fastest, T slowest.
func storageBefore(a, c tile.Coords) bool {
	for axis := tile.NumAxes - 1; axis >= 0; axis-- {
		if a[axis] != c[axis] {
			return a[axis] < c[axis]
		}
	}
	return false
}

// wait parks on the condition variable until the next broadcast. The
// caller holds b.mu and has armed a context.AfterFunc that broadcasts
// when ctx ends.
func (b *Buffer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.cond.Wait()
	return ctx.Err()
}

func (b *Buffer) logger() *slog.Logger {
	if b.config.Logger != nil {
		return b.config.Logger
	}
	return slog.Default()
}

// Handle is a checked-out chunk. The data is valid until Release.
// Holders of the same chunk share one underlying buffer, so a mutating
// caller marks the chunk dirty before touching the bytes and keeps the
// handle until the mutation is done. A Handle is not safe for
// concurrent use; share the Buffer instead.
type Handle struct {
	buffer   *Buffer
	entry    *entry
	released atomic.Bool
	wrote    bool
}

// Region returns the chunk's region, clipped to the image extents.
func (h *Handle) Region() tile.Region {
	return h.entry.region
}

// Data returns the chunk's row-major pixel bytes.
func (h *Handle) Data() []byte {
	return h.entry.data
}

// MarkDirty records that the holder mutates the chunk and checks it
// out exclusively: other acquirers of this chunk block until Release.
// A flush of this chunk already in flight completes first, so the
// holder's mutations never race the flush or lose their dirty mark to
// its completion.
func (h *Handle) MarkDirty() {
	if h.released.Load() {
		panic("supertile: MarkDirty after Release")
	}
	b := h.buffer
	b.mu.Lock()
	defer b.mu.Unlock()
	for h.entry.flushing {
		b.cond.Wait()
	}
	h.entry.dirty = true
	if !h.wrote {
		h.wrote = true
		h.entry.writing = true
	}
}

// Release returns the chunk to the buffer; the last holder out makes
// it evictable. Release is idempotent.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	b := h.buffer
	b.mu.Lock()
	defer b.mu.Unlock()
	e := h.entry
	e.holders--
	if h.wrote {
		e.writing = false
	}
	if e.holders == 0 {
		e.element = b.idle.PushFront(e)
	}
	b.cond.Broadcast()
}
