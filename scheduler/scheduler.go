// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs backend tile I/O on a fixed pool of workers.
// The work channel is unbuffered, so a submission completes only by
// handing its job to an idle worker: when every worker is busy the
// submitter blocks, and in-flight I/O is bounded by the worker count
// with no queue behind it. Results come back through futures.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/tile"
)

// ErrClosed reports a submission to a pool after Close.
var ErrClosed = errors.New("scheduler: pool is closed")

// Pool is a fixed set of workers performing backend tile I/O. Jobs
// run in no particular order relative to each other; callers that
// need ordering (overlapping writes) serialize before submitting.
type Pool struct {
	workers   int
	work      chan func()
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a pool. A worker count at or below zero means
// runtime.GOMAXPROCS(0).
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: workers,
		work:    make(chan func()),
		quit:    make(chan struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.work:
			job()
		case <-p.quit:
			return
		}
	}
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Close stops accepting work and waits for jobs already running to
// finish. Submitters still blocked resolve their futures with
// ErrClosed. Close is idempotent and safe to call concurrently.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// SubmitRead dispatches a tile read. The future resolves with the
// tile or the read error; if ctx ends before a worker picks the job
// up, it resolves with the ctx error instead.
func (p *Pool) SubmitRead(ctx context.Context, h backend.Handle, region tile.Region) *Future[*tile.Tile] {
	return submit(ctx, p, func(ctx context.Context) (*tile.Tile, error) {
		return h.ReadTile(ctx, region)
	})
}

// SubmitWrite dispatches a tile write. Tiles submitted concurrently
// must not overlap; the caller serializes overlapping writes before
// they reach the pool.
func (p *Pool) SubmitWrite(ctx context.Context, h backend.Handle, t *tile.Tile) *Future[struct{}] {
	return submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.WriteTile(ctx, t)
	})
}

// submit blocks until an idle worker takes the job, ctx ends, or the
// pool closes; the latter two resolve the future without running it.
func submit[T any](ctx context.Context, p *Pool, run func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	job := func() {
		f.resolve(run(ctx))
	}
	select {
	case p.work <- job:
	case <-ctx.Done():
		var zero T
		f.resolve(zero, ctx.Err())
	case <-p.quit:
		var zero T
		f.resolve(zero, ErrClosed)
	}
	return f
}
