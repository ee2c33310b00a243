// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import "context"

// Future is the pending result of a submitted job. It resolves exactly
// once, with a value or an error, and any number of waiters see the
// same outcome.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Wait blocks until the future resolves or ctx ends. A ctx failure
// abandons the wait, not the job: the job still runs to completion and
// resolves the future for any later waiter.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed when the future resolves. Use it to
// select across several futures, then collect the result with Wait.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) resolve(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}
