// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bfio

import (
	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/backend/bridge"
	"github.com/bfio-dev/bfio/tile"
)

// The portable error kinds, re-exported so callers can classify engine
// failures with errors.Is without importing the package that produced
// them. The structured kinds keep their own types: backend.FormatError
// for files no backend can decode, backend.IOError for failed reads,
// writes, and finalization, and metadata.Error for an invalid canonical
// record.
var (
	// ErrOutOfBounds reports a region with no overlap with the image,
	// or one that is malformed outright: a negative origin or a
	// non-positive shape. Regions that merely extend past the extents
	// are clipped on read, never padded, and refused on write.
	ErrOutOfBounds = tile.ErrOutOfBounds

	// ErrClosedHandle reports an operation on a Reader or Writer after
	// Close.
	ErrClosedHandle = backend.ErrClosed

	// ErrWriteAfterClose reports a write on a closed Writer. It wraps
	// ErrClosedHandle, so errors.Is matches either sentinel.
	ErrWriteAfterClose = backend.ErrWriteAfterClose

	// ErrBridgeUnavailable reports that the sidecar decoder process
	// could not serve: it failed to launch, crashed mid-call, or broke
	// protocol. The engine never retries on the caller's behalf; the
	// failing operation returns promptly with this error in its chain.
	ErrBridgeUnavailable = bridge.ErrUnavailable
)
