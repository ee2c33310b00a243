// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// handle is one open file behind the bridge. The remote id is opaque;
// everything the engine needs synchronously (metadata, tile shape)
// was captured at open time so reads of it never cross the socket.
type handle struct {
	path      string
	remote    uint64
	meta      *metadata.Metadata
	shape     tile.Coords
	process   *bridgeProcess
	release   func()
	threshold int
	logger    *slog.Logger

	closed atomic.Bool
}

func (h *handle) Metadata() *metadata.Metadata { return h.meta }

func (h *handle) TileShape() tile.Coords { return h.shape }

func (h *handle) ReadTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	if h.closed.Load() {
		return nil, backend.ErrClosed
	}
	response, err := h.call(ctx, &bridgewire.Request{
		Op:     bridgewire.OpReadTile,
		Handle: h.remote,
		Origin: region.Origin[:],
		Shape:  region.Shape[:],
	})
	if err != nil {
		return nil, err
	}
	if response.Payload == nil {
		return nil, fmt.Errorf("%w: read_tile response carries no payload", ErrUnavailable)
	}
	pixels, err := response.Payload.Unpack()
	if err != nil {
		return nil, &backend.IOError{Op: "read tile", Path: h.path, Err: err}
	}
	if want := region.Shape.Volume() * int64(h.meta.Pixel.Size()); int64(len(pixels)) != want {
		return nil, &backend.IOError{
			Op:   "read tile",
			Path: h.path,
			Err:  fmt.Errorf("bridge returned %d bytes for %v, want %d", len(pixels), region, want),
		}
	}
	return &tile.Tile{Origin: region.Origin, Shape: region.Shape, Data: pixels}, nil
}

// ReadbackTile reads a tile already written to the in-progress file.
// It rides the ordinary read_tile operation; a bridge whose writer
// cannot read back refuses it, and the refusal propagates rather than
// letting written pixels be rebuilt from zeros.
func (h *handle) ReadbackTile(ctx context.Context, region tile.Region) (*tile.Tile, error) {
	return h.ReadTile(ctx, region)
}

func (h *handle) WriteTile(ctx context.Context, t *tile.Tile) error {
	if h.closed.Load() {
		return backend.ErrWriteAfterClose
	}
	if want := t.Shape.Volume() * int64(h.meta.Pixel.Size()); int64(len(t.Data)) != want {
		return &backend.IOError{
			Op:   "write tile",
			Path: h.path,
			Err:  fmt.Errorf("tile carries %d bytes, want %d", len(t.Data), want),
		}
	}
	_, err := h.call(ctx, &bridgewire.Request{
		Op:      bridgewire.OpWriteTile,
		Handle:  h.remote,
		Origin:  t.Origin[:],
		Shape:   t.Shape[:],
		Payload: bridgewire.Pack(t.Data, h.threshold),
	})
	return err
}

// Close closes the remote handle and drops this handle's reference on
// the bridge process. The last close stops the process; a close error
// from the bridge (a write handle that failed finalization, say) is
// reported after the reference is dropped, so the process never leaks.
func (h *handle) Close() error {
	if h.closed.Swap(true) {
		return backend.ErrClosed
	}
	_, err := h.call(context.Background(), &bridgewire.Request{
		Op:     bridgewire.OpClose,
		Handle: h.remote,
	})
	h.release()
	if err != nil {
		return err
	}
	h.logger.Debug("closed bridged file", "path", h.path)
	return nil
}

// call runs one request and maps a refused operation onto the engine's
// error taxonomy.
func (h *handle) call(ctx context.Context, request *bridgewire.Request) (*bridgewire.Response, error) {
	response, err := h.process.call(ctx, request)
	if err != nil {
		return nil, err
	}
	if !response.OK {
		return nil, h.mapError(request, response)
	}
	return response, nil
}

// mapError translates a bridge-reported failure kind into the same
// error the native backend would return for the equivalent fault, so
// callers never branch on which adapter served them.
func (h *handle) mapError(request *bridgewire.Request, response *bridgewire.Response) error {
	switch response.ErrorKind {
	case bridgewire.KindFormat, bridgewire.KindUnsupported:
		return &backend.FormatError{Path: h.path, Reason: response.Error}
	case bridgewire.KindMetadata:
		return &metadata.Error{Field: "record", Reason: response.Error}
	case bridgewire.KindOutOfBounds:
		return fmt.Errorf("%w: %s", tile.ErrOutOfBounds, response.Error)
	case bridgewire.KindClosedHandle:
		return fmt.Errorf("%w: %s", backend.ErrClosed, response.Error)
	default:
		// KindIO, and any kind this engine does not know.
		return &backend.IOError{
			Op:   strings.ReplaceAll(request.Op, "_", " "),
			Path: h.path,
			Err:  fmt.Errorf("bridge: %s", response.Error),
		}
	}
}

// tileShapeFrom validates a wire tile shape. The bridge must hand back
// a 2-D slab; anything else is a protocol breach, not a format error.
func tileShapeFrom(wire []int64) (tile.Coords, error) {
	if len(wire) != tile.NumAxes {
		return tile.Coords{}, fmt.Errorf("tile shape has %d axes, want %d", len(wire), tile.NumAxes)
	}
	shape := tile.Coords(wire)
	if shape[tile.AxisX] <= 0 || shape[tile.AxisY] <= 0 {
		return tile.Coords{}, fmt.Errorf("tile shape %v has no area", shape)
	}
	if shape[tile.AxisZ] != 1 || shape[tile.AxisC] != 1 || shape[tile.AxisT] != 1 {
		return tile.Coords{}, fmt.Errorf("tile shape %v is not a 2-D slab", shape)
	}
	return shape, nil
}
