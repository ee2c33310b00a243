// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"testing"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

func TestErrorKindTranslation(t *testing.T) {
	h := &handle{path: "/data/plate.czi"}
	request := &bridgewire.Request{Op: bridgewire.OpReadTile}

	tests := []struct {
		name  string
		kind  string
		check func(error) bool
		want  string
	}{
		{"format", bridgewire.KindFormat, backend.IsFormatError, "FormatError"},
		{"unsupported", bridgewire.KindUnsupported, backend.IsFormatError, "FormatError"},
		{"metadata", bridgewire.KindMetadata, metadata.IsError, "metadata error"},
		{"out of bounds", bridgewire.KindOutOfBounds,
			func(err error) bool { return errors.Is(err, tile.ErrOutOfBounds) }, "ErrOutOfBounds"},
		{"closed handle", bridgewire.KindClosedHandle,
			func(err error) bool { return errors.Is(err, backend.ErrClosed) }, "ErrClosed"},
		{"io", bridgewire.KindIO, backend.IsIOError, "IOError"},
		{"unknown kind", "someday", backend.IsIOError, "IOError"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := h.mapError(request, &bridgewire.Response{Error: "boom", ErrorKind: test.kind})
			if !test.check(err) {
				t.Errorf("kind %q mapped to %v, want %s", test.kind, err, test.want)
			}
		})
	}
}

func TestTileShapeValidation(t *testing.T) {
	good := []int64{1024, 1024, 1, 1, 1}
	if _, err := tileShapeFrom(good); err != nil {
		t.Fatalf("tileShapeFrom(%v): %v", good, err)
	}

	bad := [][]int64{
		nil,
		{32, 16},
		{0, 16, 1, 1, 1},
		{32, -1, 1, 1, 1},
		{32, 16, 2, 1, 1},
	}
	for _, shape := range bad {
		if _, err := tileShapeFrom(shape); err == nil {
			t.Errorf("tileShapeFrom(%v) accepted a malformed grid", shape)
		}
	}
}
