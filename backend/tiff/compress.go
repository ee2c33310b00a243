// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// encodePixels renders one tile's pixel bytes as they are stored in
// the file under the given compression tag.
func encodePixels(pixels []byte, compression uint16) ([]byte, error) {
	switch compression {
	case compressionNone:
		return pixels, nil
	case compressionDeflate:
		var buffer bytes.Buffer
		writer := zlib.NewWriter(&buffer)
		if _, err := writer.Write(pixels); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

// decodePixels reverses encodePixels and enforces the decoded length.
// A tile that inflates to the wrong size is structural corruption,
// not something to pad over.
func decodePixels(stored []byte, compression uint16, expected int) ([]byte, error) {
	switch compression {
	case compressionNone:
		if len(stored) != expected {
			return nil, fmt.Errorf("tile holds %d bytes, want %d", len(stored), expected)
		}
		return stored, nil
	case compressionDeflate:
		reader, err := zlib.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		defer reader.Close()
		pixels := make([]byte, expected)
		if _, err := io.ReadFull(reader, pixels); err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		// Anything left over means the stored tile was bigger than
		// the geometry allows.
		var trailer [1]byte
		if n, _ := reader.Read(trailer[:]); n != 0 {
			return nil, fmt.Errorf("tile inflates past %d bytes", expected)
		}
		return pixels, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}
