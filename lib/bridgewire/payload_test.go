// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridgewire_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/lib/codec"
	"github.com/bfio-dev/bfio/lib/testutil"
)

func TestPackSmallPayloadShipsRaw(t *testing.T) {
	pixels := testutil.DeterministicBytes(1, 1024)

	payload := bridgewire.Pack(pixels, 0)

	if payload.Compression != bridgewire.CompressionNone {
		t.Errorf("compression = %q, want none below the threshold", payload.Compression)
	}
	if !bytes.Equal(payload.Data, pixels) {
		t.Error("raw payload data does not match the input")
	}
	unpacked, err := payload.Unpack()
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(unpacked, pixels) {
		t.Error("unpacked bytes do not match the input")
	}
}

func TestPackCompressesAboveThreshold(t *testing.T) {
	// A dark microscopy plane: mostly zeros with sparse signal.
	pixels := make([]byte, 256*1024)
	for i := 0; i < len(pixels); i += 997 {
		pixels[i] = byte(i)
	}

	payload := bridgewire.Pack(pixels, 4096)

	if payload.Compression != bridgewire.CompressionLZ4 {
		t.Fatalf("compression = %q, want %q", payload.Compression, bridgewire.CompressionLZ4)
	}
	if len(payload.Data) >= len(pixels) {
		t.Errorf("compressed payload is %d bytes for %d input bytes", len(payload.Data), len(pixels))
	}
	if payload.RawSize != int64(len(pixels)) {
		t.Errorf("raw size = %d, want %d", payload.RawSize, len(pixels))
	}
	unpacked, err := payload.Unpack()
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(unpacked, pixels) {
		t.Error("unpacked bytes do not match the input")
	}
}

func TestPackIncompressibleShipsRaw(t *testing.T) {
	// High-entropy input: LZ4 cannot shrink it, so it must ship raw
	// even above the threshold.
	pixels := testutil.DeterministicBytes(7, 256*1024)

	payload := bridgewire.Pack(pixels, 4096)

	if payload.Compression != bridgewire.CompressionNone {
		t.Errorf("compression = %q, want none for incompressible input", payload.Compression)
	}
	unpacked, err := payload.Unpack()
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(unpacked, pixels) {
		t.Error("unpacked bytes do not match the input")
	}
}

func TestUnpackDetectsRawCorruption(t *testing.T) {
	payload := bridgewire.Pack(testutil.DeterministicBytes(3, 2048), 0)
	payload.Data[100] ^= 0xFF

	if _, err := payload.Unpack(); err == nil {
		t.Fatal("Unpack accepted corrupted raw payload")
	}
}

func TestUnpackDetectsCompressedCorruption(t *testing.T) {
	payload := bridgewire.Pack(make([]byte, 128*1024), 4096)
	if payload.Compression != bridgewire.CompressionLZ4 {
		t.Fatalf("expected a compressed payload, got %q", payload.Compression)
	}
	payload.Data[len(payload.Data)/2] ^= 0xFF

	// Depending on where the flip lands, either the LZ4 decode or the
	// checksum catches it. Both must refuse the bytes.
	if _, err := payload.Unpack(); err == nil {
		t.Fatal("Unpack accepted corrupted compressed payload")
	}
}

func TestUnpackRejectsUnknownCompression(t *testing.T) {
	payload := bridgewire.Pack([]byte{1, 2, 3}, 0)
	payload.Compression = "zstd"

	_, err := payload.Unpack()
	if err == nil {
		t.Fatal("Unpack accepted an unknown compression name")
	}
	if !strings.Contains(err.Error(), "zstd") {
		t.Errorf("error %q does not name the unknown algorithm", err)
	}
}

func TestUnpackRejectsTruncatedChecksum(t *testing.T) {
	payload := bridgewire.Pack([]byte{1, 2, 3}, 0)
	payload.Checksum = payload.Checksum[:16]

	if _, err := payload.Unpack(); err == nil {
		t.Fatal("Unpack accepted a truncated checksum")
	}
}

func TestPayloadSurvivesWireEncoding(t *testing.T) {
	pixels := testutil.DeterministicBytes(11, 64*1024)
	original := bridgewire.Pack(pixels, 4096)

	encoded, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded bridgewire.Payload
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	unpacked, err := decoded.Unpack()
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(unpacked, pixels) {
		t.Error("payload did not survive the wire encoding")
	}
}
