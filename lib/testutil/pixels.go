// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

// DeterministicBytes returns n bytes generated from seed with a
// splitmix-style generator. The same seed always produces the same
// sequence, and nearby seeds produce unrelated sequences, so
// round-trip tests can fill distinct planes and tiles with
// distinguishable data.
func DeterministicBytes(seed uint64, n int) []byte {
	out := make([]byte, n)
	state := seed ^ 0x9E3779B97F4A7C15
	for i := range out {
		state = state*6364136223846793005 + 1442695040888963407
		out[i] = byte(state >> 56)
	}
	return out
}

// Rect2D copies the w×h pixel rectangle at (x, y) out of a row-major
// buffer holding a width-wide image with elementSize bytes per pixel.
// It is a deliberately naive reference for assembly tests: any region
// read through the engine must equal the bytes this produces from the
// same source buffer.
func Rect2D(full []byte, width, elementSize, x, y, w, h int) []byte {
	out := make([]byte, w*h*elementSize)
	for row := 0; row < h; row++ {
		sourceStart := ((y+row)*width + x) * elementSize
		destinationStart := row * w * elementSize
		copy(out[destinationStart:destinationStart+w*elementSize],
			full[sourceStart:sourceStart+w*elementSize])
	}
	return out
}
