// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tiff

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves disk for the projected file size so a full
// filesystem fails the create early instead of the final flush. Best
// effort: filesystems without fallocate just take the writes as they
// come.
func preallocate(f *os.File, size int64) {
	if size <= 0 {
		return
	}
	_ = unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
}
