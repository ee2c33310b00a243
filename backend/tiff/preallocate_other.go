// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package tiff

import "os"

func preallocate(*os.File, int64) {}
