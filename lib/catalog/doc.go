// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog stores collection metadata for scanned images in a
// local SQLite database: one row per image path with its file size,
// modification time, pixel geometry, and optional content
// fingerprint. The scan command fills it; listing queries read it.
//
// The store is single-process. Connections run in WAL mode so
// concurrent scans and listings do not block each other.
package catalog
