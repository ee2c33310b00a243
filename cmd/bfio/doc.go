// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Bfio is the command-line companion to the bfio engine. It inspects
// image metadata and pixel fingerprints (info), rewrites images from
// any registered backend into tiled OME-TIFF (convert), and walks
// collection directories into the SQLite catalog (scan). A bridge
// backend configured in the YAML config (BFIO_CONFIG or --config) is
// registered before any command runs, so bridged formats work
// everywhere a path is accepted.
package main
