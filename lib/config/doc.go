// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for bfio
// binaries.
//
// Configuration is loaded from a single file specified by either the
// BFIO_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search; a run without a config file uses
// [Default]. This keeps configuration deterministic and auditable
// with no hidden overrides.
//
// Variable expansion is performed on path-like fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- engine tuning, bridge declarations, catalog location
//   - [Default] -- a Config ready for use without any file
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other bfio packages.
package config
