// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for bfio binaries.
type Config struct {
	// Engine tunes how images are opened and created.
	Engine EngineConfig `yaml:"engine"`

	// Bridge declares the external decoder bridge, if any.
	Bridge BridgeConfig `yaml:"bridge"`

	// Catalog configures the collection catalog used by scan.
	Catalog CatalogConfig `yaml:"catalog"`
}

// EngineConfig tunes per-image I/O.
type EngineConfig struct {
	// Workers is the backend I/O pool size per open image: how many
	// tile reads or writes run at once. Zero means the CPU count,
	// capped at 8.
	Workers int `yaml:"workers"`

	// CacheBytes bounds the pixel bytes staged in memory per open
	// image. Default: 268435456 (256 MiB).
	CacheBytes int64 `yaml:"cache_bytes"`

	// SupertileWidth and SupertileLength shape the staging chunks.
	// Default: 1024.
	SupertileWidth  int64 `yaml:"supertile_width"`
	SupertileLength int64 `yaml:"supertile_length"`

	// TileWidth and TileLength set the tile grid for newly created
	// files. Must be positive multiples of 16. Default: 1024.
	TileWidth  int64 `yaml:"tile_width"`
	TileLength int64 `yaml:"tile_length"`

	// Backend forces a backend by registry name for every open and
	// create, skipping extension matching and content sniffing.
	// Empty means automatic selection.
	Backend string `yaml:"backend"`
}

// BridgeConfig declares the external decoder bridge. An empty Command
// disables the bridge entirely.
type BridgeConfig struct {
	// Command launches the bridge process. The socket path it must
	// serve on is appended as the final argument.
	Command []string `yaml:"command"`

	// Extensions lists the file extensions routed to the bridge,
	// with leading dots (".czi", ".nd2").
	Extensions []string `yaml:"extensions"`

	// SocketDir is the directory bridge sockets are created in.
	// Empty means the system temp directory.
	SocketDir string `yaml:"socket_dir"`

	// StartTimeout bounds the wait for the bridge to accept
	// connections after launch, as a duration string ("45s").
	// Empty uses the bridge default.
	StartTimeout string `yaml:"start_timeout"`

	// ShutdownGrace is how long a stopping bridge may exit
	// voluntarily before being signalled, as a duration string.
	// Empty uses the bridge default.
	ShutdownGrace string `yaml:"shutdown_grace"`

	// CompressThreshold is the tile payload size in bytes at which
	// pixels are compressed on the wire. Zero uses the protocol
	// default.
	CompressThreshold int `yaml:"compress_threshold"`
}

// Enabled reports whether a bridge is configured.
func (b *BridgeConfig) Enabled() bool {
	return len(b.Command) > 0
}

// StartTimeoutDuration returns the parsed start timeout, zero when
// unset. Validate reports unparseable values; this reads them as zero.
func (b *BridgeConfig) StartTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(b.StartTimeout)
	return d
}

// ShutdownGraceDuration returns the parsed shutdown grace, zero when
// unset.
func (b *BridgeConfig) ShutdownGraceDuration() time.Duration {
	d, _ := time.ParseDuration(b.ShutdownGrace)
	return d
}

// CatalogConfig configures the collection catalog.
type CatalogConfig struct {
	// Path is the SQLite database file the catalog lives in.
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given. The
// values match what the engine applies for zero Options, so a
// configless run and a zero config behave identically.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Engine: EngineConfig{
			CacheBytes:      256 << 20,
			SupertileWidth:  1024,
			SupertileLength: 1024,
			TileWidth:       1024,
			TileLength:      1024,
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(homeDir, ".cache", "bfio", "catalog.db"),
		},
	}
}

// Load loads configuration from the file named by BFIO_CONFIG.
//
// This is the only way to load configuration without an explicit
// path. If BFIO_CONFIG is not set, Load fails; callers that can run
// configless use Default instead.
func Load() (*Config, error) {
	configPath := os.Getenv("BFIO_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BFIO_CONFIG environment variable not set; " +
			"set it to the path of your bfio.yaml config file, or use --config")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// Default. The file is the single source of truth: environment
// variables do not override config values. The only expansion
// performed is ${VAR} and ${VAR:-default} in path-like fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands variable patterns in the fields that name
// files or carry command lines.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	for i, arg := range c.Bridge.Command {
		c.Bridge.Command[i] = expandVars(arg, vars)
	}
	c.Bridge.SocketDir = expandVars(c.Bridge.SocketDir, vars)
	c.Catalog.Path = expandVars(c.Catalog.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers))
	}
	if c.Engine.CacheBytes < 0 {
		errs = append(errs, fmt.Errorf("engine.cache_bytes must not be negative, got %d", c.Engine.CacheBytes))
	}
	if c.Engine.SupertileWidth < 0 {
		errs = append(errs, fmt.Errorf("engine.supertile_width must not be negative, got %d", c.Engine.SupertileWidth))
	}
	if c.Engine.SupertileLength < 0 {
		errs = append(errs, fmt.Errorf("engine.supertile_length must not be negative, got %d", c.Engine.SupertileLength))
	}
	if w := c.Engine.TileWidth; w < 0 || w%16 != 0 {
		errs = append(errs, fmt.Errorf("engine.tile_width must be a multiple of 16, got %d", w))
	}
	if l := c.Engine.TileLength; l < 0 || l%16 != 0 {
		errs = append(errs, fmt.Errorf("engine.tile_length must be a multiple of 16, got %d", l))
	}

	if c.Bridge.Enabled() {
		if len(c.Bridge.Extensions) == 0 {
			errs = append(errs, fmt.Errorf("bridge.extensions is required when bridge.command is set"))
		}
		for _, ext := range c.Bridge.Extensions {
			if ext == "" || ext[0] != '.' {
				errs = append(errs, fmt.Errorf("bridge extension %q must start with a dot", ext))
			}
		}
		if c.Bridge.StartTimeout != "" {
			if _, err := time.ParseDuration(c.Bridge.StartTimeout); err != nil {
				errs = append(errs, fmt.Errorf("bridge.start_timeout: %w", err))
			}
		}
		if c.Bridge.ShutdownGrace != "" {
			if _, err := time.ParseDuration(c.Bridge.ShutdownGrace); err != nil {
				errs = append(errs, fmt.Errorf("bridge.shutdown_grace: %w", err))
			}
		}
		if c.Bridge.CompressThreshold < 0 {
			errs = append(errs, fmt.Errorf("bridge.compress_threshold must not be negative, got %d", c.Bridge.CompressThreshold))
		}
	} else if len(c.Bridge.Extensions) > 0 {
		errs = append(errs, fmt.Errorf("bridge.extensions set without bridge.command"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
