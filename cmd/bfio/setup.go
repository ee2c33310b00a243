// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend/bridge"
	"github.com/bfio-dev/bfio/lib/config"
)

// globalFlags are registered on every subcommand: config selection
// and log verbosity.
type globalFlags struct {
	configPath string
	verbose    bool
}

func (g *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "config file (default $BFIO_CONFIG, else built-in defaults)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
}

// setup loads the configuration named by --config, $BFIO_CONFIG, or
// the built-in defaults, validates it, builds the command logger, and
// registers a configured bridge backend so bridged formats resolve
// like native ones.
func (g *globalFlags) setup() (*config.Config, *slog.Logger, error) {
	logger := newLogger(g.verbose)

	var cfg *config.Config
	var err error
	switch {
	case g.configPath != "":
		cfg, err = config.LoadFile(g.configPath)
	case os.Getenv("BFIO_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if cfg.Bridge.Enabled() {
		bridged, err := bridge.New(bridge.Config{
			Command:           cfg.Bridge.Command,
			Extensions:        cfg.Bridge.Extensions,
			SocketDir:         cfg.Bridge.SocketDir,
			StartTimeout:      cfg.Bridge.StartTimeoutDuration(),
			ShutdownGrace:     cfg.Bridge.ShutdownGraceDuration(),
			CompressThreshold: cfg.Bridge.CompressThreshold,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configuring bridge: %w", err)
		}
		if err := bfio.Register(bridged); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}

// engineOptions maps the engine section of the config onto the
// options every Open and Create call takes.
func engineOptions(cfg *config.Config, logger *slog.Logger) bfio.Options {
	return bfio.Options{
		Backend:         cfg.Engine.Backend,
		Workers:         cfg.Engine.Workers,
		CacheBytes:      cfg.Engine.CacheBytes,
		SupertileWidth:  cfg.Engine.SupertileWidth,
		SupertileLength: cfg.Engine.SupertileLength,
		TileWidth:       cfg.Engine.TileWidth,
		TileLength:      cfg.Engine.TileLength,
		Logger:          logger,
	}
}

// commandContext returns a context canceled by SIGINT or SIGTERM, so
// interrupted reads and writes unwind instead of leaving half-staged
// state behind.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newLogger builds the command logger: text on a terminal, JSON when
// stderr is piped (scripts, CI). --verbose drops the level to debug,
// which includes the engine's per-chunk records.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if stderrIsTerminal() {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// stderrIsTerminal gates interactive output: progress lines only make
// sense on a real terminal.
func stderrIsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
