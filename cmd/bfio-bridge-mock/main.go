// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

// Bfio-bridge-mock stands in for an external format bridge in
// development and integration tests. It speaks the full bridge
// protocol on the Unix socket the engine hands it, so the engine's
// process manager, connection pool, and error mapping are exercised
// end to end without a JVM on the machine.
//
// The binary has two modes:
//
//   - By default every open and create passes through the engine's
//     own native adapter, so any path the bridge claims is decoded
//     and encoded as a real tiled file on disk. Pointing the engine's
//     bridge configuration at this binary with a made-up extension
//     gives a second, out-of-process route to the same format.
//
//   - With --synthetic, opens serve a deterministic pattern image
//     whose geometry comes from flags. Pixel values are a fixed
//     function of the global sample coordinate, so reads reproduce
//     exactly across any tile layout. Created images are staged in
//     memory and last only as long as their handle.
//
// The engine appends the socket path as the final argument when it
// launches the bridge command; everything before it is free for the
// flags below.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bfio-bridge-mock: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion   = pflag.Bool("version", false, "print version information and exit")
		verbose       = pflag.BoolP("verbose", "v", false, "log every request at debug level")
		synthetic     = pflag.Bool("synthetic", false, "serve a generated pattern image instead of real files")
		formats       = pflag.StringSlice("formats", []string{".fake"}, "extensions advertised in the hello response")
		maxConcurrent = pflag.Int("max-concurrent", bridgewire.DefaultMaxConcurrent, "requests serviced at once")
		tileWidth     = pflag.Int64("tile-width", 256, "native tile width")
		tileLength    = pflag.Int64("tile-length", 256, "native tile length")
		width         = pflag.Int64("width", 512, "synthetic image width")
		height        = pflag.Int64("height", 512, "synthetic image height")
		depth         = pflag.Int64("depth", 1, "synthetic image Z extent")
		channels      = pflag.Int64("channels", 1, "synthetic image channel count")
		timepoints    = pflag.Int64("timepoints", 1, "synthetic image T extent")
		pixel         = pflag.String("pixel", "uint8", "synthetic image pixel type")
	)
	pflag.Parse()

	if *showVersion {
		version.Print("bfio-bridge-mock")
		return nil
	}
	if pflag.NArg() != 1 {
		return errors.New("usage: bfio-bridge-mock [flags] <socket-path>")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var handler bridgewire.Handler
	if *synthetic {
		meta := &bridgewire.Metadata{
			Shape:     []int64{*width, *height, *depth, *channels, *timepoints},
			PixelType: *pixel,
		}
		h, err := newPatternHandler(meta, []int64{*tileWidth, *tileLength, 1, 1, 1}, logger)
		if err != nil {
			return err
		}
		handler = h
	} else {
		adapter, err := tiff.New(tiff.Config{
			TileWidth:  *tileWidth,
			TileLength: *tileLength,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		handler = newFileHandler(adapter, logger)
	}

	server, err := bridgewire.NewServer(bridgewire.ServerConfig{
		SocketPath:    pflag.Arg(0),
		MaxConcurrent: *maxConcurrent,
		Formats:       *formats,
		Logger:        logger,
	}, handler)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx)
}
