// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend/tiff"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

func convertCommand() *command {
	var global globalFlags
	var metadataPath string
	var compressionName string
	var tileWidth, tileLength int64
	var bigTIFF bool
	c := &command{
		name:    "convert",
		summary: "Rewrite an image as tiled OME-TIFF",
		usage:   "bfio convert [flags] <source> <dest>",
	}
	c.flags = func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("convert", pflag.ContinueOnError)
		global.register(flagSet)
		flagSet.StringVar(&metadataPath, "metadata", "", "JSONC file with channel name and spacing overrides")
		flagSet.StringVar(&compressionName, "compression", "deflate", "tile compression: deflate or none")
		flagSet.Int64Var(&tileWidth, "tile-width", 0, "output tile width (default from config)")
		flagSet.Int64Var(&tileLength, "tile-length", 0, "output tile length (default from config)")
		flagSet.BoolVar(&bigTIFF, "bigtiff", false, "force the BigTIFF layout even for small images")
		return flagSet
	}
	c.run = func(args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("expected source and destination paths\n\nusage: %s", c.usage)
		}
		source, dest := args[0], args[1]
		cfg, logger, err := global.setup()
		if err != nil {
			return err
		}
		compression, err := parseCompression(compressionName)
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()

		reader, err := bfio.Open(ctx, source, engineOptions(cfg, logger))
		if err != nil {
			return err
		}
		defer reader.Close()

		meta := reader.Metadata().Clone()
		if metadataPath != "" {
			if err := applyOverrides(meta, metadataPath); err != nil {
				return err
			}
		}

		options := engineOptions(cfg, logger)
		options.Backend = "tiff" // convert always produces the native format
		options.Compression = compression
		options.ForceBigTIFF = bigTIFF
		if tileWidth > 0 {
			options.TileWidth = tileWidth
		}
		if tileLength > 0 {
			options.TileLength = tileLength
		}

		writer, err := bfio.Create(ctx, dest, meta, options)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			// A source read error or an interrupt must not publish a
			// half-copied image.
			if !committed {
				writer.Abort()
			}
		}()

		var progress func(done, total int)
		if stderrIsTerminal() {
			progress = func(done, total int) {
				fmt.Fprintf(os.Stderr, "\r%d/%d supertiles", done, total)
				if done == total {
					fmt.Fprintln(os.Stderr)
				}
			}
		}
		copied, chunks, err := copyPixels(ctx, reader, writer, progress)
		if err != nil {
			return err
		}
		if err := writer.Close(ctx); err != nil {
			return err
		}
		committed = true

		fmt.Printf("%s: %s pixel data in %d supertiles\n", dest, formatBytes(copied), chunks)
		return nil
	}
	return c
}

// copyPixels streams every pixel from src to dst in supertile-sized
// regions clipped at the image edge, so each write covers whole
// chunks and never triggers a read-back. Returns the pixel bytes and
// region count copied.
func copyPixels(ctx context.Context, src *bfio.Reader, dst *bfio.Writer, progress func(done, total int)) (int64, int, error) {
	meta := dst.Metadata()
	regions := tile.Covering(meta.Bounds(), dst.ChunkShape())
	var copied int64
	for i, raw := range regions {
		region, err := raw.Clip(meta.Shape)
		if err != nil {
			return copied, i, err
		}
		data, err := src.ReadRegion(ctx, region.Origin, region.Shape)
		if err != nil {
			return copied, i, fmt.Errorf("reading %v: %w", region, err)
		}
		if err := dst.WriteRegion(ctx, region.Origin, region.Shape, data); err != nil {
			return copied, i, fmt.Errorf("writing %v: %w", region, err)
		}
		copied += int64(len(data))
		if progress != nil {
			progress(i+1, len(regions))
		}
	}
	return copied, len(regions), nil
}

// metadataOverride is the --metadata file: JSON with comments and
// trailing commas, carrying the fields a conversion may rewrite.
// Shape and pixel type always come from the source.
type metadataOverride struct {
	Channels []string                   `json:"channels"`
	Spacing  map[string]metadataSpacing `json:"spacing"`
}

type metadataSpacing struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// applyOverrides merges the override file into the record. Spacing
// keys are axis names (x, y, z); channel names replace the source's
// wholesale.
func applyOverrides(meta *metadata.Metadata, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var override metadataOverride
	if err := json.Unmarshal(jsonc.ToJSON(data), &override); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if override.Channels != nil {
		meta.Channels = override.Channels
	}
	for name, spacing := range override.Spacing {
		axis, ok := axisByName(name)
		if !ok {
			return fmt.Errorf("%s: unknown spacing axis %q", path, name)
		}
		meta.Spacing[axis] = metadata.Spacing{Value: spacing.Value, Unit: spacing.Unit}
	}
	return nil
}

func axisByName(name string) (tile.Axis, bool) {
	switch strings.ToLower(name) {
	case "x":
		return tile.AxisX, true
	case "y":
		return tile.AxisY, true
	case "z":
		return tile.AxisZ, true
	case "c":
		return tile.AxisC, true
	case "t":
		return tile.AxisT, true
	}
	return 0, false
}

func parseCompression(name string) (tiff.Compression, error) {
	switch name {
	case "deflate":
		return tiff.CompressionDeflate, nil
	case "none":
		return tiff.CompressionNone, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want deflate or none)", name)
}
