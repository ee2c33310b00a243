// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/tile"
)

func infoCommand() *command {
	var global globalFlags
	var withHash bool
	var asJSON bool
	c := &command{
		name:    "info",
		summary: "Print image metadata",
		usage:   "bfio info [flags] <image>",
	}
	c.flags = func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
		global.register(flagSet)
		flagSet.BoolVar(&withHash, "hash", false, "fingerprint every plane (reads all pixel data)")
		flagSet.BoolVar(&asJSON, "json", false, "output as JSON instead of a table")
		return flagSet
	}
	c.run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one image path\n\nusage: %s", c.usage)
		}
		cfg, logger, err := global.setup()
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()

		reader, err := bfio.Open(ctx, args[0], engineOptions(cfg, logger))
		if err != nil {
			return err
		}
		defer reader.Close()

		report := buildReport(args[0], reader)
		if withHash {
			planes, err := hashPlanes(ctx, reader, bandRows(cfg))
			if err != nil {
				return err
			}
			report.Planes = planes
		}
		if asJSON {
			return printJSON(report)
		}
		printReport(os.Stdout, report)
		return nil
	}
	return c
}

// infoReport is the info command's output record; the JSON form
// carries exactly the table's content.
type infoReport struct {
	Path       string        `json:"path"`
	Backend    string        `json:"backend"`
	SizeX      int64         `json:"size_x"`
	SizeY      int64         `json:"size_y"`
	SizeZ      int64         `json:"size_z"`
	SizeC      int64         `json:"size_c"`
	SizeT      int64         `json:"size_t"`
	PixelType  string        `json:"pixel_type"`
	ByteOrder  string        `json:"byte_order"`
	TileWidth  int64         `json:"tile_width"`
	TileLength int64         `json:"tile_length"`
	PixelBytes int64         `json:"pixel_bytes"`
	Channels   []string      `json:"channels,omitempty"`
	Spacing    []axisSpacing `json:"spacing,omitempty"`
	Planes     []planeDigest `json:"planes,omitempty"`
}

type axisSpacing struct {
	Axis  string  `json:"axis"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func buildReport(path string, reader *bfio.Reader) *infoReport {
	meta := reader.Metadata()
	tileShape := reader.TileShape()
	report := &infoReport{
		Path:       path,
		Backend:    reader.Backend(),
		SizeX:      meta.Shape[tile.AxisX],
		SizeY:      meta.Shape[tile.AxisY],
		SizeZ:      meta.Shape[tile.AxisZ],
		SizeC:      meta.Shape[tile.AxisC],
		SizeT:      meta.Shape[tile.AxisT],
		PixelType:  meta.Pixel.String(),
		ByteOrder:  meta.Order.String(),
		TileWidth:  tileShape[tile.AxisX],
		TileLength: tileShape[tile.AxisY],
		PixelBytes: meta.Shape.Volume() * int64(meta.Pixel.Size()),
		Channels:   meta.Channels,
	}
	for axis, spacing := range meta.Spacing {
		if spacing.Value > 0 {
			report.Spacing = append(report.Spacing, axisSpacing{
				Axis:  tile.Axis(axis).String(),
				Value: spacing.Value,
				Unit:  spacing.Unit,
			})
		}
	}
	return report
}

func printReport(w io.Writer, report *infoReport) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Path:\t%s\n", report.Path)
	fmt.Fprintf(tw, "Backend:\t%s\n", report.Backend)
	fmt.Fprintf(tw, "Shape:\tX=%d Y=%d Z=%d C=%d T=%d\n",
		report.SizeX, report.SizeY, report.SizeZ, report.SizeC, report.SizeT)
	fmt.Fprintf(tw, "Pixel:\t%s, %s\n", report.PixelType, report.ByteOrder)
	fmt.Fprintf(tw, "Tile:\t%dx%d\n", report.TileWidth, report.TileLength)
	fmt.Fprintf(tw, "Pixel data:\t%s\n", formatBytes(report.PixelBytes))
	if len(report.Channels) > 0 {
		fmt.Fprintf(tw, "Channels:\t%s\n", strings.Join(report.Channels, ", "))
	}
	for _, spacing := range report.Spacing {
		fmt.Fprintf(tw, "Spacing %s:\t%g %s\n", spacing.Axis, spacing.Value, spacing.Unit)
	}
	tw.Flush()
	for _, plane := range report.Planes {
		fmt.Fprintf(w, "plane z=%d c=%d t=%d  blake3:%s\n", plane.Z, plane.C, plane.T, plane.Digest)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatShape renders extents in the XYZCT order shapes are read in
// microscopy tooling.
func formatShape(shape tile.Coords) string {
	return fmt.Sprintf("%dx%dx%dx%dx%d",
		shape[tile.AxisX], shape[tile.AxisY], shape[tile.AxisZ], shape[tile.AxisC], shape[tile.AxisT])
}
