// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bfio-dev/bfio"
	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/lib/catalog"
)

func scanCommand() *command {
	var global globalFlags
	var withHash bool
	var rescan bool
	c := &command{
		name:    "scan",
		summary: "Catalog a collection directory",
		usage:   "bfio scan [flags] <directory>",
	}
	c.flags = func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("scan", pflag.ContinueOnError)
		global.register(flagSet)
		flagSet.BoolVar(&withHash, "hash", false, "fingerprint pixel data (reads every image in full)")
		flagSet.BoolVar(&rescan, "rescan", false, "re-read images whose size and mtime are unchanged")
		return flagSet
	}
	c.run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one directory\n\nusage: %s", c.usage)
		}
		cfg, logger, err := global.setup()
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()

		store, err := catalog.OpenStore(catalog.Config{Path: cfg.Catalog.Path, Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()

		s := &scanner{
			store:    store,
			options:  engineOptions(cfg, logger),
			logger:   logger,
			hash:     withHash,
			rescan:   rescan,
			bandRows: bandRows(cfg),
		}
		if err := s.walk(ctx, args[0]); err != nil {
			return err
		}

		entries, err := store.List(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d cataloged, %d unchanged, %d skipped; catalog holds %d images\n",
			s.cataloged, s.unchanged, s.skipped, len(entries))
		if s.failed > 0 {
			return fmt.Errorf("%d images failed to read", s.failed)
		}
		return nil
	}
	return c
}

// scanner walks one directory tree into the catalog.
type scanner struct {
	store    *catalog.Store
	options  bfio.Options
	logger   *slog.Logger
	hash     bool
	rescan   bool
	bandRows int64

	cataloged int
	unchanged int
	skipped   int
	failed    int
}

func (s *scanner) walk(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		s.scanFile(ctx, path)
		return nil
	})
}

// scanFile catalogs one file. Files no backend claims are skipped;
// claimed files that fail to read are counted and reported at the
// end, without stopping the walk.
func (s *scanner) scanFile(ctx context.Context, path string) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		s.logger.Warn("resolving path", "path", path, "error", err)
		s.failed++
		return
	}
	info, err := os.Stat(absolute)
	if err != nil {
		s.logger.Warn("stat", "path", path, "error", err)
		s.failed++
		return
	}

	previous, err := s.store.Lookup(ctx, absolute)
	known := err == nil
	unchanged := known && previous.Size == info.Size() && previous.ModTime.Equal(info.ModTime())
	if unchanged && !s.rescan && (!s.hash || previous.Fingerprint != "") {
		s.unchanged++
		return
	}

	reader, err := bfio.Open(ctx, absolute, s.options)
	if err != nil {
		if backend.IsFormatError(err) {
			// Not an image, or not a format any backend claims.
			s.skipped++
			return
		}
		s.logger.Warn("unreadable image", "path", path, "error", err)
		s.failed++
		return
	}
	defer reader.Close()

	entry := catalog.Entry{
		Path:      absolute,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Backend:   reader.Backend(),
		Shape:     reader.Metadata().Shape,
		Pixel:     reader.Metadata().Pixel,
		ScannedAt: time.Now(),
	}
	switch {
	case s.hash:
		digest, err := fingerprint(ctx, reader, s.bandRows)
		if err != nil {
			s.logger.Warn("fingerprinting", "path", path, "error", err)
			s.failed++
			return
		}
		entry.Fingerprint = digest
	case unchanged:
		// The pixels have not changed; the stored fingerprint is
		// still good.
		entry.Fingerprint = previous.Fingerprint
	}

	if err := s.store.Upsert(ctx, entry); err != nil {
		s.logger.Warn("catalog upsert", "path", path, "error", err)
		s.failed++
		return
	}
	s.cataloged++
	fmt.Printf("%s: %s %s\n", path, formatShape(entry.Shape), entry.Pixel)
}
