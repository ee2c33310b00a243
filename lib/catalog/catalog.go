// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// ErrNotFound reports a lookup for a path the catalog has no row for.
var ErrNotFound = errors.New("catalog: image not found")

// Entry is one cataloged image.
type Entry struct {
	// Path is the absolute image path, the primary key.
	Path string

	// Size and ModTime are the file's stat at scan time; a scan
	// skips re-reading images whose stat is unchanged.
	Size    int64
	ModTime time.Time

	// Backend names the adapter that read the image.
	Backend string

	// Shape and Pixel are the image geometry.
	Shape tile.Coords
	Pixel metadata.PixelType

	// Fingerprint is an optional BLAKE3 hex digest of the pixel
	// data. Empty when the scan did not hash.
	Fingerprint string

	// ScannedAt is when this row was last written.
	ScannedAt time.Time
}

// Config holds the parameters for opening a catalog store. Path is
// required; all other fields have defaults.
type Config struct {
	// Path is the SQLite database file. The parent directory is
	// created if missing.
	Path string

	// PoolSize is the number of connections. Zero or negative means
	// max(NumCPU, 4).
	PoolSize int

	// Logger receives operational messages. Nil means silent.
	Logger *slog.Logger
}

// Store is a catalog database. Safe for concurrent use; every call
// borrows a pooled connection.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schema = `
	CREATE TABLE IF NOT EXISTS images (
		path        TEXT PRIMARY KEY,
		size        INTEGER NOT NULL,
		mtime       INTEGER NOT NULL,
		backend     TEXT NOT NULL,
		size_x      INTEGER NOT NULL,
		size_y      INTEGER NOT NULL,
		size_z      INTEGER NOT NULL,
		size_c      INTEGER NOT NULL,
		size_t      INTEGER NOT NULL,
		pixel_type  TEXT NOT NULL,
		fingerprint TEXT,
		scanned_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_pixel ON images(pixel_type);
`

// OpenStore opens (creating if necessary) the catalog at cfg.Path and
// ensures the schema exists. The caller must Close the store.
func OpenStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: creating %s: %w", filepath.Dir(cfg.Path), err)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: logger, path: cfg.Path}
	if err := s.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("catalog opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

// prepareConnection applies the standard pragmas once per pooled
// connection: WAL for concurrent readers, relaxed sync (the catalog
// is rebuildable by rescanning), and a busy timeout so writers queue
// instead of failing.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("catalog: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("catalog: creating schema: %w", err)
	}
	return nil
}

// Close closes the store. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("catalog: closing %s: %w", s.path, err)
	}
	s.logger.Info("catalog closed", "path", s.path)
	return nil
}

// Upsert writes the entry, replacing any existing row for its path.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: take: %w", err)
	}
	defer s.pool.Put(conn)

	var fingerprint any
	if e.Fingerprint != "" {
		fingerprint = e.Fingerprint
	}

	err = sqlitex.Execute(conn, `INSERT INTO images
		(path, size, mtime, backend, size_x, size_y, size_z, size_c, size_t,
		 pixel_type, fingerprint, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime = excluded.mtime,
			backend = excluded.backend,
			size_x = excluded.size_x,
			size_y = excluded.size_y,
			size_z = excluded.size_z,
			size_c = excluded.size_c,
			size_t = excluded.size_t,
			pixel_type = excluded.pixel_type,
			fingerprint = excluded.fingerprint,
			scanned_at = excluded.scanned_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				e.Path,
				e.Size,
				e.ModTime.UnixNano(),
				e.Backend,
				e.Shape[tile.AxisX],
				e.Shape[tile.AxisY],
				e.Shape[tile.AxisZ],
				e.Shape[tile.AxisC],
				e.Shape[tile.AxisT],
				e.Pixel.String(),
				fingerprint,
				e.ScannedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", e.Path, err)
	}
	return nil
}

// Lookup returns the entry for path, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, path string) (Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: take: %w", err)
	}
	defer s.pool.Put(conn)

	var entry Entry
	found := false
	err = sqlitex.Execute(conn,
		selectColumns+" FROM images WHERE path = ?",
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entry = e
				found = true
				return nil
			},
		})
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: lookup %s: %w", path, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return entry, nil
}

// List returns every entry ordered by path.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: take: %w", err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		selectColumns+" FROM images ORDER BY path",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, nil
}

// Remove deletes the row for path. Removing an uncataloged path is
// not an error.
func (s *Store) Remove(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM images WHERE path = ?",
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return fmt.Errorf("catalog: remove %s: %w", path, err)
	}
	return nil
}

const selectColumns = `SELECT path, size, mtime, backend,
	size_x, size_y, size_z, size_c, size_t,
	pixel_type, fingerprint, scanned_at`

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	pixel, err := metadata.ParsePixelType(stmt.ColumnText(9))
	if err != nil {
		return Entry{}, fmt.Errorf("row %s: %w", stmt.ColumnText(0), err)
	}
	return Entry{
		Path:    stmt.ColumnText(0),
		Size:    stmt.ColumnInt64(1),
		ModTime: time.Unix(0, stmt.ColumnInt64(2)),
		Backend: stmt.ColumnText(3),
		Shape: tile.Coords{
			stmt.ColumnInt64(4),
			stmt.ColumnInt64(5),
			stmt.ColumnInt64(6),
			stmt.ColumnInt64(7),
			stmt.ColumnInt64(8),
		},
		Pixel:       pixel,
		Fingerprint: stmt.ColumnText(10),
		ScannedAt:   time.Unix(0, stmt.ColumnInt64(11)),
	}, nil
}
