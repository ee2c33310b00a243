// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SniffLen is how many leading bytes of a file Select hands to each
// backend's Sniff. Large enough for classic and BigTIFF headers with
// room to spare.
const SniffLen = 16

// Registry holds the available backends and picks one per file. A
// registry is assembled once at engine construction and read-only
// afterward; the choice made at open time is pinned to the handle for
// its whole lifetime.
type Registry struct {
	backends []Backend
	byName   map[string]Backend
	byExt    map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Backend),
		byExt:  make(map[string]Backend),
	}
}

// Register adds a backend. Names and extensions must be unique across
// the registry; a clash means the engine was configured twice with the
// same format and is refused outright.
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if name == "" {
		return errors.New("backend: backend has no name")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("backend: duplicate backend name %q", name)
	}
	for _, ext := range b.Extensions() {
		ext = strings.ToLower(ext)
		if prev, ok := r.byExt[ext]; ok {
			return fmt.Errorf("backend: extension %q claimed by both %q and %q", ext, prev.Name(), name)
		}
	}
	r.byName[name] = b
	for _, ext := range b.Extensions() {
		r.byExt[strings.ToLower(ext)] = b
	}
	r.backends = append(r.backends, b)
	return nil
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, error) {
	b, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("backend: no backend named %q", name)
	}
	return b, nil
}

// Select picks the backend for reading path. An explicit non-empty
// override wins unconditionally; otherwise the file extension decides,
// and if no backend claims the extension the file's leading bytes are
// sniffed in registration order. A file nobody claims is a
// FormatError.
func (r *Registry) Select(path, override string) (Backend, error) {
	if override != "" {
		return r.Lookup(override)
	}
	if b, ok := r.matchExt(path); ok {
		return b, nil
	}
	header, err := readHeader(path)
	if err != nil {
		return nil, &IOError{Op: "sniff", Path: path, Err: err}
	}
	for _, b := range r.backends {
		if b.Sniff(header) {
			return b, nil
		}
	}
	return nil, &FormatError{Path: path, Reason: "unrecognized format"}
}

// SelectCreate picks the backend for creating path. The file does not
// exist yet, so only the override and the extension participate.
func (r *Registry) SelectCreate(path, override string) (Backend, error) {
	if override != "" {
		return r.Lookup(override)
	}
	if b, ok := r.matchExt(path); ok {
		return b, nil
	}
	return nil, &FormatError{Path: path, Reason: "no backend claims this extension for writing"}
}

// matchExt tries every dotted suffix of the file name longest-first,
// so a compound registration like ".ome.tiff" beats the plain ".tiff"
// and an unregistered compound still falls through to the plain form.
func (r *Registry) matchExt(path string) (Backend, bool) {
	base := strings.ToLower(filepath.Base(path))
	for i := strings.Index(base, "."); i >= 0; {
		if b, ok := r.byExt[base[i:]]; ok {
			return b, true
		}
		next := strings.Index(base[i+1:], ".")
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return nil, false
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header := make([]byte, SniffLen)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return header[:n], nil
}
