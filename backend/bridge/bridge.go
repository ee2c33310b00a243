// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/lib/clock"
	"github.com/bfio-dev/bfio/metadata"
)

// ErrUnavailable reports that the bridge process could not be reached:
// it failed to start, crashed, refused the handshake, or broke
// protocol mid-call. Errors from this package wrap it with detail, so
// errors.Is(err, ErrUnavailable) identifies the whole family.
var ErrUnavailable = errors.New("bridge: process unavailable")

// Defaults for the corresponding Config fields.
const (
	// DefaultStartTimeout allows for a cold JVM start.
	DefaultStartTimeout = 30 * time.Second

	// DefaultShutdownGrace is the pause between shutdown escalations.
	DefaultShutdownGrace = 5 * time.Second
)

// Config configures a bridge backend.
type Config struct {
	// Command launches the bridge process. The Unix socket path the
	// bridge must serve on is appended as the final argument.
	// Required.
	Command []string

	// Extensions lists the file extensions this bridge claims, with
	// leading dots. Required: the registry routes opens by extension
	// before any bridge process exists, so the claim cannot wait for
	// the handshake. Extensions the running bridge does not advertise
	// are logged, not refused.
	Extensions []string

	// SocketDir is the directory the bridge socket is created in.
	// Defaults to os.TempDir().
	SocketDir string

	// StartTimeout bounds the wait for the bridge socket to accept
	// connections after launch. Defaults to DefaultStartTimeout.
	StartTimeout time.Duration

	// ShutdownGrace is how long to wait for a voluntary exit after
	// the shutdown request, and again after SIGTERM, before
	// escalating. Defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration

	// CompressThreshold is the tile payload size at which pixel bytes
	// are compressed on the wire. Zero uses the protocol default;
	// see bridgewire.DefaultCompressThreshold.
	CompressThreshold int

	// Clock drives startup probing and shutdown escalation. Defaults
	// to the real clock.
	Clock clock.Clock

	// Logger receives process lifecycle events. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// Backend is the bridged format adapter. One Backend manages at most
// one bridge process at a time, shared by all handles it opens.
type Backend struct {
	config  Config
	manager *manager
}

// socketSerial distinguishes socket paths when one engine process
// creates several bridge backends.
var socketSerial atomic.Uint64

// New validates the configuration and creates the backend. The bridge
// process is not launched until the first open or create.
func New(config Config) (*Backend, error) {
	var problems []error
	if len(config.Command) == 0 {
		problems = append(problems, errors.New("bridge: Command is required"))
	}
	if len(config.Extensions) == 0 {
		problems = append(problems, errors.New("bridge: Extensions is required"))
	}
	for _, ext := range config.Extensions {
		if !strings.HasPrefix(ext, ".") {
			problems = append(problems, fmt.Errorf("bridge: extension %q does not start with a dot", ext))
		}
	}
	if config.CompressThreshold < 0 {
		problems = append(problems, fmt.Errorf("bridge: CompressThreshold %d is negative", config.CompressThreshold))
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	extensions := make([]string, len(config.Extensions))
	for i, ext := range config.Extensions {
		extensions[i] = strings.ToLower(ext)
	}
	config.Extensions = extensions
	if config.SocketDir == "" {
		config.SocketDir = os.TempDir()
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultShutdownGrace
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	socket := fmt.Sprintf("bfio-bridge-%d-%d.sock", os.Getpid(), socketSerial.Add(1))
	return &Backend{
		config: config,
		manager: &manager{
			config:     config,
			socketPath: filepath.Join(config.SocketDir, socket),
		},
	}, nil
}

func (b *Backend) Name() string { return "bridge" }

func (b *Backend) Extensions() []string { return b.config.Extensions }

// Sniff always reports false. Recognizing content would need the
// bridge process, and sniffing must never launch one; bridged formats
// are selected by extension or explicit override.
func (b *Backend) Sniff(header []byte) bool { return false }

// SocketPath returns the Unix socket path the bridge process is told
// to serve on. It is fixed when the backend is created, before any
// process runs.
func (b *Backend) SocketPath() string { return b.manager.socketPath }

// Open opens an existing file through the bridge, launching the
// process if this is the first open handle.
func (b *Backend) Open(ctx context.Context, path string) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, &backend.IOError{Op: "open", Path: path, Err: err}
	}

	h, release, err := b.acquireHandle(ctx, path)
	if err != nil {
		return nil, err
	}
	opened := false
	defer func() {
		if !opened {
			release()
		}
	}()

	response, err := h.call(ctx, &bridgewire.Request{Op: bridgewire.OpOpen, Path: absolute})
	if err != nil {
		return nil, err
	}
	if response.Metadata == nil {
		return nil, fmt.Errorf("%w: open response carries no metadata", ErrUnavailable)
	}
	meta, err := response.Metadata.ToMetadata()
	if err != nil {
		return nil, &backend.FormatError{Path: path, Reason: "bridge returned invalid metadata", Err: err}
	}
	shape, err := tileShapeFrom(response.TileShape)
	if err != nil {
		return nil, fmt.Errorf("%w: open response: %v", ErrUnavailable, err)
	}

	h.remote = response.Handle
	h.meta = meta
	h.shape = shape
	opened = true
	h.logger.Debug("opened bridged file", "path", path, "shape", meta.Shape)
	return h, nil
}

// Create creates a new file through the bridge. The metadata is
// validated locally first; a bridge process is never launched for a
// request that cannot succeed.
func (b *Backend) Create(ctx context.Context, path string, meta *metadata.Metadata) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, &backend.IOError{Op: "create", Path: path, Err: err}
	}

	h, release, err := b.acquireHandle(ctx, path)
	if err != nil {
		return nil, err
	}
	created := false
	defer func() {
		if !created {
			release()
		}
	}()

	response, err := h.call(ctx, &bridgewire.Request{
		Op:       bridgewire.OpCreate,
		Path:     absolute,
		Metadata: bridgewire.FromMetadata(meta),
	})
	if err != nil {
		return nil, err
	}
	shape, err := tileShapeFrom(response.TileShape)
	if err != nil {
		return nil, fmt.Errorf("%w: create response: %v", ErrUnavailable, err)
	}

	h.remote = response.Handle
	h.meta = meta.Clone()
	h.shape = shape
	created = true
	h.logger.Debug("created bridged file", "path", path, "shape", meta.Shape)
	return h, nil
}

// acquireHandle takes a process reference and wraps it in a handle
// shell; the caller fills in the remote id and metadata once the
// bridge answers.
func (b *Backend) acquireHandle(ctx context.Context, path string) (*handle, func(), error) {
	process, release, err := b.manager.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	h := &handle{
		path:      path,
		process:   process,
		release:   release,
		threshold: b.config.CompressThreshold,
		logger:    b.manager.logger(),
	}
	return h, release, nil
}
