// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridgewire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bfio-dev/bfio/lib/codec"
)

// Handler implements the bridge side of the domain operations. The
// server answers hello and shutdown itself; everything with a file
// behind it lands here. Methods are called concurrently, one in
// flight per connection.
//
// Return a [*Error] to control the error kind reported to the engine;
// any other error is reported as KindIO.
type Handler interface {
	// Open opens path for reading.
	Open(ctx context.Context, path string) (handle uint64, meta *Metadata, tileShape []int64, err error)

	// Create creates path for writing with the given metadata.
	Create(ctx context.Context, path string, meta *Metadata) (handle uint64, tileShape []int64, err error)

	// Metadata returns the canonical record for an open handle.
	Metadata(ctx context.Context, handle uint64) (*Metadata, error)

	// ReadTile reads the native tile at origin with the given shape.
	ReadTile(ctx context.Context, handle uint64, origin, shape []int64) (*Payload, error)

	// WriteTile writes the native tile at origin with the given shape.
	WriteTile(ctx context.Context, handle uint64, origin, shape []int64, payload *Payload) error

	// Close closes an open handle.
	Close(ctx context.Context, handle uint64) error
}

// DefaultMaxConcurrent is the concurrency capacity a server advertises
// when the config leaves it unset.
const DefaultMaxConcurrent = 4

// writeTimeout bounds each response write. The engine always has a
// reader waiting on the connection, so a stalled write means the
// engine is gone.
const writeTimeout = 10 * time.Second

// ServerConfig configures a bridge protocol server.
type ServerConfig struct {
	// SocketPath is the Unix socket to listen on. Required.
	SocketPath string

	// MaxConcurrent is the capacity advertised in the hello response.
	// The engine opens exactly this many connections. Defaults to
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// Formats lists the file extensions this bridge reads, with
	// leading dots, advertised in the hello response.
	Formats []string

	// Logger receives connection lifecycle and failure events. Nil
	// uses slog.Default().
	Logger *slog.Logger
}

// Server speaks the engine side's bridge protocol on a Unix socket:
// CBOR requests and responses in lockstep on persistent connections.
// Connections stay open across requests — the engine pools them — so
// unlike a one-shot RPC socket there is no idle read deadline.
//
// The real bridge wraps a JVM; this server exists for the mock bridge
// binary and for in-process protocol tests.
type Server struct {
	config  ServerConfig
	handler Handler

	// quit is closed by the first shutdown request. Serve drains and
	// returns once it fires.
	quit     chan struct{}
	quitOnce sync.Once

	activeConnections sync.WaitGroup
}

// NewServer creates a server. Serve must be called to start it.
func NewServer(config ServerConfig, handler Handler) (*Server, error) {
	if config.SocketPath == "" {
		return nil, errors.New("bridgewire: SocketPath is required")
	}
	if handler == nil {
		return nil, errors.New("bridgewire: Handler is required")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Server{
		config:  config,
		handler: handler,
		quit:    make(chan struct{}),
	}, nil
}

// Serve listens on the Unix socket and serves connections until ctx is
// cancelled or a shutdown request arrives, then waits for in-flight
// connections to drain.
//
// Any stale socket file at the configured path is removed before
// listening, and the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.config.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.config.SocketPath)
	}()

	// Unblock Accept on cancellation or shutdown.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		}
		listener.Close()
	}()

	s.logger().Info("bridge server listening",
		"path", s.config.SocketPath,
		"max_concurrent", s.config.MaxConcurrent,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.stopping() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger().Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection serves request-response cycles until the engine
// hangs up or the server stops. The peer is the engine that spawned
// this process over a local socket, so requests are trusted; there is
// no per-request size cap.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := codec.NewDecoder(conn)
	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil && !s.stopping() {
				s.logger().Debug("connection read failed", "error", err)
			}
			return
		}

		response := s.dispatch(ctx, &request)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := codec.NewEncoder(conn).Encode(response); err != nil {
			s.logger().Debug("response write failed", "op", request.Op, "error", err)
			return
		}
		if request.Op == OpShutdown {
			return
		}
	}
}

// dispatch routes one request. Failures come back as responses, never
// as dropped connections, so the engine can always tell a refused
// operation from a dead bridge.
func (s *Server) dispatch(ctx context.Context, request *Request) *Response {
	switch request.Op {
	case OpHello:
		if request.Version != ProtocolVersion {
			return errorResponse(KindUnsupported,
				fmt.Sprintf("protocol version %d not supported, this bridge speaks %d",
					request.Version, ProtocolVersion))
		}
		return &Response{
			OK:            true,
			Version:       ProtocolVersion,
			MaxConcurrent: s.config.MaxConcurrent,
			Formats:       s.config.Formats,
		}

	case OpShutdown:
		s.quitOnce.Do(func() { close(s.quit) })
		return &Response{OK: true}

	case OpOpen:
		handle, meta, tileShape, err := s.handler.Open(ctx, request.Path)
		if err != nil {
			return handlerError(err)
		}
		return &Response{OK: true, Handle: handle, Metadata: meta, TileShape: tileShape}

	case OpCreate:
		handle, tileShape, err := s.handler.Create(ctx, request.Path, request.Metadata)
		if err != nil {
			return handlerError(err)
		}
		return &Response{OK: true, Handle: handle, TileShape: tileShape}

	case OpMetadata:
		meta, err := s.handler.Metadata(ctx, request.Handle)
		if err != nil {
			return handlerError(err)
		}
		return &Response{OK: true, Metadata: meta}

	case OpReadTile:
		payload, err := s.handler.ReadTile(ctx, request.Handle, request.Origin, request.Shape)
		if err != nil {
			return handlerError(err)
		}
		return &Response{OK: true, Payload: payload}

	case OpWriteTile:
		if err := s.handler.WriteTile(ctx, request.Handle, request.Origin, request.Shape, request.Payload); err != nil {
			return handlerError(err)
		}
		return &Response{OK: true}

	case OpClose:
		if err := s.handler.Close(ctx, request.Handle); err != nil {
			return handlerError(err)
		}
		return &Response{OK: true}

	default:
		return errorResponse(KindUnsupported, fmt.Sprintf("unknown operation %q", request.Op))
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) logger() *slog.Logger {
	if s.config.Logger != nil {
		return s.config.Logger
	}
	return slog.Default()
}

// handlerError converts a handler failure into a wire response,
// preserving the kind when the handler chose one.
func handlerError(err error) *Response {
	var wireError *Error
	if errors.As(err, &wireError) {
		return errorResponse(wireError.Kind, wireError.Message)
	}
	return errorResponse(KindIO, err.Error())
}

func errorResponse(kind, message string) *Response {
	return &Response{Error: message, ErrorKind: kind}
}
