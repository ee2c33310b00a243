// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bfio-dev/bfio/backend"
	"github.com/bfio-dev/bfio/backend/bridge"
	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/lib/codec"
	"github.com/bfio-dev/bfio/lib/testutil"
	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// The bridge child in these tests is a placeholder (sh -c sleep) that
// never touches its socket; an in-process bridgewire server listens on
// the backend's socket path instead. The protocol side is exercised
// for real while process management runs against a genuine
// subprocess. The socket path is appended to the command line, so the
// placeholder runs under sh -c where the extra argument lands in $0.

func TestOpenReadClose(t *testing.T) {
	handler := newFakeHandler()
	b, done := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{})

	h, err := b.Open(t.Context(), "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	meta := h.Metadata()
	if want := (tile.Coords{96, 64, 1, 1, 1}); meta.Shape != want {
		t.Errorf("Shape = %v, want %v", meta.Shape, want)
	}
	if meta.Pixel != metadata.Uint8 {
		t.Errorf("Pixel = %v, want %v", meta.Pixel, metadata.Uint8)
	}
	if got, want := h.TileShape(), (tile.Coords{32, 16, 1, 1, 1}); got != want {
		t.Errorf("TileShape = %v, want %v", got, want)
	}

	region := tile.Region{Origin: tile.Origin2D(32, 16), Shape: tile.Coords{32, 16, 1, 1, 1}}
	first, err := h.ReadTile(t.Context(), region)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if want := fakePixels([]int64{32, 16, 0, 0, 0}, 32*16); !bytes.Equal(first.Data, want) {
		t.Error("tile pixels disagree with the bridge's answer")
	}
	again, err := h.ReadTile(t.Context(), region)
	if err != nil {
		t.Fatalf("ReadTile again: %v", err)
	}
	if !bytes.Equal(first.Data, again.Data) {
		t.Error("repeated read returned different pixels")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Closing the last handle shuts the bridge down by protocol; the
	// server sees the shutdown request and drains.
	if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
		t.Errorf("Serve: %v", err)
	}

	if err := h.Close(); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	handler := newFakeHandler()
	config := testConfig(t)
	// Let even the small test tiles hit the wire compression path.
	config.CompressThreshold = 64
	b, _ := startBridge(t, config, handler, bridgewire.ServerConfig{})

	meta := &metadata.Metadata{Shape: tile.Coords{96, 64, 1, 1, 1}, Pixel: metadata.Uint8}
	h, err := b.Create(t.Context(), "/data/out.fake", meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	pixels := testutil.DeterministicBytes(99, 32*16)
	wrote := &tile.Tile{Origin: tile.Origin2D(64, 48), Shape: tile.Coords{32, 16, 1, 1, 1}, Data: pixels}
	if err := h.WriteTile(t.Context(), wrote); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}

	readback, ok := h.(backend.Readbacker)
	if !ok {
		t.Fatal("bridge write handle does not support readback")
	}
	got, err := readback.ReadbackTile(t.Context(), wrote.Region())
	if err != nil {
		t.Fatalf("ReadbackTile: %v", err)
	}
	if !bytes.Equal(got.Data, pixels) {
		t.Error("readback disagrees with written pixels")
	}
}

func TestWriteValidation(t *testing.T) {
	handler := newFakeHandler()
	b, _ := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{})

	meta := &metadata.Metadata{Shape: tile.Coords{96, 64, 1, 1, 1}, Pixel: metadata.Uint8}
	h, err := b.Create(t.Context(), "/data/out.fake", meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	short := &tile.Tile{Origin: tile.Origin2D(0, 0), Shape: tile.Coords{32, 16, 1, 1, 1}, Data: make([]byte, 100)}
	err = h.WriteTile(t.Context(), short)
	if !backend.IsIOError(err) {
		t.Fatalf("WriteTile with short data = %v, want IOError", err)
	}
	if !strings.Contains(err.Error(), "100 bytes") {
		t.Errorf("error %q does not name the bad length", err)
	}
}

func TestErrorKindMapping(t *testing.T) {
	handler := newFakeHandler()
	b, _ := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{})
	ctx := t.Context()

	// The anchor handle keeps the refcount above zero so the failing
	// opens below do not tear the bridge down between cases.
	anchor, err := b.Open(ctx, "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := b.Open(ctx, "/data/broken.corrupt"); !backend.IsFormatError(err) {
		t.Errorf("Open corrupt file = %v, want FormatError", err)
	}

	meta := &metadata.Metadata{Shape: tile.Coords{96, 64, 1, 1, 1}, Pixel: metadata.Uint8}
	if _, err := b.Create(ctx, "/data/out.refused", meta); !metadata.IsError(err) {
		t.Errorf("Create refused by bridge = %v, want metadata error", err)
	}

	flaky, err := b.Open(ctx, "/data/disk.ioerr")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	region := tile.Region{Origin: tile.Origin2D(0, 0), Shape: tile.Coords{32, 16, 1, 1, 1}}
	if _, err := flaky.ReadTile(ctx, region); !backend.IsIOError(err) {
		t.Errorf("ReadTile io failure = %v, want IOError", err)
	}
	if err := flaky.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	outside := tile.Region{Origin: tile.Origin2D(128, 0), Shape: tile.Coords{32, 16, 1, 1, 1}}
	if _, err := anchor.ReadTile(ctx, outside); !errors.Is(err, tile.ErrOutOfBounds) {
		t.Errorf("ReadTile outside image = %v, want ErrOutOfBounds", err)
	}

	if err := anchor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	handler := newFakeHandler()
	b, _ := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{})

	h, err := b.Open(t.Context(), "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	region := tile.Region{Origin: tile.Origin2D(0, 0), Shape: tile.Coords{32, 16, 1, 1, 1}}
	if _, err := h.ReadTile(t.Context(), region); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("ReadTile after close = %v, want ErrClosed", err)
	}
	werr := h.WriteTile(t.Context(), &tile.Tile{
		Origin: tile.Origin2D(0, 0),
		Shape:  tile.Coords{32, 16, 1, 1, 1},
		Data:   make([]byte, 32*16),
	})
	if !errors.Is(werr, backend.ErrWriteAfterClose) || !errors.Is(werr, backend.ErrClosed) {
		t.Errorf("WriteTile after close = %v, want ErrWriteAfterClose wrapping ErrClosed", werr)
	}
}

func TestConcurrentCallsHonorBridgeCap(t *testing.T) {
	handler := newFakeHandler()
	handler.delay = 20 * time.Millisecond
	b, _ := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{MaxConcurrent: 2})

	h, err := b.Open(t.Context(), "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var group sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		group.Add(1)
		go func() {
			defer group.Done()
			region := tile.Region{
				Origin: tile.Origin2D(int64(i%3)*32, int64(i%4)*16),
				Shape:  tile.Coords{32, 16, 1, 1, 1},
			}
			_, errs[i] = h.ReadTile(context.Background(), region)
		}()
	}
	group.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("read %d: %v", i, err)
		}
	}
	if high := handler.highWater.Load(); high > 2 {
		t.Errorf("bridge saw %d concurrent reads, advertised capacity is 2", high)
	}
}

func TestProtocolBreachSurfacesUnavailable(t *testing.T) {
	handler := newFakeHandler()
	b, _ := startBridge(t, testConfig(t), handler, bridgewire.ServerConfig{})
	ctx := t.Context()

	anchor, err := b.Open(ctx, "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer anchor.Close()

	if _, err := b.Open(ctx, "/data/a.nometa"); !errors.Is(err, bridge.ErrUnavailable) {
		t.Errorf("Open with missing metadata = %v, want ErrUnavailable", err)
	}
	if _, err := b.Open(ctx, "/data/a.badgrid"); !errors.Is(err, bridge.ErrUnavailable) {
		t.Errorf("Open with malformed tile shape = %v, want ErrUnavailable", err)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		timeout time.Duration
	}{
		{"binary missing", []string{"/nonexistent/bfio-bridge"}, 0},
		{"exits immediately", []string{"true"}, 0},
		{"never serves", []string{"sh", "-c", "sleep 60"}, 5 * time.Millisecond},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := testConfig(t)
			config.Command = test.command
			config.StartTimeout = test.timeout
			b, err := bridge.New(config)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			// No server listens on the socket in any of these cases.
			if _, err := b.Open(t.Context(), "/data/plate.fake"); !errors.Is(err, bridge.ErrUnavailable) {
				t.Fatalf("Open = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	b, err := bridge.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	listener, err := net.Listen("unix", b.SocketPath())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var request bridgewire.Request
		if err := codec.NewDecoder(conn).Decode(&request); err != nil {
			return
		}
		codec.NewEncoder(conn).Encode(&bridgewire.Response{OK: true, Version: 99, MaxConcurrent: 1})
	}()

	if _, err := b.Open(t.Context(), "/data/plate.fake"); !errors.Is(err, bridge.ErrUnavailable) {
		t.Fatalf("Open across protocol versions = %v, want ErrUnavailable", err)
	}
}

func TestCrashedProcessIsReplaced(t *testing.T) {
	handler := newFakeHandler()
	config := testConfig(t)
	config.Command = []string{"sh", "-c", "sleep 0.2"}
	b, _ := startBridge(t, config, handler, bridgewire.ServerConfig{})
	ctx := t.Context()

	stale, err := b.Open(ctx, "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Wait out the child. The in-process server stays up; only the
	// process the backend supervises dies.
	time.Sleep(500 * time.Millisecond)

	region := tile.Region{Origin: tile.Origin2D(0, 0), Shape: tile.Coords{32, 16, 1, 1, 1}}
	if _, err := stale.ReadTile(ctx, region); !errors.Is(err, bridge.ErrUnavailable) {
		t.Fatalf("ReadTile on dead bridge = %v, want ErrUnavailable", err)
	}

	fresh, err := b.Open(ctx, "/data/plate.fake")
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	if _, err := fresh.ReadTile(ctx, region); err != nil {
		t.Errorf("ReadTile on replacement bridge: %v", err)
	}

	// The stale handle keeps failing, and closing it reports the dead
	// process without disturbing the replacement.
	if err := stale.Close(); !errors.Is(err, bridge.ErrUnavailable) {
		t.Errorf("stale Close = %v, want ErrUnavailable", err)
	}
	if _, err := fresh.ReadTile(ctx, region); err != nil {
		t.Errorf("ReadTile after stale close: %v", err)
	}
	if err := fresh.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config bridge.Config
		ok     bool
	}{
		{"complete", bridge.Config{Command: []string{"bfio-bridge"}, Extensions: []string{".czi", ".nd2"}}, true},
		{"missing command", bridge.Config{Extensions: []string{".czi"}}, false},
		{"missing extensions", bridge.Config{Command: []string{"bfio-bridge"}}, false},
		{"extension without dot", bridge.Config{Command: []string{"bfio-bridge"}, Extensions: []string{"czi"}}, false},
		{"negative threshold", bridge.Config{Command: []string{"bfio-bridge"}, Extensions: []string{".czi"}, CompressThreshold: -1}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, err := bridge.New(test.config)
			if test.ok != (err == nil) {
				t.Fatalf("New error = %v, want ok %v", err, test.ok)
			}
			if !test.ok {
				return
			}
			if got := b.Name(); got != "bridge" {
				t.Errorf("Name = %q, want %q", got, "bridge")
			}
			if b.Sniff([]byte("II*\x00anything")) {
				t.Error("Sniff claimed content; bridged formats are selected by extension only")
			}
			if b.SocketPath() == "" {
				t.Error("SocketPath is empty")
			}
		})
	}
}

func TestExtensionsLowercased(t *testing.T) {
	b, err := bridge.New(bridge.Config{Command: []string{"bfio-bridge"}, Extensions: []string{".CZI"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := b.Extensions(); len(got) != 1 || got[0] != ".czi" {
		t.Errorf("Extensions = %v, want [.czi]", got)
	}
}

func TestSocketPathsAreDistinct(t *testing.T) {
	config := bridge.Config{Command: []string{"bfio-bridge"}, Extensions: []string{".czi"}}
	first, err := bridge.New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := bridge.New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if first.SocketPath() == second.SocketPath() {
		t.Errorf("two backends share socket path %s", first.SocketPath())
	}
}

// fakeHandler serves a synthetic 96x64 uint8 image in 32x16 tiles.
// Magic path suffixes trigger the failure modes a real bridge could
// produce.
type fakeHandler struct {
	delay time.Duration

	mu      sync.Mutex
	next    uint64
	open    map[uint64]string
	written map[uint64]map[string][]byte

	inFlight  atomic.Int64
	highWater atomic.Int64
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		open:    make(map[uint64]string),
		written: make(map[uint64]map[string][]byte),
	}
}

func fakeWireMetadata() *bridgewire.Metadata {
	return &bridgewire.Metadata{
		Shape:     []int64{96, 64, 1, 1, 1},
		PixelType: "uint8",
		Channels:  []string{"DAPI"},
	}
}

func fakeTileShape() []int64 { return []int64{32, 16, 1, 1, 1} }

func (f *fakeHandler) Open(ctx context.Context, path string) (uint64, *bridgewire.Metadata, []int64, error) {
	switch {
	case strings.HasSuffix(path, ".corrupt"):
		return 0, nil, nil, &bridgewire.Error{Kind: bridgewire.KindFormat, Message: "magic bytes missing"}
	case strings.HasSuffix(path, ".nometa"):
		return 1, nil, fakeTileShape(), nil
	case strings.HasSuffix(path, ".badgrid"):
		return 1, fakeWireMetadata(), []int64{32, 16}, nil
	}
	return f.register(path), fakeWireMetadata(), fakeTileShape(), nil
}

func (f *fakeHandler) Create(ctx context.Context, path string, meta *bridgewire.Metadata) (uint64, []int64, error) {
	if strings.HasSuffix(path, ".refused") {
		return 0, nil, &bridgewire.Error{Kind: bridgewire.KindMetadata, Message: "pixel type not writable"}
	}
	if meta == nil {
		return 0, nil, errors.New("create carries no metadata")
	}
	return f.register(path), fakeTileShape(), nil
}

func (f *fakeHandler) register(path string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.open[f.next] = path
	f.written[f.next] = make(map[string][]byte)
	return f.next
}

func (f *fakeHandler) Metadata(ctx context.Context, handle uint64) (*bridgewire.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[handle]; !ok {
		return nil, &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: fmt.Sprintf("handle %d is not open", handle)}
	}
	return fakeWireMetadata(), nil
}

func (f *fakeHandler) ReadTile(ctx context.Context, handle uint64, origin, shape []int64) (*bridgewire.Payload, error) {
	count := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		high := f.highWater.Load()
		if count <= high || f.highWater.CompareAndSwap(high, count) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.open[handle]
	if !ok {
		return nil, &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: fmt.Sprintf("handle %d is not open", handle)}
	}
	if strings.HasSuffix(path, ".ioerr") {
		return nil, &bridgewire.Error{Kind: bridgewire.KindIO, Message: "disk on fire"}
	}
	if origin[0] >= 96 || origin[1] >= 64 {
		return nil, &bridgewire.Error{Kind: bridgewire.KindOutOfBounds, Message: fmt.Sprintf("origin %v outside image", origin)}
	}
	if pixels, ok := f.written[handle][originKey(origin)]; ok {
		return bridgewire.Pack(pixels, 0), nil
	}
	volume := int64(1)
	for _, extent := range shape {
		volume *= extent
	}
	return bridgewire.Pack(fakePixels(origin, int(volume)), 0), nil
}

func (f *fakeHandler) WriteTile(ctx context.Context, handle uint64, origin, shape []int64, payload *bridgewire.Payload) error {
	if payload == nil {
		return errors.New("write carries no payload")
	}
	pixels, err := payload.Unpack()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[handle]; !ok {
		return &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: fmt.Sprintf("handle %d is not open", handle)}
	}
	f.written[handle][originKey(origin)] = pixels
	return nil
}

func (f *fakeHandler) Close(ctx context.Context, handle uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[handle]; !ok {
		return &bridgewire.Error{Kind: bridgewire.KindClosedHandle, Message: fmt.Sprintf("handle %d is not open", handle)}
	}
	delete(f.open, handle)
	return nil
}

func originKey(origin []int64) string { return fmt.Sprint(origin) }

func fakePixels(origin []int64, n int) []byte {
	seed := uint64(1)
	for _, c := range origin {
		seed = seed*31 + uint64(c)
	}
	return testutil.DeterministicBytes(seed, n)
}

// startBridge wires a backend to an in-process protocol server
// listening where the backend expects the bridge child's socket.
func startBridge(t *testing.T, config bridge.Config, handler bridgewire.Handler, serverConfig bridgewire.ServerConfig) (*bridge.Backend, <-chan error) {
	t.Helper()
	b, err := bridge.New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	serverConfig.SocketPath = b.SocketPath()
	if serverConfig.Logger == nil {
		serverConfig.Logger = quietLogger()
	}
	server, err := bridgewire.NewServer(serverConfig, handler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	return b, done
}

func testConfig(t *testing.T) bridge.Config {
	t.Helper()
	return bridge.Config{
		Command:       []string{"sh", "-c", "sleep 60"},
		Extensions:    []string{".fake"},
		SocketDir:     testutil.SocketDir(t),
		StartTimeout:  5 * time.Second,
		ShutdownGrace: 50 * time.Millisecond,
		Logger:        quietLogger(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
