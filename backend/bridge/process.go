// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/bfio-dev/bfio/lib/bridgewire"
)

const (
	// probeInterval is the pause between startup dial attempts while
	// the bridge process brings its socket up.
	probeInterval = 50 * time.Millisecond

	// dialTimeout bounds a single connect attempt. The socket is
	// local; anything slower than this is not coming back.
	dialTimeout = time.Second
)

// manager owns the shared bridge process for one Backend. Handles
// reference it; the first reference launches the process and the last
// release shuts it down.
type manager struct {
	config     Config
	socketPath string

	mu      sync.Mutex
	refs    int
	running *bridgeProcess
}

// bridgeProcess is one launched bridge, from exec to reaped exit. Its
// pool and handshake results are immutable once start returns.
type bridgeProcess struct {
	command       *exec.Cmd
	pool          *connPool
	maxConcurrent int
	formats       []string

	// exited closes once Wait has reaped the process; waitErr is set
	// before it closes.
	exited  chan struct{}
	waitErr error
}

func (p *bridgeProcess) dead() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// call runs one request against the bridge over a pooled connection.
// Connection-level failures discard the connection and surface as
// ErrUnavailable; protocol-level failures come back as a response with
// OK unset for the caller to map.
func (p *bridgeProcess) call(ctx context.Context, request *bridgewire.Request) (*bridgewire.Response, error) {
	if p.dead() {
		return nil, fmt.Errorf("%w: process exited: %v", ErrUnavailable, p.waitErr)
	}
	conn, err := p.pool.take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	response, err := conn.roundTrip(ctx, request)
	if err != nil {
		p.pool.discard(conn)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.dead() {
			return nil, fmt.Errorf("%w: process exited during %s: %v", ErrUnavailable, request.Op, p.waitErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.pool.put(conn)
	return response, nil
}

// acquire returns the running bridge process, launching it if needed,
// along with a release closure the caller must invoke exactly once
// when its handle closes. A process that has crashed since the last
// acquire is replaced; handles still holding the dead one keep
// failing until their owners close them.
func (m *manager) acquire(ctx context.Context) (*bridgeProcess, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running != nil && m.running.dead() {
		m.logger().Warn("bridge process died, replacing",
			"pid", m.running.command.Process.Pid,
			"wait", m.running.waitErr,
		)
		m.running.pool.closeAll()
		m.running = nil
	}
	if m.running == nil {
		p, err := m.start(ctx)
		if err != nil {
			return nil, nil, err
		}
		m.running = p
	}

	m.refs++
	p := m.running
	var once sync.Once
	release := func() { once.Do(func() { m.release(p) }) }
	return p, release, nil
}

func (m *manager) release(p *bridgeProcess) {
	m.mu.Lock()
	m.refs--
	corpse := m.running != p
	var running *bridgeProcess
	if m.refs == 0 {
		running = m.running
		m.running = nil
	}
	m.mu.Unlock()

	if corpse {
		// p crashed earlier and was replaced; its sockets go away
		// with its last handle.
		p.pool.closeAll()
	}
	if running != nil {
		m.stop(running)
	}
}

// start launches the bridge command with the socket path appended,
// waits for the socket to accept, and performs the hello handshake.
// Any failure kills the half-started process before returning.
func (m *manager) start(ctx context.Context) (*bridgeProcess, error) {
	argv := append(slices.Clone(m.config.Command[1:]), m.socketPath)
	command := exec.Command(m.config.Command[0], argv...)
	command.Stderr = os.Stderr

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrUnavailable, m.config.Command[0], err)
	}
	p := &bridgeProcess{command: command, exited: make(chan struct{})}
	go func() {
		p.waitErr = command.Wait()
		close(p.exited)
	}()
	m.logger().Debug("bridge process started",
		"pid", command.Process.Pid,
		"socket", m.socketPath,
	)

	conn, err := m.probe(ctx, p)
	if err != nil {
		m.kill(p)
		return nil, err
	}
	if err := m.hello(ctx, conn, p); err != nil {
		conn.close()
		m.kill(p)
		return nil, err
	}
	p.pool = newConnPool(m.socketPath, p.maxConcurrent, conn)

	m.logger().Info("bridge ready",
		"pid", command.Process.Pid,
		"max_concurrent", p.maxConcurrent,
		"formats", p.formats,
	)
	return p, nil
}

// probe dials the socket until the bridge accepts, the start timeout
// lapses, the process exits, or ctx is cancelled. The bridge owns
// socket creation and stale-file cleanup; the engine only ever dials.
func (m *manager) probe(ctx context.Context, p *bridgeProcess) (*bridgeConn, error) {
	clk := m.config.Clock
	deadline := clk.Now().Add(m.config.StartTimeout)
	for {
		conn, err := dialBridge(m.socketPath)
		if err == nil {
			return conn, nil
		}
		if clk.Now().After(deadline) {
			return nil, fmt.Errorf("%w: socket not accepting after %v: %v",
				ErrUnavailable, m.config.StartTimeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.exited:
			return nil, fmt.Errorf("%w: process exited during startup: %v", ErrUnavailable, p.waitErr)
		case <-clk.After(probeInterval):
		}
	}
}

// hello pins the protocol version and learns the bridge's concurrency
// capacity and formats.
func (m *manager) hello(ctx context.Context, conn *bridgeConn, p *bridgeProcess) error {
	request := &bridgewire.Request{Op: bridgewire.OpHello, Version: bridgewire.ProtocolVersion}
	response, err := conn.roundTrip(ctx, request)
	if err != nil {
		return fmt.Errorf("%w: handshake: %v", ErrUnavailable, err)
	}
	if !response.OK {
		return fmt.Errorf("%w: handshake refused: %s", ErrUnavailable, response.Error)
	}
	if response.Version != bridgewire.ProtocolVersion {
		return fmt.Errorf("%w: bridge speaks protocol %d, engine speaks %d",
			ErrUnavailable, response.Version, bridgewire.ProtocolVersion)
	}

	p.maxConcurrent = response.MaxConcurrent
	if p.maxConcurrent <= 0 {
		p.maxConcurrent = 1
	}
	p.formats = response.Formats
	if len(p.formats) > 0 {
		for _, ext := range m.config.Extensions {
			if !slices.Contains(p.formats, ext) {
				m.logger().Warn("bridge does not advertise configured extension",
					"extension", ext,
					"advertised", p.formats,
				)
			}
		}
	}
	return nil
}

// stop shuts the bridge down: a voluntary shutdown request first, then
// SIGTERM, then SIGKILL, each separated by the shutdown grace period.
func (m *manager) stop(p *bridgeProcess) {
	pid := p.command.Process.Pid

	// Ask by protocol first so the bridge can drain in-flight work and
	// unlink its socket. Best effort over a fresh connection: the pool
	// is about to close.
	if conn, err := dialBridge(m.socketPath); err == nil {
		conn.roundTrip(context.Background(), &bridgewire.Request{Op: bridgewire.OpShutdown})
		conn.close()
	}
	p.pool.closeAll()

	clk := m.config.Clock
	select {
	case <-p.exited:
	case <-clk.After(m.config.ShutdownGrace):
		m.signal(p, syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-clk.After(m.config.ShutdownGrace):
			m.logger().Warn("bridge ignored SIGTERM, killing", "pid", pid)
			m.signal(p, syscall.SIGKILL)
			<-p.exited
		}
	}
	m.logger().Info("bridge process stopped", "pid", pid, "wait", p.waitErr)
}

// kill forcibly ends a process whose startup failed. There is nothing
// to drain; the socket may never have come up.
func (m *manager) kill(p *bridgeProcess) {
	if p.dead() {
		return
	}
	m.signal(p, syscall.SIGKILL)
	<-p.exited
}

func (m *manager) signal(p *bridgeProcess, sig os.Signal) {
	if err := p.command.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger().Debug("signal failed", "pid", p.command.Process.Pid, "signal", sig, "error", err)
	}
}

func (m *manager) logger() *slog.Logger {
	if m.config.Logger != nil {
		return m.config.Logger
	}
	return slog.Default()
}
