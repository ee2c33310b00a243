// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bfio-dev/bfio/lib/bridgewire"
	"github.com/bfio-dev/bfio/lib/codec"
)

// bridgeConn is one persistent connection to the bridge process. The
// decoder lives as long as the connection: CBOR decoding buffers its
// reads, so a fresh decoder per response could strand bytes the
// previous one had already pulled off the socket.
type bridgeConn struct {
	conn    net.Conn
	decoder *codec.Decoder
}

func dialBridge(socketPath string) (*bridgeConn, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, err
	}
	return newBridgeConn(conn), nil
}

func newBridgeConn(conn net.Conn) *bridgeConn {
	return &bridgeConn{conn: conn, decoder: codec.NewDecoder(conn)}
}

// roundTrip sends one request and reads its response. The protocol is
// strict lockstep per connection, so the next value on the wire is
// always the answer to what was just sent. Cancelling ctx wakes a
// blocked exchange by expiring the connection deadline; the caller
// must discard the connection after any failure here.
func (c *bridgeConn) roundTrip(ctx context.Context, request *bridgewire.Request) (*bridgewire.Response, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	response, err := c.exchange(request)
	if !stop() && err == nil {
		// The cancellation callback expired the deadline while the
		// response was in flight, so the connection is tainted even
		// though the exchange completed.
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (c *bridgeConn) exchange(request *bridgewire.Request) (*bridgewire.Response, error) {
	if err := codec.NewEncoder(c.conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending %s: %w", request.Op, err)
	}
	var response bridgewire.Response
	if err := c.decoder.Decode(&response); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", request.Op, err)
	}
	return &response, nil
}

func (c *bridgeConn) close() error { return c.conn.Close() }

// connPool bounds in-flight bridge calls to the concurrency limit the
// bridge advertised. A caller first takes one of the capacity tokens,
// then reuses an idle connection or dials a new one; the token returns
// when the connection is put back or discarded. Blocking on the token
// channel is what queues excess work on the engine side.
type connPool struct {
	socketPath string
	tokens     chan struct{}

	mu     sync.Mutex
	idle   []*bridgeConn
	closed bool
}

func newConnPool(socketPath string, capacity int, first *bridgeConn) *connPool {
	p := &connPool{
		socketPath: socketPath,
		tokens:     make(chan struct{}, capacity),
	}
	for range capacity {
		p.tokens <- struct{}{}
	}
	p.idle = append(p.idle, first)
	return p
}

// take acquires a connection, blocking while all capacity tokens are
// in use. The caller must hand the connection back through put or
// discard, exactly once.
func (p *connPool) take(ctx context.Context) (*bridgeConn, error) {
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, errPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := dialBridge(p.socketPath)
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}
	return conn, nil
}

// put returns a healthy connection for reuse.
func (p *connPool) put(conn *bridgeConn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.tokens <- struct{}{}
}

// discard closes a connection that failed mid-request. The capacity
// token still returns, so a later take can dial a replacement.
func (p *connPool) discard(conn *bridgeConn) {
	conn.close()
	p.tokens <- struct{}{}
}

// closeAll closes every idle connection and marks the pool closed.
// Connections currently taken close as their callers put or discard
// them.
func (p *connPool) closeAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		conn.close()
	}
}

var errPoolClosed = errors.New("connection pool closed")
