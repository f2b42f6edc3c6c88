package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"lib.kevinlin.info/aperture/lib"

	"udpot/internal/data"
	"udpot/internal/metrics"
)

// PersistentConnPool is a pool of persistent, long-lived connections. Connections are returned to
// the pool instead of closed for later reuse.
type PersistentConnPool struct {
	dialer       func() (net.Conn, error)
	cxHook       metrics.ConnectionLifecycleHook
	staleTimeout time.Duration
	conns        *data.MRUQueue[net.Conn]
	closed       bool
	mutex        sync.RWMutex
}

// PersistentConnPoolOpts formalizes configuration options for a persistent connection pool.
type PersistentConnPoolOpts struct {
	// Capacity is the maximum number of cached connections that may be held open in the pool.
	// More connections may be open at once under concurrent load; fewer may be cached if some
	// have been destroyed due to timeout or error.
	Capacity int
	// StaleTimeout is the duration after which a cached connection should be considered stale,
	// and thus reconnected before use. This represents the time between connection I/O events.
	StaleTimeout time.Duration
	// Prefill opens Capacity connections in the background as soon as the pool is created.
	Prefill bool
}

// PersistentConn is a net.Conn that lazily closes connections; it invokes a closer callback
// function instead of actually closing the underlying connection. It also augments the net.Conn API
// by providing a Destroy() method that forcefully closes the underlying connection.
type PersistentConn struct {
	closer    func(destroyed bool) error
	destroyed bool

	net.Conn
}

// NewPersistentConnPool creates a connection pool with the specified dialer factory and
// configuration options. The dialer is a net.Conn factory that describes how a new connection is
// created.
func NewPersistentConnPool(dialer func() (net.Conn, error), cxHook metrics.ConnectionLifecycleHook, opts PersistentConnPoolOpts) *PersistentConnPool {
	p := &PersistentConnPool{
		dialer:       dialer,
		cxHook:       cxHook,
		staleTimeout: opts.StaleTimeout,
		conns:        data.NewMRUQueue[net.Conn](opts.Capacity),
	}

	if opts.Prefill {
		// Failing to populate the pool to capacity is not an error; Conn dials on demand when
		// the pool is empty.
		go func() {
			for i := 0; i < opts.Capacity; i++ {
				conn, err := p.dial()
				if err != nil {
					continue
				}

				p.put(conn)
			}
		}()
	}

	return p
}

// Conn returns a single connection. It may be a cached connection that already exists in the pool,
// or it may be a newly created connection in the event that the pool is empty.
func (p *PersistentConnPool) Conn() (*PersistentConn, error) {
	// Discard stale cached connections until a live one is found or the pool is exhausted
	for {
		conn, timestamp, ok := p.conns.Pop()
		if !ok {
			break
		}

		if p.staleTimeout <= 0 || time.Since(timestamp) < p.staleTimeout {
			return NewPersistentConn(conn, p.closer(conn)), nil
		}

		// Errors closing a stale connection are of no interest
		p.cxHook.EmitConnectionClose(conn.RemoteAddr())
		go conn.Close()
	}

	conn, err := p.dial()
	if err != nil {
		return nil, err
	}

	return NewPersistentConn(conn, p.closer(conn)), nil
}

// Size reports the current size of the connection pool.
func (p *PersistentConnPool) Size() int {
	return p.conns.Size()
}

// Close closes every cached connection. Connections returned to the pool afterwards are closed
// instead of cached.
func (p *PersistentConnPool) Close() error {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	for _, conn := range p.conns.Drain() {
		p.cxHook.EmitConnectionClose(conn.RemoteAddr())
		conn.Close()
	}

	return nil
}

// dial opens a new connection, reporting the outcome on the lifecycle hook.
func (p *PersistentConnPool) dial() (net.Conn, error) {
	dialTimer := lib.NewStopwatch()

	conn, err := p.dialer()
	if err != nil {
		p.cxHook.EmitConnectionError()
		return nil, err
	}

	p.cxHook.EmitConnectionOpen(dialTimer.Elapsed(), conn.RemoteAddr())

	return conn, nil
}

// closer creates a callback that closes the connection if it is destroyed, but otherwise returns
// it to the cached connections pool.
func (p *PersistentConnPool) closer(conn net.Conn) func(destroyed bool) error {
	return func(destroyed bool) error {
		if destroyed {
			p.cxHook.EmitConnectionClose(conn.RemoteAddr())
			return conn.Close()
		}

		return p.put(conn)
	}
}

// put attempts to return a connection back to the pool, e.g. when it would otherwise be closed.
// The connection will be reinserted into the pool if there is sufficient capacity; otherwise, the
// connection is simply closed.
func (p *PersistentConnPool) put(conn net.Conn) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed || !p.conns.Push(conn) {
		p.cxHook.EmitConnectionClose(conn.RemoteAddr())
		return conn.Close()
	}

	return nil
}

// NewPersistentConn wraps an existing net.Conn with the specified close callback.
func NewPersistentConn(conn net.Conn, closer func(destroyed bool) error) *PersistentConn {
	return &PersistentConn{closer: closer, Conn: conn}
}

// Close invokes the close callback with a single parameter describing whether the connection has
// been marked as destroyed; the interpretation of a destroyed connection is abstracted out to the
// PersistentConn callback supplier.
func (c *PersistentConn) Close() error {
	return c.closer(c.destroyed)
}

// Destroy marks the connection as destroyed and invokes the close callback.
func (c *PersistentConn) Destroy() error {
	c.destroyed = true

	return c.Close()
}

// String implements the Stringer interface for human-consumable representation.
func (c *PersistentConn) String() string {
	return fmt.Sprintf("PersistentConn{%s->%s}", c.LocalAddr(), c.RemoteAddr())
}
