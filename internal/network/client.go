package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"udpot/internal/metrics"
)

// Client defines the interface for an upstream DNS resolver client.
type Client interface {
	// Exchange relays a single query to the upstream and returns its reply.
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)

	// Stats returns historical client stats.
	Stats() Stats

	// Close releases any connections held by the client.
	Close() error
}

// Stats formalizes stats tracked per-client.
type Stats struct {
	// SuccessfulExchanges is the number of queries for which the client obtained a reply.
	SuccessfulExchanges int
	// FailedExchanges is the number of queries for which the client failed to obtain a reply.
	FailedExchanges int
}

// statsTracker is embedded by clients to record exchange outcomes.
type statsTracker struct {
	stats      Stats
	statsMutex sync.RWMutex
}

func (t *statsTracker) track(err error) {
	t.statsMutex.Lock()
	defer t.statsMutex.Unlock()

	if err != nil {
		t.stats.FailedExchanges++
	} else {
		t.stats.SuccessfulExchanges++
	}
}

// Stats returns current client stats.
func (t *statsTracker) Stats() Stats {
	t.statsMutex.RLock()
	defer t.statsMutex.RUnlock()

	return t.stats
}

// UDPClient describes a datagram client for a plain DNS upstream. Truncated replies are retried
// over TCP.
type UDPClient struct {
	addr string
	udp  *dns.Client
	tcp  *dns.Client

	statsTracker
}

// UDPClientOpts formalizes UDP client configuration options.
type UDPClientOpts struct {
	// Timeout bounds the dial, write, and read of a single exchange.
	Timeout time.Duration
}

// NewUDPClient creates a UDPClient for the upstream at addr.
func NewUDPClient(addr string, opts UDPClientOpts) *UDPClient {
	// Sane option defaults
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	return &UDPClient{
		addr: addr,
		udp:  &dns.Client{Net: "udp", Timeout: opts.Timeout},
		tcp:  &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}
}

// Exchange sends the query over UDP, falling back to TCP if the reply is truncated.
func (c *UDPClient) Exchange(ctx context.Context, msg *dns.Msg) (resp *dns.Msg, err error) {
	defer func() { c.track(err) }()

	resp, _, err = c.udp.ExchangeContext(ctx, msg, c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: udp exchange failed: upstream=%s err=%w", c.addr, err)
	}

	if resp.Truncated {
		resp, _, err = c.tcp.ExchangeContext(ctx, msg, c.addr)
		if err != nil {
			return nil, fmt.Errorf("client: tcp retry of truncated reply failed: upstream=%s err=%w", c.addr, err)
		}
	}

	return resp, nil
}

// Close noops; UDP exchanges hold no connections between queries.
func (c *UDPClient) Close() error {
	return nil
}

// String returns a string representation of the client.
func (c *UDPClient) String() string {
	return fmt.Sprintf("UDPClient{addr: %s}", c.addr)
}

// StreamClient describes a TCP client, optionally TLS-secured, that recycles connections to the
// upstream in a pool.
type StreamClient struct {
	addr   string
	tls    bool
	dns    *dns.Client
	pool   *PersistentConnPool
	ioHook metrics.ConnectionIOHook
	opts   StreamClientOpts

	statsTracker
}

// StreamClientOpts formalizes stream client configuration options.
type StreamClientOpts struct {
	// PoolOpts are connection pool-specific options.
	PoolOpts PersistentConnPoolOpts
	// TLS enables DNS-over-TLS on the upstream connections.
	TLS bool
	// ServerName is the name used to validate the upstream's certificate. It is required when TLS
	// is enabled.
	ServerName string
	// ConnectTimeout is the timeout associated with establishing a connection with the remote
	// server.
	ConnectTimeout time.Duration
	// ReadTimeout is the timeout associated with each read from a remote connection.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout associated with each write to a remote connection.
	WriteTimeout time.Duration
	// MaxRetries is the number of times an exchange may be retried on a fresh connection. Pooled
	// connections are often closed by the server while idle, so this should be above 0.
	MaxRetries int
}

// NewStreamClient creates a StreamClient pool, connected to a specified remote address. The pool
// is populated asynchronously; with TLS enabled, each connection performs a handshake and
// validates the server identity before use.
func NewStreamClient(addr string, cxHook metrics.ConnectionLifecycleHook, ioHook metrics.ConnectionIOHook, opts StreamClientOpts) (*StreamClient, error) {
	if opts.TLS && opts.ServerName == "" {
		return nil, fmt.Errorf("client: TLS upstream requires a server name: addr=%s", addr)
	}

	// Sane option defaults
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	var conf *tls.Config
	if opts.TLS {
		conf = &tls.Config{
			ServerName:         opts.ServerName,
			ClientSessionCache: tls.NewLRUClientSessionCache(opts.PoolOpts.Capacity),
		}
	}

	// The dialer wraps a standard TCP (or TLS) dial with R/W timeouts.
	dialer := func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("client: error establishing connection: addr=%s err=%w", addr, err)
		}

		if conf != nil {
			tlsConn := tls.Client(conn, conf)
			if err := tlsConn.Handshake(); err != nil {
				conn.Close()
				return nil, fmt.Errorf("client: TLS handshake failed: addr=%s err=%w", addr, err)
			}

			conn = tlsConn
		}

		return NewTCPConn(conn, opts.ReadTimeout, opts.WriteTimeout), nil
	}

	return &StreamClient{
		addr:   addr,
		tls:    opts.TLS,
		dns:    &dns.Client{Net: "tcp"},
		pool:   NewPersistentConnPool(dialer, cxHook, opts.PoolOpts),
		ioHook: ioHook,
		opts:   opts,
	}, nil
}

// Exchange performs the query on a (possibly cached) pooled connection. A connection that fails
// during I/O is destroyed and the exchange is retried on another, up to the retry budget.
func (c *StreamClient) Exchange(ctx context.Context, msg *dns.Msg) (resp *dns.Msg, err error) {
	defer func() { c.track(err) }()

	for attempt := 0; ; attempt++ {
		var conn *PersistentConn

		conn, err = c.pool.Conn()
		if err != nil {
			return nil, fmt.Errorf("client: error opening upstream connection: addr=%s err=%w", c.addr, err)
		}

		resp, _, err = c.dns.ExchangeWithConnContext(ctx, msg, &dns.Conn{Conn: conn})
		if err == nil {
			// Schedule the connection for reinsertion into the long-lived pool
			go conn.Close()
			return resp, nil
		}

		// No matter the retry budget, destroy the connection if it fails during I/O
		c.ioHook.EmitReadError(conn.RemoteAddr())
		go conn.Destroy()

		if attempt >= c.opts.MaxRetries || ctx.Err() != nil {
			return nil, fmt.Errorf(
				"client: upstream exchange failed: addr=%s attempts=%d err=%w",
				c.addr,
				attempt+1,
				err,
			)
		}

		c.ioHook.EmitRetry(conn.RemoteAddr())
	}
}

// Close closes every pooled connection.
func (c *StreamClient) Close() error {
	return c.pool.Close()
}

// String returns a string representation of the client.
func (c *StreamClient) String() string {
	return fmt.Sprintf("StreamClient{addr: %s, tls: %v, connections: %d}", c.addr, c.tls, c.pool.Size())
}
