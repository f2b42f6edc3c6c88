package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"udpot/internal/metrics"
)

// UDPServer describes a server that listens on a UDP address.
type UDPServer struct {
	addr   string
	opts   UDPServerOpts
	conn   net.PacketConn
	server *dns.Server
	mutex  sync.Mutex
}

// UDPServerOpts formalizes UDP server configuration options.
type UDPServerOpts struct {
	// ReadTimeout is the maximum amount of time the server will wait for a datagram before
	// re-checking for shutdown. Since UDP is connectionless, it does not bound any client.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum amount of time the server is allowed to take to write data
	// back to a client, after which the server will consider the write to have failed.
	WriteTimeout time.Duration
	// UDPSize is the size of the buffer used to read incoming datagrams.
	UDPSize int
}

// TCPServer describes a server that listens on a TCP address.
type TCPServer struct {
	addr     string
	cxHook   metrics.ConnectionLifecycleHook
	opts     TCPServerOpts
	listener net.Listener
	server   *dns.Server
	mutex    sync.Mutex
}

// TCPServerOpts formalizes TCP server configuration options.
type TCPServerOpts struct {
	// ReadTimeout is the maximum amount of time the server will wait to read from a client
	// after it has established a connection with the server, after which the server will
	// consider the read to have failed.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum amount of time the server is allowed to take to write to a
	// client, after which the server will consider the write to have failed.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time a client connection may stay open between
	// queries.
	IdleTimeout time.Duration
}

// NewUDPServer creates a UDP server listening on the specified address.
func NewUDPServer(addr string, opts UDPServerOpts) *UDPServer {
	// Sane option defaults
	if opts.UDPSize <= 0 {
		opts.UDPSize = dns.MinMsgSize
	}

	return &UDPServer{addr: addr, opts: opts}
}

// Listen binds the UDP address with which the server was configured.
func (s *UDPServer) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on UDP socket: addr=%s err=%w", s.addr, err)
	}

	s.conn = conn

	return nil
}

// Serve indefinitely serves queries arriving on the bound socket using the specified handler. It
// returns once the server is shut down or the socket fails.
func (s *UDPServer) Serve(handler dns.Handler) error {
	s.mutex.Lock()
	if s.conn == nil {
		s.mutex.Unlock()
		return fmt.Errorf("server: UDP server is not listening: addr=%s", s.addr)
	}

	s.server = &dns.Server{
		Net:           "udp",
		PacketConn:    s.conn,
		Handler:       handler,
		ReadTimeout:   s.opts.ReadTimeout,
		WriteTimeout:  s.opts.WriteTimeout,
		UDPSize:       s.opts.UDPSize,
		MsgAcceptFunc: acceptQuery,
	}
	server := s.server
	s.mutex.Unlock()

	return server.ActivateAndServe()
}

// ListenAndServe starts listening on the UDP address with which the server was configured and
// indefinitely serves queries using the specified handler. It returns an error if it fails to
// bind to the initialized address.
func (s *UDPServer) ListenAndServe(handler dns.Handler) error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve(handler)
}

// Addr returns the bound address, or nil if the server is not listening.
func (s *UDPServer) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil {
		return nil
	}

	return s.conn.LocalAddr()
}

// Shutdown gracefully stops the server, waiting for in-flight queries until the context ends.
func (s *UDPServer) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	server, conn := s.server, s.conn
	s.mutex.Unlock()

	if server == nil {
		if conn != nil {
			return conn.Close()
		}

		return nil
	}

	return server.ShutdownContext(ctx)
}

// NewTCPServer creates a TCP server listening on the specified address.
func NewTCPServer(addr string, cxHook metrics.ConnectionLifecycleHook, opts TCPServerOpts) *TCPServer {
	return &TCPServer{addr: addr, cxHook: cxHook, opts: opts}
}

// Listen binds the TCP address with which the server was configured.
func (s *TCPServer) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on TCP socket: addr=%s err=%w", s.addr, err)
	}

	s.listener = &hookedListener{Listener: ln, cxHook: s.cxHook}

	return nil
}

// Serve indefinitely serves client connections accepted on the bound socket using the specified
// handler. It returns once the server is shut down or the listener fails.
func (s *TCPServer) Serve(handler dns.Handler) error {
	s.mutex.Lock()
	if s.listener == nil {
		s.mutex.Unlock()
		return fmt.Errorf("server: TCP server is not listening: addr=%s", s.addr)
	}

	s.server = &dns.Server{
		Net:           "tcp",
		Listener:      s.listener,
		Handler:       handler,
		ReadTimeout:   s.opts.ReadTimeout,
		WriteTimeout:  s.opts.WriteTimeout,
		MsgAcceptFunc: acceptQuery,
	}

	if s.opts.IdleTimeout > 0 {
		idle := s.opts.IdleTimeout
		s.server.IdleTimeout = func() time.Duration { return idle }
	}

	server := s.server
	s.mutex.Unlock()

	return server.ActivateAndServe()
}

// ListenAndServe starts listening on the TCP address with which the server was configured and
// indefinitely serves connections using the specified handler. It returns an error if it fails to
// bind to the initialized address.
func (s *TCPServer) ListenAndServe(handler dns.Handler) error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve(handler)
}

// Addr returns the bound address, or nil if the server is not listening.
func (s *TCPServer) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Shutdown gracefully stops the server, waiting for in-flight queries until the context ends.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	server, listener := s.server, s.listener
	s.mutex.Unlock()

	if server == nil {
		if listener != nil {
			return listener.Close()
		}

		return nil
	}

	return server.ShutdownContext(ctx)
}

// hookedListener reports the lifecycle of every accepted client connection.
type hookedListener struct {
	net.Listener
	cxHook metrics.ConnectionLifecycleHook
}

// Accept waits for the next client connection.
func (l *hookedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		l.cxHook.EmitConnectionError()
		return nil, err
	}

	l.cxHook.EmitConnectionOpen(0, conn.RemoteAddr())

	return &hookedConn{Conn: conn, cxHook: l.cxHook}, nil
}

// hookedConn reports its own closure exactly once.
type hookedConn struct {
	net.Conn
	cxHook metrics.ConnectionLifecycleHook
	once   sync.Once
}

// Close closes the underlying connection.
func (c *hookedConn) Close() error {
	c.once.Do(func() {
		c.cxHook.EmitConnectionClose(c.RemoteAddr())
	})

	return c.Conn.Close()
}

// acceptQuery admits every query message, including those without a question section, so that
// the handler decides how to treat them. Responses and non-QUERY opcodes are dropped without a
// reply.
func acceptQuery(dh dns.Header) dns.MsgAcceptAction {
	if isResponse := dh.Bits&(1<<15) != 0; isResponse {
		return dns.MsgIgnore
	}

	if opcode := int(dh.Bits>>11) & 0xF; opcode != dns.OpcodeQuery {
		return dns.MsgIgnore
	}

	return dns.MsgAccept
}
