package network

import (
	"net"
	"time"
)

// TCPConn is an abstraction over a net.Conn that provides dynamic read and write timeouts. Each
// read and write pushes its own deadline forward, so an idle pooled connection never carries a
// stale deadline into its next exchange.
type TCPConn struct {
	readTimeout  time.Duration
	writeTimeout time.Duration

	net.Conn
}

// NewTCPConn creates a TCPConn from a backing net.Conn.
func NewTCPConn(conn net.Conn, readTimeout time.Duration, writeTimeout time.Duration) *TCPConn {
	return &TCPConn{
		Conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Read sets a read deadline followed by reading from the backing connection.
func (c *TCPConn) Read(buf []byte) (n int, err error) {
	if c.readTimeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Read(buf)
}

// Write sets a write deadline followed by writing to the backing connection.
func (c *TCPConn) Write(buf []byte) (n int, err error) {
	if c.writeTimeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Write(buf)
}
