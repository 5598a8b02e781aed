package nsq

import (
	"context"
	"net"
	"time"
)

// Dialer establishes connections to nsqd.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

// Dial calls f(ctx, address).
func (f DialerFunc) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// TCPDialer connects to nsqd over plain TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the system default.
	KeepAlive time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// UnixDialer connects to nsqd started with --use-unix-sockets.
// Every dial goes to Path; the endpoint address is ignored.
type UnixDialer struct {
	Path string
}

// NewUnixDialer creates a new Unix socket dialer.
func NewUnixDialer(path string) *UnixDialer {
	return &UnixDialer{Path: path}
}

// Dial connects to the Unix socket.
func (d *UnixDialer) Dial(ctx context.Context, _ string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", d.Path)
}
