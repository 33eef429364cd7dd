package transport

import (
	"context"
	"fmt"
	"net"
)

// tcpListener wraps a net.Listener.
type tcpListener struct {
	lis net.Listener
}

// ListenTCP starts a TCP listener on addr (e.g. ":7400").
func ListenTCP(addr string) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &tcpListener{lis: lis}, nil
}

// WrapListener adapts an already-bound net.Listener (for callers that manage
// sockets themselves, e.g. systemd activation or a TLS wrapper).
func WrapListener(lis net.Listener) Listener {
	return &tcpListener{lis: lis}
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.lis.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *tcpListener) Close() error { return l.lis.Close() }

func (l *tcpListener) Addr() string { return l.lis.Addr().String() }

// tcpDialer dials a fixed coordinator address.
type tcpDialer struct {
	addr string
}

// TCPDialer returns a Dialer that connects to the coordinator at addr.
func TCPDialer(addr string) Dialer {
	return &tcpDialer{addr: addr}
}

func (d *tcpDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", d.addr, err)
	}
	return conn, nil
}
