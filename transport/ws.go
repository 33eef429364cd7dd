package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn carries the byte stream over WebSocket binary messages: each Write
// is one message, Read drains messages in order. Control frames (ping/close)
// are handled inside wsutil.
type wsConn struct {
	conn   net.Conn
	client bool
	buf    []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		var (
			data []byte
			err  error
		)
		if c.client {
			data, err = wsutil.ReadServerBinary(c.conn)
		} else {
			data, err = wsutil.ReadClientBinary(c.conn)
		}
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	var err error
	if c.client {
		err = wsutil.WriteClientBinary(c.conn, p)
	} else {
		err = wsutil.WriteServerBinary(c.conn, p)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.conn.Close() }

// wsListener upgrades inbound TCP connections to WebSocket.
type wsListener struct {
	lis net.Listener
}

// ListenWS starts a WebSocket listener on addr. Each accepted connection is
// upgraded with a zero-configuration handshake.
func ListenWS(addr string) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &wsListener{lis: lis}, nil
}

func (l *wsListener) Accept() (Conn, error) {
	for {
		conn, err := l.lis.Accept()
		if err != nil {
			return nil, err
		}
		if _, err := ws.Upgrade(conn); err != nil {
			// Bad handshake from this peer only; keep listening.
			conn.Close()
			continue
		}
		return &wsConn{conn: conn, client: false}, nil
	}
}

func (l *wsListener) Close() error { return l.lis.Close() }

func (l *wsListener) Addr() string { return l.lis.Addr().String() }

// wsDialer connects to a coordinator's WebSocket endpoint.
type wsDialer struct {
	url string
}

// WSDialer returns a Dialer that connects to the coordinator at url
// (e.g. "ws://coordinator:7401/").
func WSDialer(url string) Dialer {
	return &wsDialer{url: url}
}

func (d *wsDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, _, err := ws.Dial(ctx, d.url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", d.url, err)
	}
	return &wsConn{conn: conn, client: true}, nil
}
