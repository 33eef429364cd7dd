package transport

import (
	"context"
	"net"
	"sync"
)

// Memory is an in-process transport: the Dialer side hands one end of a
// net.Pipe to the Listener side. Intended for tests and single-process
// development setups.
type Memory struct {
	accept chan Conn
	done   chan struct{}
	once   sync.Once
}

// NewMemory creates an in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		accept: make(chan Conn),
		done:   make(chan struct{}),
	}
}

// Accept implements Listener.
func (m *Memory) Accept() (Conn, error) {
	select {
	case conn := <-m.accept:
		return conn, nil
	case <-m.done:
		return nil, net.ErrClosed
	}
}

// Close implements Listener.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Addr implements Listener.
func (m *Memory) Addr() string { return "memory" }

// Dial implements Dialer.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	client, server := net.Pipe()
	select {
	case m.accept <- server:
		return client, nil
	case <-m.done:
		client.Close()
		server.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

var (
	_ Listener = (*Memory)(nil)
	_ Dialer   = (*Memory)(nil)
)
