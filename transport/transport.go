// Package transport abstracts the reliable, ordered, full-duplex byte stream
// the protocol runs over. The framework never touches raw sockets directly:
// the coordinator accepts streams from a Listener, the worker obtains them
// from a Dialer, and everything above sees only Conn.
//
// TCP is the primary transport; a WebSocket transport is provided for
// environments where only HTTP ingress is available, and an in-memory
// transport backs tests. Encryption or authentication belongs in a wrapping
// transport, not here.
package transport

import (
	"context"
	"io"
)

// Conn is one live byte stream. Reads and writes may block; Close unblocks
// both and is safe to call from any goroutine, more than once.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Listener accepts inbound streams on the coordinator side.
type Listener interface {
	// Accept blocks until the next inbound stream. It returns an error
	// after Close.
	Accept() (Conn, error)

	// Close stops the listener and unblocks Accept.
	Close() error

	// Addr describes the listening endpoint, for logs.
	Addr() string
}

// Dialer opens streams to the coordinator on the worker side.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
