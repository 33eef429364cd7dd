package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/carmisergio/pomegranate/transport"
)

func TestMemory_DialAccept(t *testing.T) {
	t.Parallel()

	mem := transport.NewMemory()
	defer mem.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := mem.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := mem.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-accepted

	go func() {
		if _, err := client.Write([]byte("ping")); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	buf := make([]byte, 4)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("read %q, want %q", buf, "ping")
	}

	client.Close()
	server.Close()
}

func TestMemory_CloseUnblocksAccept(t *testing.T) {
	t.Parallel()

	mem := transport.NewMemory()

	errCh := make(chan error, 1)
	go func() {
		_, err := mem.Accept()
		errCh <- err
	}()

	mem.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Accept returned nil error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock after Close")
	}
}

func TestMemory_DialAfterClose(t *testing.T) {
	t.Parallel()

	mem := transport.NewMemory()
	mem.Close()

	if _, err := mem.Dial(context.Background()); err == nil {
		t.Error("Dial after Close returned nil error")
	}
}

func TestMemory_DialHonorsContext(t *testing.T) {
	t.Parallel()

	mem := transport.NewMemory()
	defer mem.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody accepting: Dial must give up with the context error.
	if _, err := mem.Dial(ctx); err != context.DeadlineExceeded {
		t.Errorf("Dial error = %v, want context.DeadlineExceeded", err)
	}
}

func TestTCP_RoundTrip(t *testing.T) {
	t.Parallel()

	lis, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer lis.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := transport.TCPDialer(lis.Addr()).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server transport.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no accepted connection")
	}
	defer server.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("read %q, want %q", buf, "hello")
	}
}

func TestWrapListener(t *testing.T) {
	t.Parallel()

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	lis := transport.WrapListener(inner)
	defer lis.Close()

	if lis.Addr() != inner.Addr().String() {
		t.Errorf("Addr() = %q, want %q", lis.Addr(), inner.Addr().String())
	}
}
