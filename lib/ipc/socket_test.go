package ipc

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestListenSocketAcceptsOneProducer(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig(t, KindSocket)

	l, err := ListenSocket(cfg.SocketPath, cfg.options())
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}
	if l.Path() != cfg.SocketPath {
		t.Errorf("Path: got %q, want %q", l.Path(), cfg.SocketPath)
	}
	info, err := os.Lstat(cfg.SocketPath)
	if err != nil || info.Mode()&fs.ModeSocket == 0 {
		t.Fatalf("no socket at %s: %v", cfg.SocketPath, err)
	}

	producer, err := DialSocket(t.Context(), cfg.SocketPath, cfg.options())
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer producer.Close()
	consumer, err := l.Accept(t.Context())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer consumer.Close()

	if err := producer.Send(t.Context(), []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := producer.Finish(t.Context()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if msg, err := consumer.Recv(t.Context()); err != nil || string(msg) != "hello" {
		t.Errorf("Recv: got %q, %v", msg, err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second listener Close: %v", err)
	}
	if _, err := os.Lstat(cfg.SocketPath); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("socket path survived Close: %v", err)
	}
	if _, err := l.Accept(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept after Close: got %v, want ErrClosed", err)
	}
}

func TestListenSocketReplacesDeadSocket(t *testing.T) {
	cfg := testConfig(t, KindSocket)

	// A listener that went away without unlinking, as after a crash.
	old, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	old.SetUnlinkOnClose(false)
	old.Close()

	l, err := ListenSocket(cfg.SocketPath, cfg.options())
	if err != nil {
		t.Fatalf("ListenSocket over a dead socket: %v", err)
	}
	defer l.Close()
	producer, err := DialSocket(t.Context(), cfg.SocketPath, cfg.options())
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	producer.Close()
}

func TestDialSocketRefusedByDeadSocket(t *testing.T) {
	cfg := testConfig(t, KindSocket)
	cfg.Retry = RetryPolicy{Attempts: 4, Backoff: time.Millisecond}

	old, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	old.SetUnlinkOnClose(false)
	old.Close()

	if _, err := DialSocket(t.Context(), cfg.SocketPath, cfg.options()); !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("DialSocket: got %v, want ErrRetryExhausted", err)
	}
}
