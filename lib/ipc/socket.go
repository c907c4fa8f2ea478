package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// socketBacklog is one: a session has a single producer.
const socketBacklog = 1

// SocketListener is the consumer's listening Unix-domain socket.
type SocketListener struct {
	ln    *net.UnixListener
	owned *ownedPath
	opts  Options

	closed bool
}

// SocketEndpoint streams framed messages over a connected Unix-domain socket.
type SocketEndpoint struct {
	*streamEndpoint
	conn *net.UnixConn
}

// ListenSocket binds a stream socket at path, replacing a stale socket file
// from a previous run, and listens with a backlog of one.
func ListenSocket(path string, opts Options) (*SocketListener, error) {
	if err := removeStale(path); err != nil {
		return nil, wrapErr(KindSocket, PhaseSetup, err)
	}
	ln, err := listenUnix(path)
	if err != nil {
		return nil, wrapErr(KindSocket, PhaseSetup, err)
	}
	owned, err := claimPath(path)
	if err != nil {
		_ = ln.Close()
		return nil, wrapErr(KindSocket, PhaseSetup, err)
	}
	logger.Log().Named("socket").Debug("listening", zap.String("path", path))
	return &SocketListener{ln: ln, owned: owned, opts: opts}, nil
}

func listenUnix(path string) (*net.UnixListener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, socketBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping listener: %w", err)
	}
	return ln.(*net.UnixListener), nil
}

// Path returns the socket's filesystem path.
func (l *SocketListener) Path() string { return l.owned.path }

// Accept waits for the producer to connect. It returns ErrTimeout when ctx
// expires or the connect timeout elapses first.
func (l *SocketListener) Accept(ctx context.Context) (*SocketEndpoint, error) {
	if l.closed {
		return nil, wrapErr(KindSocket, PhaseConnect, ErrClosed)
	}
	_ = l.ln.SetDeadline(waitDeadline(ctx, 0))
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Now()) })
	conn, err := l.ln.AcceptUnix()
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("waiting for producer: %w", timeoutErr(ctxErr))
		}
		return nil, wrapErr(KindSocket, PhaseConnect, timeoutErr(err))
	}
	_ = l.ln.SetDeadline(time.Time{})

	e := newStreamEndpoint(KindSocket, RoleConsumer, conn, l.opts)
	return &SocketEndpoint{streamEndpoint: e, conn: conn}, nil
}

// Close stops listening and unlinks the socket path. It is safe to call more
// than once.
func (l *SocketListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return wrapErr(KindSocket, PhaseClose, errors.Join(l.ln.Close(), l.owned.release()))
}

// DialSocket connects to the consumer listening at path, retrying under
// opts.Retry while the socket does not exist or refuses connections.
func DialSocket(ctx context.Context, path string, opts Options) (*SocketEndpoint, error) {
	var conn *net.UnixConn
	var dialer net.Dialer
	err := opts.Retry.run(ctx, KindSocket, socketNotReady, func() error {
		c, err := dialer.DialContext(ctx, "unix", path)
		if err != nil {
			return err
		}
		conn = c.(*net.UnixConn)
		return nil
	})
	if err != nil {
		return nil, wrapErr(KindSocket, PhaseConnect, timeoutErr(err))
	}

	e := newStreamEndpoint(KindSocket, RoleProducer, conn, opts)
	return &SocketEndpoint{streamEndpoint: e, conn: conn}, nil
}

// socketNotReady matches the errors seen when dialing before the consumer
// listens: no socket file yet, a stale file with no listener, or a full backlog.
func socketNotReady(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EAGAIN)
}

// listenAndAccept listens at path and waits for the producer. The returned
// endpoint owns the listener as well as the accepted connection.
func listenAndAccept(ctx context.Context, path string, opts Options) (*SocketEndpoint, error) {
	l, err := ListenSocket(path, opts)
	if err != nil {
		return nil, err
	}
	e, err := l.Accept(ctx)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	e.release = l.Close
	return e, nil
}
