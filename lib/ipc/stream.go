package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"
)

const streamBufferSize = 64 * 1024

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type streamConn interface {
	io.ReadWriteCloser
	deadliner
}

// streamEndpoint frames messages over a byte stream. The pipe and socket
// transports differ only in how the stream is set up and torn down.
type streamEndpoint struct {
	kind Kind
	role Role
	conn streamConn

	reader *FrameReader
	writer *FrameWriter

	maxMessage int
	ioTimeout  time.Duration

	// release runs after conn is closed, for listeners and owned paths.
	release func() error

	finished bool
	eos      bool
	closed   bool
}

func newStreamEndpoint(kind Kind, role Role, conn streamConn, opts Options) *streamEndpoint {
	e := &streamEndpoint{
		kind:       kind,
		role:       role,
		conn:       conn,
		maxMessage: opts.maxMessage(),
		ioTimeout:  opts.IOTimeout,
	}
	if role == RoleProducer {
		e.writer = NewFrameWriter(conn, streamBufferSize)
	} else {
		e.reader = NewFrameReader(conn, e.maxMessage)
	}
	return e
}

func (e *streamEndpoint) Kind() Kind { return e.kind }
func (e *streamEndpoint) Role() Role { return e.role }

func (e *streamEndpoint) Send(ctx context.Context, msg []byte) error {
	if err := e.check(RoleProducer, PhaseSend); err != nil {
		return err
	}
	if e.finished {
		return wrapErr(e.kind, PhaseSend, fmt.Errorf("send after end of stream: %w", ErrClosed))
	}
	if len(msg) > e.maxMessage {
		return wrapErr(e.kind, PhaseSend, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(msg), e.maxMessage))
	}
	disarm := e.arm(ctx, e.conn.SetWriteDeadline)
	err := e.writer.WriteFrame(msg)
	disarm()
	return e.opErr(ctx, PhaseSend, err)
}

func (e *streamEndpoint) Finish(ctx context.Context) error {
	if err := e.check(RoleProducer, PhaseSend); err != nil {
		return err
	}
	if e.finished {
		return nil
	}
	disarm := e.arm(ctx, e.conn.SetWriteDeadline)
	err := e.writer.WriteEndOfStream()
	if err == nil {
		err = e.writer.Flush()
	}
	disarm()
	if err != nil {
		return e.opErr(ctx, PhaseSend, err)
	}
	e.finished = true
	return nil
}

func (e *streamEndpoint) Recv(ctx context.Context) ([]byte, error) {
	if err := e.check(RoleConsumer, PhaseRecv); err != nil {
		return nil, err
	}
	if e.eos {
		return nil, io.EOF
	}
	disarm := e.arm(ctx, e.conn.SetReadDeadline)
	frame, err := e.reader.ReadFrame()
	disarm()
	if err != nil {
		return nil, e.opErr(ctx, PhaseRecv, err)
	}
	if frame.EndOfStream {
		e.eos = true
		return nil, io.EOF
	}
	return frame.Payload, nil
}

func (e *streamEndpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.writer != nil && !e.finished {
		// Deliver what was sent; the missing End-of-Stream still tells the
		// consumer the session ended early.
		_ = e.conn.SetWriteDeadline(waitDeadline(context.Background(), e.ioTimeout))
		_ = e.writer.Flush()
	}
	err := e.conn.Close()
	if e.release != nil {
		err = errors.Join(err, e.release())
	}
	return wrapErr(e.kind, PhaseClose, err)
}

func (e *streamEndpoint) check(role Role, phase Phase) error {
	if e.closed {
		return wrapErr(e.kind, phase, ErrClosed)
	}
	if e.role != role {
		return wrapErr(e.kind, phase, fmt.Errorf("%w: %s on %s", ErrWrongRole, phase, e.role))
	}
	return nil
}

// arm applies the tighter of the context deadline and the IO timeout, and
// makes cancellation of ctx interrupt the pending operation.
func (e *streamEndpoint) arm(ctx context.Context, set func(time.Time) error) (disarm func()) {
	deadline := waitDeadline(ctx, e.ioTimeout)
	_ = set(deadline)
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { _ = set(time.Now()) })
	return func() { stop() }
}

func (e *streamEndpoint) opErr(ctx context.Context, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", timeoutErr(ctxErr), err)
	} else if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		err = fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return wrapErr(e.kind, phase, timeoutErr(err))
}

// waitDeadline returns the earlier of ctx's deadline and now+budget, or the
// zero time when neither bounds the wait.
func waitDeadline(ctx context.Context, budget time.Duration) time.Time {
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
