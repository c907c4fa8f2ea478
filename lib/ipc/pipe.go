package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const fifoMode = 0o660

// PipeEndpoint streams framed messages through a named FIFO.
type PipeEndpoint struct {
	*streamEndpoint
	path string
}

// Path returns the FIFO's filesystem path.
func (p *PipeEndpoint) Path() string { return p.path }

// CreatePipe creates the FIFO at path, replacing anything a previous run left
// there, and opens it for reading. Opening a FIFO for reading blocks until a
// writer arrives; CreatePipe gives up with ErrTimeout when ctx expires.
// The returned endpoint unlinks the FIFO on Close.
func CreatePipe(ctx context.Context, path string, opts Options) (*PipeEndpoint, error) {
	log := logger.Log().Named("pipe").With(zap.String("path", path))

	if err := removeStale(path); err != nil {
		return nil, wrapErr(KindPipe, PhaseSetup, err)
	}
	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return nil, wrapErr(KindPipe, PhaseSetup, fmt.Errorf("mkfifo %s: %w", path, err))
	}
	owned, err := claimPath(path)
	if err != nil {
		return nil, wrapErr(KindPipe, PhaseSetup, err)
	}
	log.Debug("created fifo, waiting for writer")

	f, err := openFifoReader(ctx, path)
	if err != nil {
		_ = owned.release()
		return nil, wrapErr(KindPipe, PhaseConnect, err)
	}
	log.Debug("writer attached")

	e := newStreamEndpoint(KindPipe, RoleConsumer, f, opts)
	e.release = owned.release
	return &PipeEndpoint{streamEndpoint: e, path: path}, nil
}

// OpenPipe opens an existing FIFO for writing. Until a consumer has created
// the FIFO and opened it for reading, the open is retried under opts.Retry.
func OpenPipe(ctx context.Context, path string, opts Options) (*PipeEndpoint, error) {
	var f *os.File
	err := opts.Retry.run(ctx, KindPipe, pipeNotReady, func() error {
		var err error
		f, err = openFifoWriter(path)
		return err
	})
	if err != nil {
		return nil, wrapErr(KindPipe, PhaseConnect, err)
	}

	e := newStreamEndpoint(KindPipe, RoleProducer, f, opts)
	return &PipeEndpoint{streamEndpoint: e, path: path}, nil
}

// errPipeNotReady marks a path that holds something other than a FIFO, such
// as a file left by a crashed run that the consumer has yet to replace.
var errPipeNotReady = errors.New("fifo not ready")

// openFifoWriter opens path for writing without blocking and checks that it
// really is a FIFO.
func openFifoWriter(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err == nil && info.Mode()&fs.ModeNamedPipe == 0 {
		err = fmt.Errorf("%w: %s is not a fifo", errPipeNotReady, path)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// pipeNotReady matches the errors a non-blocking write open reports while the
// FIFO is missing, has no reader yet, or is still a stale file.
func pipeNotReady(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENXIO) || errors.Is(err, errPipeNotReady)
}

// openFifoReader runs the blocking read open in a goroutine. If ctx ends
// first, the pending open is released by briefly attaching a writer, and the
// resulting file is discarded.
func openFifoReader(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
	}

	for {
		if w, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		select {
		case r := <-done:
			if r.f != nil {
				_ = r.f.Close()
			}
			return nil, fmt.Errorf("waiting for writer: %w", timeoutErr(ctx.Err()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
