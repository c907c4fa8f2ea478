package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrTimeout reports that a bounded wait ran out of budget.
	ErrTimeout = errors.New("timed out")
	// ErrRetryExhausted reports that a producer gave up attaching after its retry budget.
	ErrRetryExhausted = errors.New("retry budget exhausted")
	// ErrFraming reports a length prefix that is inconsistent with the stream.
	ErrFraming = errors.New("framing corruption")
	// ErrSlotState reports a shared memory slot found in the wrong state.
	ErrSlotState = errors.New("unexpected slot state")
	// ErrPeerClosed reports that the peer went away before End-of-Stream.
	ErrPeerClosed = errors.New("peer closed before end of stream")
	// ErrWrongRole reports an operation that the endpoint's role does not support.
	ErrWrongRole = errors.New("operation not valid for endpoint role")
	// ErrClosed reports use of an endpoint after Close.
	ErrClosed = errors.New("endpoint closed")
	// ErrMessageTooLarge reports a message that does not fit the transport.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrAlreadyAttached reports a second producer on a shared memory region.
	ErrAlreadyAttached = errors.New("region already has a producer")
	// ErrNeedMoreData is returned by Decode when the stream holds no complete frame yet.
	ErrNeedMoreData = errors.New("need more data")
)

// Phase names the stage of a session an error happened in.
type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseConnect Phase = "connect"
	PhaseSend    Phase = "send"
	PhaseRecv    Phase = "recv"
	PhaseClose   Phase = "close"
)

// Error ties a failure to the transport and phase it came from.
type Error struct {
	Kind  Kind
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind Kind, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		return err
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// IsSetup reports whether err is a resource setup failure.
func IsSetup(err error) bool {
	var ipcErr *Error
	return errors.As(err, &ipcErr) && ipcErr.Phase == PhaseSetup
}

// timeoutErr normalises deadline errors from the os, net and context packages
// into ErrTimeout, leaving cancellation and everything else untouched.
func timeoutErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}
