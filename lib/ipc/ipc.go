package ipc

import (
	"context"
	"fmt"
	"strings"
)

// Kind is one of the supported transports. The set is closed.
type Kind int

const (
	KindPipe Kind = iota + 1
	KindSocket
	KindShm
)

// Kinds lists every transport.
var Kinds = []Kind{KindPipe, KindSocket, KindShm}

func (k Kind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindSocket:
		return "socket"
	case KindShm:
		return "shm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the transport names used in configs and on the command line,
// including the service directory names used by the benchmark scripts.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pipe", "fifo", "os-pipe":
		return KindPipe, nil
	case "socket", "uds", "unix", "unix-domain-sockets":
		return KindSocket, nil
	case "shm", "shared-memory", "sharedmemory":
		return KindShm, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Role says which side of a session an endpoint plays.
type Role int

const (
	RoleProducer Role = iota + 1
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Endpoint is one side of a single-producer single-consumer message stream.
// Endpoints are not safe for concurrent use.
type Endpoint interface {
	Kind() Kind
	Role() Role

	// Send transmits one message. Producer only.
	Send(ctx context.Context, msg []byte) error
	// Finish transmits End-of-Stream and flushes. Producer only.
	Finish(ctx context.Context) error
	// Recv returns the next message, or io.EOF once End-of-Stream arrives.
	// Consumer only. The returned slice is owned by the caller.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the endpoint's resources. Calling it more than once is safe.
	Close() error
}
