package ipc

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultPipePath       = "/tmp/request-pipe-request"
	DefaultSocketPath     = "/tmp/service.sock"
	DefaultShmName        = "request"
	DefaultConnectTimeout = 10 * time.Second
	DefaultIOTimeout      = 30 * time.Second
)

// Options are the settings shared by every transport.
type Options struct {
	// MaxMessageSize bounds a single message on the stream transports.
	MaxMessageSize int
	// IOTimeout bounds each Send, Finish and Recv. Zero leaves only the
	// context deadline.
	IOTimeout time.Duration
	// Retry governs the producer's attach loop.
	Retry RetryPolicy
}

func (o Options) maxMessage() int {
	if o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}

// Config selects and parameterises a transport for Open.
type Config struct {
	Kind Kind

	PipePath   string
	SocketPath string
	ShmDir     string
	ShmName    string
	SlotSize   int
	Slots      int

	MaxMessageSize int
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Retry          RetryPolicy
}

// DefaultConfig returns a Config for kind with every other field at its default.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:           kind,
		PipePath:       DefaultPipePath,
		SocketPath:     DefaultSocketPath,
		ShmDir:         DefaultShmDir,
		ShmName:        DefaultShmName,
		SlotSize:       DefaultShmSlotSize,
		Slots:          DefaultShmSlots,
		MaxMessageSize: DefaultMaxMessageSize,
		ConnectTimeout: DefaultConnectTimeout,
		IOTimeout:      DefaultIOTimeout,
		Retry:          DefaultRetryPolicy(),
	}
}

func (c Config) options() Options {
	return Options{MaxMessageSize: c.MaxMessageSize, IOTimeout: c.IOTimeout, Retry: c.Retry}
}

func (c Config) shmOptions() ShmOptions {
	return ShmOptions{Options: c.options(), Dir: c.ShmDir, SlotSize: c.SlotSize, Slots: c.Slots}
}

// Open sets up the transport named by cfg.Kind for role and returns the
// ready endpoint. A consumer creates the resource and waits for its producer;
// a producer retries until the consumer's resource is ready. Both waits are
// bounded by ctx and cfg.ConnectTimeout.
func Open(ctx context.Context, cfg Config, role Role) (Endpoint, error) {
	if role != RoleProducer && role != RoleConsumer {
		return nil, wrapErr(cfg.Kind, PhaseSetup, fmt.Errorf("invalid role %s", role))
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		ep  Endpoint
		err error
	)
	switch cfg.Kind {
	case KindPipe:
		if role == RoleConsumer {
			ep, err = endpoint(CreatePipe(ctx, cfg.PipePath, cfg.options()))
		} else {
			ep, err = endpoint(OpenPipe(ctx, cfg.PipePath, cfg.options()))
		}
	case KindSocket:
		if role == RoleConsumer {
			ep, err = endpoint(listenAndAccept(ctx, cfg.SocketPath, cfg.options()))
		} else {
			ep, err = endpoint(DialSocket(ctx, cfg.SocketPath, cfg.options()))
		}
	case KindShm:
		if role == RoleConsumer {
			ep, err = openShmConsumer(ctx, cfg)
		} else {
			ep, err = endpoint(AttachShm(ctx, cfg.ShmName, cfg.shmOptions()))
		}
	default:
		err = wrapErr(cfg.Kind, PhaseSetup, fmt.Errorf("unsupported transport %s", cfg.Kind))
	}
	return ep, err
}

func openShmConsumer(ctx context.Context, cfg Config) (Endpoint, error) {
	e, err := CreateShm(cfg.ShmName, cfg.shmOptions())
	if err != nil {
		return nil, err
	}
	if err := e.WaitForProducer(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// endpoint keeps a failed constructor's nil pointer out of the interface.
func endpoint[E Endpoint](e E, err error) (Endpoint, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
