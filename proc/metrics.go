package proc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/AarC10/ipcbench/lib/ipc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one process's endpoint.
type Metrics struct {
	Messages   *prometheus.CounterVec
	Bytes      *prometheus.CounterVec
	OpDuration *prometheus.HistogramVec
	Errors     *prometheus.CounterVec
	Sessions   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcbench_messages_total",
				Help: "Messages sent or received, excluding end of stream",
			},
			[]string{"transport", "role"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcbench_message_bytes_total",
				Help: "Payload bytes sent or received",
			},
			[]string{"transport", "role"},
		),
		OpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipcbench_op_duration_seconds",
				Help:    "Time spent in a single endpoint operation",
				Buckets: []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001, .005, .01, .1, 1},
			},
			[]string{"transport", "op"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcbench_errors_total",
				Help: "Endpoint operation failures by cause",
			},
			[]string{"transport", "op", "cause"},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcbench_sessions_total",
				Help: "Sessions that reached end of stream",
			},
			[]string{"transport", "role"},
		),
	}
}

// Instrument wraps ep so that its traffic is recorded. A nil Metrics returns
// ep unchanged.
func (m *Metrics) Instrument(ep ipc.Endpoint) ipc.Endpoint {
	if m == nil {
		return ep
	}
	return &instrumentedEndpoint{Endpoint: ep, m: m, transport: ep.Kind().String(), role: ep.Role().String()}
}

type instrumentedEndpoint struct {
	ipc.Endpoint
	m         *Metrics
	transport string
	role      string
}

func (e *instrumentedEndpoint) observe(op string, start time.Time, err error) {
	e.m.OpDuration.WithLabelValues(e.transport, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, io.EOF) {
		e.m.Errors.WithLabelValues(e.transport, op, errorCause(err)).Inc()
	}
}

func (e *instrumentedEndpoint) Send(ctx context.Context, msg []byte) error {
	start := time.Now()
	err := e.Endpoint.Send(ctx, msg)
	e.observe("send", start, err)
	if err == nil {
		e.m.Messages.WithLabelValues(e.transport, e.role).Inc()
		e.m.Bytes.WithLabelValues(e.transport, e.role).Add(float64(len(msg)))
	}
	return err
}

func (e *instrumentedEndpoint) Finish(ctx context.Context) error {
	start := time.Now()
	err := e.Endpoint.Finish(ctx)
	e.observe("finish", start, err)
	if err == nil {
		e.m.Sessions.WithLabelValues(e.transport, e.role).Inc()
	}
	return err
}

func (e *instrumentedEndpoint) Recv(ctx context.Context) ([]byte, error) {
	start := time.Now()
	msg, err := e.Endpoint.Recv(ctx)
	e.observe("recv", start, err)
	switch {
	case err == nil:
		e.m.Messages.WithLabelValues(e.transport, e.role).Inc()
		e.m.Bytes.WithLabelValues(e.transport, e.role).Add(float64(len(msg)))
	case errors.Is(err, io.EOF):
		e.m.Sessions.WithLabelValues(e.transport, e.role).Inc()
	}
	return msg, err
}

func errorCause(err error) string {
	switch {
	case errors.Is(err, ipc.ErrTimeout):
		return "timeout"
	case errors.Is(err, ipc.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ipc.ErrFraming):
		return "framing"
	case errors.Is(err, ipc.ErrSlotState):
		return "slot_state"
	case errors.Is(err, ipc.ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ipc.ErrClosed):
		return "closed"
	case errors.Is(err, ipc.ErrWrongRole):
		return "wrong_role"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
