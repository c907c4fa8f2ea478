package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AarC10/ipcbench/lib/ipc"
	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
)

// Mode selects what the manager tallies.
type Mode string

const (
	// ModeTotal counts messages.
	ModeTotal Mode = "total"
	// ModeCounts also keeps a frequency table of the words received.
	ModeCounts Mode = "counts"
)

func (m Mode) validate() error {
	switch m {
	case ModeTotal, ModeCounts:
		return nil
	default:
		return fmt.Errorf("report mode specified as %q, instead of %s or %s", string(m), ModeTotal, ModeCounts)
	}
}

// RunManager receives from ep until End-of-Stream and tallies what arrived.
// On failure the partial report is returned with the error.
func RunManager(ctx context.Context, ep ipc.Endpoint, opts ReportConfig) (*Report, error) {
	if opts.Label == "" {
		opts.Label = defaultLabel
	}
	if opts.Mode == "" {
		opts.Mode = ModeTotal
	}
	if err := opts.Mode.validate(); err != nil {
		return nil, err
	}

	log := logger.Log().Named("manager").With(zap.Stringer("transport", ep.Kind()))
	report := &Report{
		Label:     opts.Label,
		Transport: ep.Kind().String(),
		Mode:      opts.Mode,
		Started:   time.Now(),
	}
	if opts.Mode == ModeCounts {
		report.Counts = make(map[string]int)
	}

	for {
		msg, err := ep.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			report.Elapsed = time.Since(report.Started)
			return report, fmt.Errorf("after %d messages: %w", report.Count, err)
		}
		report.Count++
		report.Bytes += int64(len(msg))
		if report.Counts != nil {
			report.Counts[string(msg)]++
		}
	}

	report.Elapsed = time.Since(report.Started)
	log.Info("end of stream", zap.Int("messages", report.Count), zap.Int64("bytes", report.Bytes), zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// Manage opens the consumer side of the configured transport, waits for the
// calculator and collects the stream.
func Manage(ctx context.Context, cfg *Configuration, metrics *Metrics) (*Report, error) {
	ep, err := ipc.Open(ctx, cfg.Endpoint(), ipc.RoleConsumer)
	if err != nil {
		return nil, err
	}
	ep = metrics.Instrument(ep)
	defer func() {
		if err := ep.Close(); err != nil {
			logger.Warn("couldn't close endpoint", zap.Error(err))
		}
	}()

	return RunManager(ctx, ep, cfg.Report)
}
