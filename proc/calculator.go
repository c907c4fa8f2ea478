package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AarC10/ipcbench/lib/ipc"
	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
)

// CalculatorResult summarises what the producer sent.
type CalculatorResult struct {
	Sent    int
	Bytes   int64
	Elapsed time.Duration
}

// RunCalculator streams every word of input to ep, one message per word, and
// then sends End-of-Stream. If streaming fails End-of-Stream is not sent, so
// the consumer sees the session end early instead of a short count.
func RunCalculator(ctx context.Context, ep ipc.Endpoint, input io.Reader, maxToken int) (CalculatorResult, error) {
	log := logger.Log().Named("calculator").With(zap.Stringer("transport", ep.Kind()))
	var result CalculatorResult
	start := time.Now()

	err := Tokens(input, maxToken, func(word []byte) error {
		if err := ep.Send(ctx, word); err != nil {
			return err
		}
		result.Sent++
		result.Bytes += int64(len(word))
		return nil
	})
	if err != nil {
		result.Elapsed = time.Since(start)
		return result, fmt.Errorf("after %d messages: %w", result.Sent, err)
	}
	if err := ep.Finish(ctx); err != nil {
		result.Elapsed = time.Since(start)
		return result, fmt.Errorf("sending end of stream: %w", err)
	}

	result.Elapsed = time.Since(start)
	log.Info("stream complete", zap.Int("messages", result.Sent), zap.Int64("bytes", result.Bytes), zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// Calculate opens the producer side of the configured transport and streams
// the file at path through it.
func Calculate(ctx context.Context, cfg *Configuration, path string, metrics *Metrics) (CalculatorResult, error) {
	input, err := os.Open(path)
	if err != nil {
		return CalculatorResult{}, fmt.Errorf("opening input: %w", err)
	}
	defer input.Close()

	ep, err := ipc.Open(ctx, cfg.Endpoint(), ipc.RoleProducer)
	if err != nil {
		return CalculatorResult{}, err
	}
	ep = metrics.Instrument(ep)
	defer func() {
		if err := ep.Close(); err != nil {
			logger.Warn("couldn't close endpoint", zap.Error(err))
		}
	}()

	return RunCalculator(ctx, ep, input, cfg.MaxMessageSize)
}
