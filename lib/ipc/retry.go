package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts   = 50
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultRetryMaxBackoff = time.Second
)

// RetryPolicy bounds how a producer waits for its consumer to come up.
type RetryPolicy struct {
	// Attempts is the maximum number of tries. Zero means retry until the
	// context expires.
	Attempts int
	// Backoff is the wait after the first failed attempt; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used when a config leaves retry unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   DefaultRetryAttempts,
		Backoff:    DefaultRetryBackoff,
		MaxBackoff: DefaultRetryMaxBackoff,
	}
}

// run calls attempt until it succeeds, returns an error that retryable
// rejects, the attempt budget runs out, or ctx is done.
func (p RetryPolicy) run(ctx context.Context, kind Kind, retryable func(error) bool, attempt func() error) error {
	log := logger.Log().Named("retry").With(zap.Stringer("transport", kind))
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	maxBackoff := max(p.MaxBackoff, backoff)

	for n := 1; ; n++ {
		err := attempt()
		if err == nil {
			if n > 1 {
				log.Debug("attached after retries", zap.Int("attempts", n))
			}
			return nil
		}
		if !retryable(err) {
			return err
		}
		if p.Attempts > 0 && n >= p.Attempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, n, err)
		}
		log.Debug("peer not ready, retrying", zap.Int("attempt", n), zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w after %d attempts: %v", timeoutErr(ctx.Err()), n, err)
		}
		backoff = min(maxBackoff, backoff*2)
	}
}
