// Package retry re-invokes escrow operations that failed with a retryable
// error (a busy deal lock or a transient store failure), backing off between
// attempts.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

const (
	defaultMinDelay    = 50 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
	defaultFactor      = 2
	defaultMaxAttempts = 5
)

type Policy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
	Jitter      bool
	Log         *zap.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MinDelay:    defaultMinDelay,
		MaxDelay:    defaultMaxDelay,
		Factor:      defaultFactor,
		MaxAttempts: defaultMaxAttempts,
		Jitter:      true,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil || !escrow.Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		delay := b.Duration()
		log.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.String("kind", escrow.Kind(err)))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
