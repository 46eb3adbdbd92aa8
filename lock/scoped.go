package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/escrow"
)

const releaseTimeout = 2 * time.Second

// WithLock acquires key, runs fn while holding it and releases it on every
// exit path. A held key yields escrow.ErrLockBusy without waiting. fn runs
// under a context bounded by ttl so nothing commits after the lock may have
// expired.
func WithLock(ctx context.Context, l escrow.Locker, key string, ttl time.Duration, log *zap.Logger, fn func(ctx context.Context) error) error {
	if log == nil {
		log = zap.NewNop()
	}

	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		log.Warn("deal lock busy", zap.String("lock_key", key))
		return fmt.Errorf("%w: %s", escrow.ErrLockBusy, key)
	}

	defer func() {
		// Release even when the caller has gone away.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := l.Release(rctx, key, token); err != nil {
			log.Error("release deal lock", zap.String("lock_key", key), zap.Error(err))
		}
	}()

	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(fnCtx)
}
