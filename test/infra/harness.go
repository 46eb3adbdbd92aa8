package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/lock"
	"escrowflow/pgstore"
)

// Options selects existing servers to reuse instead of starting containers.
type Options struct {
	DSN       string
	RedisAddr string
	LockTTL   time.Duration
	Log       *zap.Logger
}

// Harness owns the Postgres and Redis the stress run talks to, plus the
// escrow components wired on top of them.
type Harness struct {
	pg       *PGContainer
	redis    *RedisContainer
	pool     *pgxpool.Pool
	teardown func(context.Context) error
	locker   *lock.RedisLocker

	Store    *pgstore.Store
	Deals    *deal.Machine
	Disputes *dispute.Resolver
}

// NewHarness starts (or reuses) the servers, applies the schema and wires the
// state machine and resolver. A reused database gets an isolated schema.
func NewHarness(ctx context.Context, opts Options) (*Harness, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = escrow.DefaultLockTTL
	}
	h := &Harness{}

	var (
		dsn string
		err error
	)
	h.pg, dsn, err = StartPostgres16(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := h.pg.C == nil

	h.pool, h.teardown, err = ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	var addr string
	h.redis, addr, err = StartRedis7(ctx, opts.RedisAddr)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("start redis: %w", err)
	}
	h.locker, err = lock.DialRedis(ctx, lock.Options{Addr: addr}, opts.Log)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("dial redis: %w", err)
	}

	h.Store = pgstore.New(h.pool, opts.Log)
	h.Deals = deal.New(h.Store, h.locker, deal.WithLogger(opts.Log), deal.WithLockTTL(opts.LockTTL))
	h.Disputes = dispute.NewResolver(h.Store, h.locker, dispute.WithLogger(opts.Log), dispute.WithLockTTL(opts.LockTTL))
	return h, nil
}

// Pool exposes the pgx pool for oracles and chaos.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources in reverse order.
func (h *Harness) Close(ctx context.Context) error {
	var errs []error
	if h.locker != nil {
		errs = append(errs, h.locker.Close())
	}
	errs = append(errs, h.redis.Terminate(ctx))
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		errs = append(errs, h.teardown(ctx))
	}
	errs = append(errs, h.pg.Terminate(ctx))
	return errors.Join(errs...)
}

// Reset truncates every escrow table to provide a clean slate for the next epoch.
// TRUNCATE does not fire the row-level append-only trigger on transactions.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{"outbox", "timeline_events", "transactions", "disputes", "deals"}
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
