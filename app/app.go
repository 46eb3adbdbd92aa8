// Package app wires configuration, storage, the deal lock and the escrow
// services into one explicitly owned set of collaborators.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/lock"
	"escrowflow/memstore"
	"escrowflow/metrics"
	"escrowflow/pgstore"
)

// AuditStore reports settled deals whose ledger does not add up.
type AuditStore interface {
	UnbalancedDeals(ctx context.Context, limit int) ([]string, error)
}

type lockCloser interface {
	escrow.Locker
	Close() error
}

type App struct {
	Cfg      config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    escrow.Store
	Audit    AuditStore
	Locker   escrow.Locker
	Deals    *deal.Machine
	Disputes *dispute.Resolver

	closers []func() error
}

// New opens every collaborator named by cfg. Without a database URL the
// service runs on the in-memory store, which is only safe for a single
// instance.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, Log: log, Registry: prometheus.NewRegistry()}

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt, err := metrics.New(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}
	a.Metrics = mt

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Deals = deal.New(a.Store, a.Locker,
		deal.WithLogger(log),
		deal.WithLockTTL(cfg.LockTTL),
		deal.WithMetrics(mt),
	)
	a.Disputes = dispute.NewResolver(a.Store, a.Locker,
		dispute.WithLogger(log),
		dispute.WithLockTTL(cfg.LockTTL),
		dispute.WithMetrics(mt),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Cfg.DatabaseURL == "" {
		a.Log.Warn("no database configured; using in-memory store")
		mem := memstore.New()
		a.Store, a.Audit = mem, mem
		return nil
	}

	pool, err := db.NewPool(ctx, a.Cfg.DatabaseURL, db.PoolOptions{MaxConns: a.Cfg.PoolMaxConns})
	if err != nil {
		return fmt.Errorf("app: init postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	pg := pgstore.New(pool, a.Log)
	a.Store, a.Audit = pg, pg
	return nil
}

func (a *App) openLocker(ctx context.Context) error {
	opts := lock.Options{Password: a.Cfg.RedisPassword, DB: a.Cfg.RedisDB}

	var (
		l   lockCloser
		err error
	)
	if a.Cfg.Redlock() {
		l, err = lock.DialRedlock(ctx, a.Cfg.RedisAddrs, opts, a.Log)
	} else {
		opts.Addr = a.Cfg.RedisAddrs[0]
		l, err = lock.DialRedis(ctx, opts, a.Log)
	}
	if err != nil {
		return fmt.Errorf("app: init lock: %w", err)
	}
	a.Locker = l
	a.closers = append(a.closers, l.Close)
	a.Log.Info("deal lock ready", zap.Strings("redis_addrs", a.Cfg.RedisAddrs), zap.Bool("redlock", a.Cfg.Redlock()))
	return nil
}

// Close releases collaborators in reverse order of opening.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
