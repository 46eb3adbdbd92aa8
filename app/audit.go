package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"escrowflow/metrics"
)

const auditBatch = 100

// Auditor periodically scans settled deals for ledgers that do not conserve
// the deal amount. Each finding is logged and counted as an alert; nothing is
// repaired automatically.
type Auditor struct {
	store    AuditStore
	metrics  *metrics.Metrics
	log      *zap.Logger
	interval time.Duration
}

func NewAuditor(store AuditStore, mt *metrics.Metrics, log *zap.Logger, interval time.Duration) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Auditor{store: store, metrics: mt, log: log.With(zap.String("component", "audit")), interval: interval}
}

// Run audits once immediately and then on every tick until ctx is done.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if _, err := a.Check(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("ledger audit failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one audit pass and returns the offending deal ids.
func (a *Auditor) Check(ctx context.Context) ([]string, error) {
	ids, err := a.store.UnbalancedDeals(ctx, auditBatch)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		a.metrics.ConservationViolation()
		a.log.Error("settled deal ledger not conserved", zap.String("deal_id", id))
	}
	return ids, nil
}
