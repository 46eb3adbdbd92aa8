// Package dispute closes disputes by splitting the escrowed amount between
// buyer and supplier and completing the parent deal.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/lock"
	"escrowflow/metrics"
)

const opResolve = "resolve_dispute"

type Resolver struct {
	store   escrow.Store
	locker  escrow.Locker
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Resolver)

func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithTracer(tr trace.Tracer) Option {
	return func(r *Resolver) {
		if tr != nil {
			r.tracer = tr
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store escrow.Store, locker escrow.Locker, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		locker: locker,
		ttl:    escrow.DefaultLockTTL,
		log:    zap.NewNop(),
		tracer: otel.Tracer("escrowflow/dispute"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("component", "dispute"))
	return r
}

// Resolve records the ruling, appends the buyer refund and supplier payout as
// one unit, closes the dispute and completes the deal. The deal always ends
// COMPLETED, including a full refund to the buyer.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (out Outcome, err error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	start := r.now()
	ctx, span := r.tracer.Start(ctx, "dispute.Resolve", trace.WithAttributes(attribute.String("dispute.id", req.DisputeID)))
	defer func() {
		kind := escrow.Kind(err)
		r.metrics.Observe(opResolve, kind, r.now().Sub(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			r.logFailure(req.DisputeID, kind, err)
		}
		span.End()
	}()

	// The lock key comes from the dispute's deal; everything is re-read under the lock.
	pre, err := r.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return Outcome{}, err
	}
	if pre.Status != escrow.DisputeOpen {
		return Outcome{}, fmt.Errorf("%w: %s", escrow.ErrDisputeAlreadyClosed, pre.ID)
	}
	span.SetAttributes(attribute.String("deal.id", pre.DealID))

	err = lock.WithLock(ctx, r.locker, escrow.LockKey(pre.DealID), r.ttl, r.log, func(ctx context.Context) error {
		err := r.store.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
			var err error
			out, err = r.resolve(ctx, tx, req)
			return err
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return escrow.ClassifyWrite(err)
		}
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	r.metrics.Transition(string(escrow.StatusDispute), string(escrow.StatusCompleted))
	r.log.Info("dispute resolved",
		zap.String("dispute_id", out.Dispute.ID),
		zap.String("deal_id", out.Deal.ID),
		zap.String("refund", req.RefundAmount.String()),
		zap.String("from", string(escrow.StatusDispute)),
		zap.String("to", string(escrow.StatusCompleted)),
	)

	if err := r.verifyConservation(ctx, out.Deal); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, tx escrow.Tx, req ResolveRequest) (Outcome, error) {
	disp, err := tx.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return Outcome{}, err
	}
	if disp.Status != escrow.DisputeOpen {
		return Outcome{}, fmt.Errorf("%w: %s", escrow.ErrDisputeAlreadyClosed, disp.ID)
	}

	d, err := tx.GetDeal(ctx, disp.DealID)
	if err != nil {
		return Outcome{}, err
	}
	if req.RefundAmount.IsNegative() || req.RefundAmount.GreaterThan(d.TotalAmount) {
		return Outcome{}, fmt.Errorf("%w: %s not in [0, %s]", escrow.ErrInvalidRefundAmount, req.RefundAmount, d.TotalAmount)
	}
	if !d.IsParty(req.WinnerCompanyID) {
		return Outcome{}, fmt.Errorf("%w: %s", escrow.ErrUnauthorizedWinner, req.WinnerCompanyID)
	}
	if d.Status != escrow.StatusDispute || !escrow.CanTransition(d.Status, escrow.StatusCompleted) {
		return Outcome{}, escrow.NewTransitionError(d.ID, d.Status, escrow.StatusCompleted)
	}

	toBuyer, toSupplier := ledger.Split(d.TotalAmount, req.RefundAmount)
	legs := []ledger.Transaction{
		ledger.NewCredit(d.ID, ledger.PartyBuyer, d.BuyerCompanyID, toBuyer, ledger.ReasonDisputeRefund),
		ledger.NewCredit(d.ID, ledger.PartySupplier, d.SupplierCompanyID, toSupplier, ledger.ReasonDisputePayout),
	}
	existing, err := tx.ListTransactions(ctx, d.ID)
	if err != nil {
		return Outcome{}, write("list transactions", err)
	}
	if err := ledger.CheckAppend(existing, d.TotalAmount, legs); err != nil {
		return Outcome{}, fmt.Errorf("%w: deal %s: %w", escrow.ErrPersistenceConflict, d.ID, err)
	}

	entries, err := tx.AppendTransactions(ctx, legs)
	if err != nil {
		return Outcome{}, write("append settlement", err)
	}

	closedAt := r.now().UTC()
	if err := tx.CloseDispute(ctx, escrow.DisputeResolution{
		DisputeID:       disp.ID,
		FinalDecision:   strings.TrimSpace(req.DecisionText),
		RefundAmount:    req.RefundAmount,
		ArbiterID:       req.ArbiterID,
		WinnerCompanyID: req.WinnerCompanyID,
		ClosedAt:        closedAt,
	}); err != nil {
		return Outcome{}, write("close dispute", err)
	}
	if err := tx.UpdateDealStatus(ctx, d.ID, escrow.StatusDispute, escrow.StatusCompleted); err != nil {
		return Outcome{}, write("complete deal", err)
	}

	events := []escrow.Event{
		{
			DealID:  d.ID,
			Type:    escrow.EventStatusChanged,
			Topic:   escrow.TopicStatusChanged,
			ActorID: req.ArbiterID,
			Payload: map[string]any{
				"deal_id":         d.ID,
				"previous_status": string(escrow.StatusDispute),
				"next_status":     string(escrow.StatusCompleted),
			},
		},
		{
			DealID:  d.ID,
			Type:    escrow.EventDisputeClosed,
			Topic:   escrow.TopicDisputeClosed,
			ActorID: req.ArbiterID,
			Payload: map[string]any{
				"dispute_id":    disp.ID,
				"refund_amount": req.RefundAmount.String(),
				"winner":        req.WinnerCompanyID,
			},
		},
		{
			DealID:  d.ID,
			Type:    escrow.EventFundsSettled,
			Topic:   escrow.TopicFundsSettled,
			ActorID: req.ArbiterID,
			Payload: map[string]any{
				"deal_id":     d.ID,
				"to_buyer":    toBuyer.String(),
				"to_supplier": toSupplier.String(),
			},
		},
	}
	for _, ev := range events {
		if err := tx.RecordEvent(ctx, ev); err != nil {
			return Outcome{}, write("record event", err)
		}
	}

	decision := strings.TrimSpace(req.DecisionText)
	refund := req.RefundAmount
	disp.FinalDecision = &decision
	disp.RefundAmount = &refund
	disp.ArbiterID = nil
	if req.ArbiterID != "" {
		arbiter := req.ArbiterID
		disp.ArbiterID = &arbiter
	}
	disp.WinnerCompanyID = &req.WinnerCompanyID
	disp.Status = escrow.DisputeClosed
	disp.ClosedAt = &closedAt

	d.Status = escrow.StatusCompleted
	d.UpdatedAt = closedAt
	return Outcome{Dispute: disp, Deal: d, Entries: entries}, nil
}

// verifyConservation re-reads the committed ledger. A mismatch means a
// partial settlement reached the store and is surfaced, never retried.
func (r *Resolver) verifyConservation(ctx context.Context, d escrow.Deal) error {
	entries, err := r.store.ListTransactions(ctx, d.ID)
	if err != nil {
		r.log.Warn("conservation check skipped", zap.String("deal_id", d.ID), zap.Error(err))
		return nil
	}
	if err := ledger.CheckSettled(entries, d.TotalAmount); err != nil {
		r.metrics.ConservationViolation()
		r.log.Error("ledger not conserved after settlement", zap.String("deal_id", d.ID), zap.Error(err))
		return fmt.Errorf("%w: %w", escrow.ErrPersistenceConflict, err)
	}
	return nil
}

// Get reads a dispute without taking the deal lock.
func (r *Resolver) Get(ctx context.Context, disputeID string) (escrow.Dispute, error) {
	return r.store.GetDispute(ctx, disputeID)
}

// ListOpen returns open disputes, oldest first.
func (r *Resolver) ListOpen(ctx context.Context, limit int) ([]escrow.Dispute, error) {
	return r.store.ListOpenDisputes(ctx, limit)
}

func (r *Resolver) logFailure(disputeID, kind string, err error) {
	fields := []zap.Field{zap.String("dispute_id", disputeID), zap.String("kind", kind), zap.Error(err)}
	switch {
	case errors.Is(err, escrow.ErrPersistenceConflict):
		r.log.Error("dispute resolution failed", fields...)
	case escrow.Retryable(err):
		r.log.Warn("dispute resolution failed", fields...)
	default:
		r.log.Debug("dispute resolution rejected", fields...)
	}
}

func write(verb string, err error) error {
	return fmt.Errorf("dispute: %s: %w", verb, escrow.ClassifyWrite(err))
}
