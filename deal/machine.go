// Package deal drives a deal through its lifecycle. Every state-changing
// operation holds the deal's distributed lock and commits the new status, its
// ledger entries and its timeline events in one store transaction.
package deal

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

const (
	opAddTracking     = "add_tracking"
	opConfirmDelivery = "confirm_delivery"
	opOpenDispute     = "open_dispute"
	opCancel          = "cancel"
)

type Machine struct {
	store   escrow.Store
	locker  escrow.Locker
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Machine)

func WithLogger(log *zap.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.log = log
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

func WithTracer(tr trace.Tracer) Option {
	return func(m *Machine) {
		if tr != nil {
			m.tracer = tr
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(store escrow.Store, locker escrow.Locker, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		locker: locker,
		ttl:    escrow.DefaultLockTTL,
		log:    zap.NewNop(),
		tracer: otel.Tracer("escrowflow/deal"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("component", "deal"))
	return m
}

// AddTracking records shipment details and moves a PAID deal to SHIPPED.
func (m *Machine) AddTracking(ctx context.Context, req AddTrackingRequest) (escrow.Deal, error) {
	if err := req.Validate(); err != nil {
		return escrow.Deal{}, err
	}

	var out escrow.Deal
	err := m.run(ctx, opAddTracking, req.DealID, func(ctx context.Context, tx escrow.Tx) error {
		d, err := tx.GetDeal(ctx, req.DealID)
		if err != nil {
			return err
		}
		if err := checkEdge(d, escrow.StatusShipped); err != nil {
			return err
		}

		tracking := escrow.Tracking{
			Number:  strings.TrimSpace(req.TrackingNumber),
			Carrier: strings.TrimSpace(req.Carrier),
			AddedAt: m.now().UTC(),
		}
		if err := tx.SetTracking(ctx, d.ID, tracking); err != nil {
			return persistence("set tracking", err)
		}
		if err := tx.RecordEvent(ctx, escrow.Event{
			DealID: d.ID,
			Type:   escrow.EventTrackingAdded,
			Payload: map[string]any{
				"tracking_number": tracking.Number,
				"carrier":         tracking.Carrier,
			},
		}); err != nil {
			return persistence("record tracking event", err)
		}

		d, err = m.advance(ctx, tx, d, escrow.StatusShipped, "")
		if err != nil {
			return err
		}
		d.Tracking = &tracking
		out = d
		return nil
	})
	if err != nil {
		return escrow.Deal{}, err
	}
	m.committed(escrow.StatusPaid, out)
	return out, nil
}

// ConfirmDelivery completes a SHIPPED deal and credits the supplier with the
// full amount. A second call observes COMPLETED and fails with
// escrow.ErrInvalidTransition, so the payout is recorded once per deal.
func (m *Machine) ConfirmDelivery(ctx context.Context, req ConfirmDeliveryRequest) (escrow.Deal, error) {
	if err := req.Validate(); err != nil {
		return escrow.Deal{}, err
	}

	var out escrow.Deal
	err := m.run(ctx, opConfirmDelivery, req.DealID, func(ctx context.Context, tx escrow.Tx) error {
		d, err := tx.GetDeal(ctx, req.DealID)
		if err != nil {
			return err
		}
		if err := checkEdge(d, escrow.StatusCompleted); err != nil {
			return err
		}

		existing, err := tx.ListTransactions(ctx, d.ID)
		if err != nil {
			return persistence("list transactions", err)
		}
		payout := ledger.NewCredit(d.ID, ledger.PartySupplier, d.SupplierCompanyID, d.TotalAmount, ledger.ReasonDeliveryPayout)
		if err := ledger.CheckAppend(existing, d.TotalAmount, []ledger.Transaction{payout}); err != nil {
			return fmt.Errorf("%w: deal %s: %w", escrow.ErrPersistenceConflict, d.ID, err)
		}

		d, err = m.advance(ctx, tx, d, escrow.StatusCompleted, req.ActorCompanyID)
		if err != nil {
			return err
		}
		if _, err := tx.AppendTransactions(ctx, []ledger.Transaction{payout}); err != nil {
			return persistence("append payout", err)
		}
		if err := tx.RecordEvent(ctx, escrow.Event{
			DealID:  d.ID,
			Type:    escrow.EventFundsSettled,
			Topic:   escrow.TopicFundsSettled,
			ActorID: req.ActorCompanyID,
			Payload: map[string]any{
				"deal_id":     d.ID,
				"to_supplier": d.TotalAmount.String(),
				"to_buyer":    "0",
			},
		}); err != nil {
			return persistence("record settlement event", err)
		}
		out = d
		return nil
	})
	if err != nil {
		return escrow.Deal{}, err
	}
	m.committed(escrow.StatusShipped, out)
	return out, nil
}

// OpenDispute moves a PAID or SHIPPED deal to DISPUTE and opens a dispute
// with the initiator as claimant and the other party as defendant.
func (m *Machine) OpenDispute(ctx context.Context, req OpenDisputeRequest) (escrow.Dispute, error) {
	if err := req.Validate(); err != nil {
		return escrow.Dispute{}, err
	}

	var (
		out  escrow.Dispute
		from escrow.Status
		d    escrow.Deal
	)
	err := m.run(ctx, opOpenDispute, req.DealID, func(ctx context.Context, tx escrow.Tx) error {
		var err error
		d, err = tx.GetDeal(ctx, req.DealID)
		if err != nil {
			return err
		}
		if err := checkEdge(d, escrow.StatusDispute); err != nil {
			return err
		}
		if !d.IsParty(req.InitiatorCompanyID) {
			return fmt.Errorf("%w: company %s is not a party to deal %s", escrow.ErrInvalidRequest, req.InitiatorCompanyID, d.ID)
		}
		from = d.Status

		d, err = m.advance(ctx, tx, d, escrow.StatusDispute, req.InitiatorCompanyID)
		if err != nil {
			return err
		}
		out, err = tx.CreateDispute(ctx, escrow.Dispute{
			DealID:             d.ID,
			ClaimantCompanyID:  req.InitiatorCompanyID,
			DefendantCompanyID: d.Counterparty(req.InitiatorCompanyID),
			Reason:             strings.TrimSpace(req.Reason),
			Demands:            strings.TrimSpace(req.Demands),
		})
		if err != nil {
			return persistence("create dispute", err)
		}
		if err := tx.RecordEvent(ctx, escrow.Event{
			DealID:  d.ID,
			Type:    escrow.EventDisputeOpened,
			Topic:   escrow.TopicDisputeOpened,
			ActorID: req.InitiatorCompanyID,
			Payload: map[string]any{
				"deal_id":    d.ID,
				"dispute_id": out.ID,
				"claimant":   out.ClaimantCompanyID,
				"defendant":  out.DefendantCompanyID,
			},
		}); err != nil {
			return persistence("record dispute event", err)
		}
		return nil
	})
	if err != nil {
		return escrow.Dispute{}, err
	}
	m.committed(from, d)
	return out, nil
}

// Cancel cancels a deal before any funds were captured.
func (m *Machine) Cancel(ctx context.Context, req CancelRequest) (escrow.Deal, error) {
	if err := req.Validate(); err != nil {
		return escrow.Deal{}, err
	}

	var (
		out  escrow.Deal
		from escrow.Status
	)
	err := m.run(ctx, opCancel, req.DealID, func(ctx context.Context, tx escrow.Tx) error {
		d, err := tx.GetDeal(ctx, req.DealID)
		if err != nil {
			return err
		}
		if err := checkEdge(d, escrow.StatusCanceled); err != nil {
			return err
		}
		from = d.Status
		out, err = m.advance(ctx, tx, d, escrow.StatusCanceled, req.ActorCompanyID)
		return err
	})
	if err != nil {
		return escrow.Deal{}, err
	}
	m.committed(from, out)
	return out, nil
}

// Get reads a deal without taking its lock.
func (m *Machine) Get(ctx context.Context, dealID string) (escrow.Deal, error) {
	return m.store.GetDeal(ctx, dealID)
}

// History returns the deal's ledger in creation order.
func (m *Machine) History(ctx context.Context, dealID string) ([]ledger.Transaction, error) {
	if _, err := m.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return m.store.ListTransactions(ctx, dealID)
}

func (m *Machine) run(ctx context.Context, op, dealID string, fn func(ctx context.Context, tx escrow.Tx) error) (err error) {
	start := m.now()
	ctx, span := m.tracer.Start(ctx, "deal."+op, trace.WithAttributes(attribute.String("deal.id", dealID)))
	defer func() {
		kind := escrow.Kind(err)
		m.metrics.Observe(op, kind, m.now().Sub(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			m.logFailure(op, dealID, kind, err)
		}
		span.End()
	}()

	return lock.WithLock(ctx, m.locker, escrow.LockKey(dealID), m.ttl, m.log, func(ctx context.Context) error {
		err := m.store.WithTx(ctx, fn)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return escrow.ClassifyWrite(err)
		}
		return err
	})
}

func (m *Machine) committed(from escrow.Status, d escrow.Deal) {
	m.metrics.Transition(string(from), string(d.Status))
	m.log.Info("deal transitioned",
		zap.String("deal_id", d.ID),
		zap.String("from", string(from)),
		zap.String("to", string(d.Status)),
	)
}

func (m *Machine) logFailure(op, dealID, kind string, err error) {
	fields := []zap.Field{zap.String("operation", op), zap.String("deal_id", dealID), zap.String("kind", kind), zap.Error(err)}
	switch {
	case errors.Is(err, escrow.ErrPersistenceConflict):
		m.log.Error("deal operation failed", fields...)
	case escrow.Retryable(err):
		m.log.Warn("deal operation failed", fields...)
	default:
		m.log.Debug("deal operation rejected", fields...)
	}
}

// checkEdge rejects edges outside the graph and every edge out of DISPUTE,
// which only the dispute resolver may take.
func checkEdge(d escrow.Deal, to escrow.Status) error {
	if d.Status == escrow.StatusDispute || !escrow.CanTransition(d.Status, to) {
		return escrow.NewTransitionError(d.ID, d.Status, to)
	}
	return nil
}

// advance writes the status change with its timeline event and outbox message.
func (m *Machine) advance(ctx context.Context, tx escrow.Tx, d escrow.Deal, to escrow.Status, actorID string) (escrow.Deal, error) {
	from := d.Status
	if err := tx.UpdateDealStatus(ctx, d.ID, from, to); err != nil {
		return escrow.Deal{}, persistence("update deal status", err)
	}

	if err := tx.RecordEvent(ctx, escrow.Event{
		DealID:  d.ID,
		Type:    escrow.EventStatusChanged,
		Topic:   escrow.TopicStatusChanged,
		ActorID: actorID,
		Payload: map[string]any{
			"deal_id":         d.ID,
			"previous_status": string(from),
			"next_status":     string(to),
		},
	}); err != nil {
		return escrow.Deal{}, persistence("record status event", err)
	}

	d.Status = to
	d.UpdatedAt = m.now().UTC()
	return d, nil
}

func persistence(verb string, err error) error {
	return fmt.Errorf("deal: %s: %w", verb, escrow.ClassifyWrite(err))
}
