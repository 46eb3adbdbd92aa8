// Package memstore keeps deals, disputes and ledger entries in process memory.
// It serves single-instance deployments and tests; writes made inside WithTx
// are staged and applied only when the callback succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// Fault names a write that can be made to fail once, for exercising error paths.
type Fault string

const (
	FaultUpdateDeal         Fault = "update_deal"
	FaultAppendTransactions Fault = "append_transactions"
	FaultCloseDispute       Fault = "close_dispute"
	FaultCommit             Fault = "commit"
)

type Store struct {
	mu           sync.Mutex
	deals        map[string]escrow.Deal
	disputes     map[string]escrow.Dispute
	transactions map[string][]ledger.Transaction
	events       []escrow.Event
	faults       map[Fault]error
	now          func() time.Time
	idGenerator  func() string
}

var _ escrow.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		deals:        make(map[string]escrow.Deal),
		disputes:     make(map[string]escrow.Dispute),
		transactions: make(map[string][]ledger.Transaction),
		faults:       make(map[Fault]error),
		now:          time.Now,
		idGenerator:  uuid.NewString,
	}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) WithIDGenerator(gen func() string) *Store {
	s.idGenerator = gen
	return s
}

// PutDeal inserts or replaces a deal. Deal creation belongs to the caller.
func (s *Store) PutDeal(d escrow.Deal) escrow.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.idGenerator()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	s.deals[d.ID] = d
	return d
}

// FailNext makes the next occurrence of op return err.
func (s *Store) FailNext(op Fault, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Events returns the timeline recorded for a deal in write order.
func (s *Store) Events(dealID string) []escrow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]escrow.Event, 0, 4)
	for _, ev := range s.events {
		if ev.DealID == dealID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		deals:    make(map[string]escrow.Deal),
		disputes: make(map[string]escrow.Dispute),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := s.takeFault(FaultCommit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, d := range tx.deals {
		s.deals[id] = d
	}
	for id, d := range tx.disputes {
		s.disputes[id] = d
	}
	for _, e := range tx.appended {
		s.transactions[e.DealID] = append(s.transactions[e.DealID], e)
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *Store) GetDeal(_ context.Context, dealID string) (escrow.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return escrow.Deal{}, escrow.ErrDealNotFound
	}
	return d, nil
}

func (s *Store) GetDispute(_ context.Context, disputeID string) (escrow.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return escrow.Dispute{}, escrow.ErrDisputeNotFound
	}
	return d, nil
}

func (s *Store) ListTransactions(_ context.Context, dealID string) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Transaction(nil), s.transactions[dealID]...), nil
}

func (s *Store) ListOpenDisputes(_ context.Context, limit int) ([]escrow.Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]escrow.Dispute, 0, 8)
	for _, d := range s.disputes {
		if d.Status == escrow.DisputeOpen {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// takeFault must be called with s.mu held.
func (s *Store) takeFault(op Fault) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

type memTx struct {
	store    *Store
	deals    map[string]escrow.Deal
	disputes map[string]escrow.Dispute
	appended []ledger.Transaction
	events   []escrow.Event
}

func (t *memTx) GetDeal(_ context.Context, dealID string) (escrow.Deal, error) {
	if d, ok := t.deals[dealID]; ok {
		return d, nil
	}
	d, ok := t.store.deals[dealID]
	if !ok {
		return escrow.Deal{}, escrow.ErrDealNotFound
	}
	return d, nil
}

func (t *memTx) UpdateDealStatus(ctx context.Context, dealID string, from, to escrow.Status) error {
	if err := t.store.takeFault(FaultUpdateDeal); err != nil {
		return err
	}
	d, err := t.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.Status != from {
		return fmt.Errorf("%w: deal %s is %s, expected %s", escrow.ErrPersistenceConflict, dealID, d.Status, from)
	}
	d.Status = to
	d.UpdatedAt = t.store.now().UTC()
	t.deals[dealID] = d
	return nil
}

func (t *memTx) SetTracking(ctx context.Context, dealID string, tracking escrow.Tracking) error {
	d, err := t.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if tracking.AddedAt.IsZero() {
		tracking.AddedAt = t.store.now().UTC()
	}
	d.Tracking = &tracking
	t.deals[dealID] = d
	return nil
}

func (t *memTx) GetDispute(_ context.Context, disputeID string) (escrow.Dispute, error) {
	if d, ok := t.disputes[disputeID]; ok {
		return d, nil
	}
	d, ok := t.store.disputes[disputeID]
	if !ok {
		return escrow.Dispute{}, escrow.ErrDisputeNotFound
	}
	return d, nil
}

func (t *memTx) GetOpenDisputeByDeal(_ context.Context, dealID string) (escrow.Dispute, error) {
	for _, d := range t.disputes {
		if d.DealID == dealID && d.Status == escrow.DisputeOpen {
			return d, nil
		}
	}
	for id, d := range t.store.disputes {
		if _, staged := t.disputes[id]; staged {
			continue
		}
		if d.DealID == dealID && d.Status == escrow.DisputeOpen {
			return d, nil
		}
	}
	return escrow.Dispute{}, escrow.ErrDisputeNotFound
}

func (t *memTx) CreateDispute(ctx context.Context, d escrow.Dispute) (escrow.Dispute, error) {
	if _, err := t.GetOpenDisputeByDeal(ctx, d.DealID); err == nil {
		return escrow.Dispute{}, fmt.Errorf("%w: deal %s already has an open dispute", escrow.ErrPersistenceConflict, d.DealID)
	}
	d.ID = t.store.idGenerator()
	d.Status = escrow.DisputeOpen
	d.OpenedAt = t.store.now().UTC()
	t.disputes[d.ID] = d
	return d, nil
}

func (t *memTx) CloseDispute(ctx context.Context, res escrow.DisputeResolution) error {
	if err := t.store.takeFault(FaultCloseDispute); err != nil {
		return err
	}
	d, err := t.GetDispute(ctx, res.DisputeID)
	if err != nil {
		return err
	}
	if d.Status != escrow.DisputeOpen {
		return fmt.Errorf("%w: dispute %s is %s", escrow.ErrPersistenceConflict, d.ID, d.Status)
	}
	closedAt := res.ClosedAt
	if closedAt.IsZero() {
		closedAt = t.store.now().UTC()
	}
	refund := res.RefundAmount
	d.FinalDecision = &res.FinalDecision
	d.RefundAmount = &refund
	d.ArbiterID = nil
	if res.ArbiterID != "" {
		arbiter := res.ArbiterID
		d.ArbiterID = &arbiter
	}
	d.WinnerCompanyID = &res.WinnerCompanyID
	d.Status = escrow.DisputeClosed
	d.ClosedAt = &closedAt
	t.disputes[d.ID] = d
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, dealID string) ([]ledger.Transaction, error) {
	out := append([]ledger.Transaction(nil), t.store.transactions[dealID]...)
	for _, e := range t.appended {
		if e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) AppendTransactions(_ context.Context, entries []ledger.Transaction) ([]ledger.Transaction, error) {
	if err := t.store.takeFault(FaultAppendTransactions); err != nil {
		return nil, err
	}
	now := t.store.now().UTC()
	out := make([]ledger.Transaction, 0, len(entries))
	for _, e := range entries {
		e.ID = t.store.idGenerator()
		e.CreatedAt = now
		out = append(out, e)
	}
	t.appended = append(t.appended, out...)
	return out, nil
}

func (t *memTx) RecordEvent(_ context.Context, ev escrow.Event) error {
	t.events = append(t.events, ev)
	return nil
}

// UnbalancedDeals returns settled deals whose ledger does not add up:
// COMPLETED deals must sum to their total and CANCELED deals to zero.
func (s *Store) UnbalancedDeals(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, d := range s.deals {
		var err error
		switch d.Status {
		case escrow.StatusCompleted:
			err = ledger.CheckSettled(s.transactions[id], d.TotalAmount)
		case escrow.StatusCanceled:
			err = ledger.CheckSettled(s.transactions[id], decimal.Zero)
		default:
			continue
		}
		if err != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// CreateDeal inserts a new deal, defaulting to CREATED. An existing id is a
// conflict.
func (s *Store) CreateDeal(_ context.Context, d escrow.Deal) (escrow.Deal, error) {
	if d.Status == "" {
		d.Status = escrow.StatusCreated
	}
	if !d.Status.Valid() {
		return escrow.Deal{}, fmt.Errorf("%w: unknown status %q", escrow.ErrInvalidRequest, d.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.idGenerator()
	}
	if _, ok := s.deals[d.ID]; ok {
		return escrow.Deal{}, fmt.Errorf("%w: deal %s exists", escrow.ErrPersistenceConflict, d.ID)
	}
	d.CreatedAt = s.now().UTC()
	d.UpdatedAt = d.CreatedAt
	s.deals[d.ID] = d
	return d, nil
}
