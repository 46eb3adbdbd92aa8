// Package actors drives the escrow core concurrently against shared deals.
// Every actor loops until stop is closed and fails only on outcomes the core
// must never produce under contention.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Expected reports whether err is a legitimate answer to a racing caller.
func Expected(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch escrow.Kind(err) {
	case "lock_busy", "invalid_transition", "dispute_already_closed", "persistence_conflict", "transient":
		return true
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Shipper adds tracking to random deals; only PAID deals accept it.
func Shipper(ctx context.Context, m *deal.Machine, deals []escrow.Deal, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := deals[rng.Intn(len(deals))]
		_, err := m.AddTracking(ctx, deal.AddTrackingRequest{
			DealID:         d.ID,
			TrackingNumber: fmt.Sprintf("TRK-%d", rng.Int63()),
			Carrier:        "stress-post",
		})
		if !Expected(err) {
			return fmt.Errorf("shipper %s: %w", d.ID, err)
		}
		pause(rng, 10, 20)
	}
}

// Deliverer confirms delivery on random deals, racing the other deliverers
// and the disputers for the same SHIPPED deals.
func Deliverer(ctx context.Context, m *deal.Machine, deals []escrow.Deal, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := deals[rng.Intn(len(deals))]
		_, err := m.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{DealID: d.ID, ActorCompanyID: d.BuyerCompanyID})
		if !Expected(err) {
			return fmt.Errorf("deliverer %s: %w", d.ID, err)
		}
		pause(rng, 5, 15)
	}
}

// Disputer opens disputes from either side of random deals.
func Disputer(ctx context.Context, m *deal.Machine, deals []escrow.Deal, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := deals[rng.Intn(len(deals))]
		initiator := d.BuyerCompanyID
		if rng.Intn(2) == 0 {
			initiator = d.SupplierCompanyID
		}
		_, err := m.OpenDispute(ctx, deal.OpenDisputeRequest{
			DealID:             d.ID,
			InitiatorCompanyID: initiator,
			Reason:             "goods not as described",
		})
		if !Expected(err) {
			return fmt.Errorf("disputer %s: %w", d.ID, err)
		}
		pause(rng, 20, 40)
	}
}

// Canceler tries to cancel random deals; only CREATED and AGREED deals allow it.
func Canceler(ctx context.Context, m *deal.Machine, deals []escrow.Deal, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := deals[rng.Intn(len(deals))]
		_, err := m.Cancel(ctx, deal.CancelRequest{DealID: d.ID, ActorCompanyID: d.SupplierCompanyID})
		if !Expected(err) {
			return fmt.Errorf("canceler %s: %w", d.ID, err)
		}
		pause(rng, 30, 50)
	}
}

// Arbiter resolves the oldest open disputes with a random refund split.
// Several arbiters race for the same dispute.
func Arbiter(ctx context.Context, r *dispute.Resolver, deals []escrow.Deal, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	byID := make(map[string]escrow.Deal, len(deals))
	for _, d := range deals {
		byID[d.ID] = d
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		open, err := r.ListOpen(ctx, 10)
		if err != nil {
			if !Expected(err) {
				return fmt.Errorf("arbiter list: %w", err)
			}
			pause(rng, 50, 50)
			continue
		}
		for _, disp := range open {
			d := byID[disp.DealID]
			cents := d.TotalAmount.Shift(2).IntPart()
			refund := decimal.New(rng.Int63n(cents+1), -2)
			winner := d.BuyerCompanyID
			if refund.LessThan(d.TotalAmount.Div(decimal.NewFromInt(2))) {
				winner = d.SupplierCompanyID
			}
			_, err := r.Resolve(ctx, dispute.ResolveRequest{
				DisputeID:       disp.ID,
				DecisionText:    "split by stress arbiter",
				RefundAmount:    refund,
				WinnerCompanyID: winner,
				ArbiterID:       fmt.Sprintf("arbiter-%d", seed),
			})
			if !Expected(err) {
				return fmt.Errorf("arbiter %s: %w", disp.ID, err)
			}
		}
		pause(rng, 30, 40)
	}
}

// OutboxWorker marks outbox messages published with SKIP LOCKED, leaving a
// random share for a later pass.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			pause(rng, 50, 50)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(rng, 50, 50)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rng.Intn(10) == 0 {
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
