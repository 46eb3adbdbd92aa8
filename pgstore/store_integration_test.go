package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/lock"
)

// TestStore_Integration connects to a real PostgreSQL via DATABASE_URL and
// drives deals through the machine and the resolver against it.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, Migrate(ctx, pool))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := New(pool, nil)
	locker := lock.NewRedisLocker(client, nil)
	machine := deal.New(store, locker)
	resolver := dispute.NewResolver(store, locker)

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	seed := func(name string, status escrow.Status, total string) escrow.Deal {
		d, err := store.CreateDeal(ctx, escrow.Deal{
			ID:                name + "-" + suffix,
			BuyerCompanyID:    "buyer-" + suffix,
			SupplierCompanyID: "supplier-" + suffix,
			TotalAmount:       decimal.RequireFromString(total),
			Status:            status,
		})
		require.NoError(t, err)
		return d
	}

	t.Run("confirm delivery pays once", func(t *testing.T) {
		d := seed("shipped", escrow.StatusShipped, "1000.50")

		got, err := machine.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{DealID: d.ID})
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, got.Status)

		_, err = machine.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{DealID: d.ID})
		require.ErrorIs(t, err, escrow.ErrInvalidTransition)

		entries, err := machine.History(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("1000.50")))

		assert.Equal(t, 1, count(ctx, t, pool, `SELECT count(*) FROM outbox WHERE payload->>'deal_id' = $1 AND topic = 'deal.funds_settled'`, d.ID))
		assert.Equal(t, 2, count(ctx, t, pool, `SELECT count(*) FROM timeline_events WHERE deal_id = $1`, d.ID))
	})

	t.Run("tracking then dispute then resolution", func(t *testing.T) {
		d := seed("paid", escrow.StatusPaid, "1000")

		shipped, err := machine.AddTracking(ctx, deal.AddTrackingRequest{DealID: d.ID, TrackingNumber: "1Z", Carrier: "UPS"})
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusShipped, shipped.Status)

		reread, err := store.GetDeal(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, reread.Tracking)
		assert.Equal(t, "UPS", reread.Tracking.Carrier)

		disp, err := machine.OpenDispute(ctx, deal.OpenDisputeRequest{
			DealID: d.ID, InitiatorCompanyID: d.BuyerCompanyID, Reason: "late delivery", Demands: "refund",
		})
		require.NoError(t, err)
		assert.Equal(t, d.SupplierCompanyID, disp.DefendantCompanyID)

		open, err := resolver.ListOpen(ctx, 100)
		require.NoError(t, err)
		assert.NotEmpty(t, open)

		out, err := resolver.Resolve(ctx, dispute.ResolveRequest{
			DisputeID:       disp.ID,
			DecisionText:    "partial refund",
			RefundAmount:    decimal.NewFromInt(400),
			WinnerCompanyID: d.BuyerCompanyID,
			ArbiterID:       "arbiter-" + suffix,
		})
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, out.Deal.Status)

		closed, err := store.GetDispute(ctx, disp.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.DisputeClosed, closed.Status)
		require.NotNil(t, closed.RefundAmount)
		assert.True(t, closed.RefundAmount.Equal(decimal.NewFromInt(400)))

		entries, err := store.ListTransactions(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.NoError(t, ledger.CheckSettled(entries, d.TotalAmount))
	})

	t.Run("resolution without arbiter stores null", func(t *testing.T) {
		d := seed("no-arbiter", escrow.StatusPaid, "1000")
		disp, err := machine.OpenDispute(ctx, deal.OpenDisputeRequest{
			DealID: d.ID, InitiatorCompanyID: d.SupplierCompanyID, Reason: "unpaid balance",
		})
		require.NoError(t, err)

		_, err = resolver.Resolve(ctx, dispute.ResolveRequest{
			DisputeID:       disp.ID,
			DecisionText:    "partial refund",
			RefundAmount:    decimal.NewFromInt(400),
			WinnerCompanyID: d.BuyerCompanyID,
		})
		require.NoError(t, err)

		closed, err := store.GetDispute(ctx, disp.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.DisputeClosed, closed.Status)
		assert.Nil(t, closed.ArbiterID)
		assert.Equal(t, 1, count(ctx, t, pool, `SELECT COUNT(*) FROM disputes WHERE id = $1 AND arbiter_id IS NULL`, disp.ID))
	})

	t.Run("ledger rows are append only", func(t *testing.T) {
		d := seed("immutable", escrow.StatusShipped, "10")
		_, err := machine.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{DealID: d.ID})
		require.NoError(t, err)

		_, err = pool.Exec(ctx, `UPDATE transactions SET amount = 0 WHERE deal_id = $1`, d.ID)
		require.Error(t, err)
		_, err = pool.Exec(ctx, `DELETE FROM transactions WHERE deal_id = $1`, d.ID)
		require.Error(t, err)
	})

	t.Run("second delivery payout violates schema", func(t *testing.T) {
		d := seed("double", escrow.StatusShipped, "10")
		_, err := machine.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{DealID: d.ID})
		require.NoError(t, err)

		err = store.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
			_, err := tx.AppendTransactions(ctx, []ledger.Transaction{
				ledger.NewCredit(d.ID, ledger.PartySupplier, d.SupplierCompanyID, d.TotalAmount, ledger.ReasonDeliveryPayout),
			})
			return err
		})
		require.ErrorIs(t, err, escrow.ErrPersistenceConflict)
	})

	t.Run("stale status update conflicts", func(t *testing.T) {
		d := seed("stale", escrow.StatusPaid, "10")
		err := store.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
			return tx.UpdateDealStatus(ctx, d.ID, escrow.StatusShipped, escrow.StatusCompleted)
		})
		require.True(t, errors.Is(err, escrow.ErrPersistenceConflict), "got %v", err)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetDeal(ctx, "missing-"+suffix)
		require.ErrorIs(t, err, escrow.ErrDealNotFound)
		_, err = store.GetDispute(ctx, "missing-"+suffix)
		require.ErrorIs(t, err, escrow.ErrDisputeNotFound)
	})
}

func count(ctx context.Context, t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
