package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

func seedDeal(s *Store, status escrow.Status) escrow.Deal {
	return s.PutDeal(escrow.Deal{
		ID:                "deal-1",
		BuyerCompanyID:    "buyer",
		SupplierCompanyID: "supplier",
		TotalAmount:       decimal.RequireFromString("1000"),
		Status:            status,
	})
}

func TestWithTx_CommitAppliesWrites(t *testing.T) {
	s := New()
	seedDeal(s, escrow.StatusShipped)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		if err := tx.UpdateDealStatus(ctx, "deal-1", escrow.StatusShipped, escrow.StatusCompleted); err != nil {
			return err
		}
		_, err := tx.AppendTransactions(ctx, []ledger.Transaction{
			ledger.NewCredit("deal-1", ledger.PartySupplier, "supplier", decimal.RequireFromString("1000"), ledger.ReasonDeliveryPayout),
		})
		if err != nil {
			return err
		}
		return tx.RecordEvent(ctx, escrow.Event{DealID: "deal-1", Type: escrow.EventStatusChanged})
	})
	require.NoError(t, err)

	d, err := s.GetDeal(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, d.Status)

	entries, err := s.ListTransactions(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
	assert.Len(t, s.Events("deal-1"), 1)
}

func TestWithTx_ErrorDiscardsWrites(t *testing.T) {
	s := New()
	seedDeal(s, escrow.StatusShipped)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		require.NoError(t, tx.UpdateDealStatus(ctx, "deal-1", escrow.StatusShipped, escrow.StatusCompleted))
		staged, err := tx.GetDeal(ctx, "deal-1")
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, staged.Status, "tx must read its own writes")
		return boom
	})
	require.ErrorIs(t, err, boom)

	d, err := s.GetDeal(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusShipped, d.Status)
	assert.Empty(t, s.Events("deal-1"))
}

func TestWithTx_CommitFaultDiscardsWrites(t *testing.T) {
	s := New()
	seedDeal(s, escrow.StatusShipped)
	ctx := context.Background()
	s.FailNext(FaultCommit, escrow.Transient(errors.New("connection reset")))

	err := s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		_, err := tx.AppendTransactions(ctx, []ledger.Transaction{
			ledger.NewCredit("deal-1", ledger.PartySupplier, "supplier", decimal.RequireFromString("1000"), ledger.ReasonDeliveryPayout),
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, escrow.Retryable(err))

	entries, err := s.ListTransactions(ctx, "deal-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateDealStatus_StaleFromIsConflict(t *testing.T) {
	s := New()
	seedDeal(s, escrow.StatusPaid)

	err := s.WithTx(context.Background(), func(ctx context.Context, tx escrow.Tx) error {
		return tx.UpdateDealStatus(ctx, "deal-1", escrow.StatusShipped, escrow.StatusCompleted)
	})
	assert.ErrorIs(t, err, escrow.ErrPersistenceConflict)
}

func TestDisputeLifecycle(t *testing.T) {
	s := New()
	seedDeal(s, escrow.StatusDispute)
	ctx := context.Background()

	var created escrow.Dispute
	err := s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		var err error
		created, err = tx.CreateDispute(ctx, escrow.Dispute{
			DealID:             "deal-1",
			ClaimantCompanyID:  "buyer",
			DefendantCompanyID: "supplier",
			Reason:             "damaged goods",
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeOpen, created.Status)

	open, err := s.ListOpenDisputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	err = s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		_, err := tx.CreateDispute(ctx, escrow.Dispute{DealID: "deal-1"})
		return err
	})
	assert.ErrorIs(t, err, escrow.ErrPersistenceConflict, "one open dispute per deal")

	err = s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		return tx.CloseDispute(ctx, escrow.DisputeResolution{
			DisputeID:       created.ID,
			FinalDecision:   "partial refund",
			RefundAmount:    decimal.RequireFromString("400"),
			ArbiterID:       "arbiter-1",
			WinnerCompanyID: "buyer",
		})
	})
	require.NoError(t, err)

	closed, err := s.GetDispute(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeClosed, closed.Status)
	require.NotNil(t, closed.RefundAmount)
	assert.True(t, closed.RefundAmount.Equal(decimal.RequireFromString("400")))
	require.NotNil(t, closed.ClosedAt)

	open, err = s.ListOpenDisputes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, err := s.GetDeal(context.Background(), "missing")
	assert.ErrorIs(t, err, escrow.ErrDealNotFound)
	_, err = s.GetDispute(context.Background(), "missing")
	assert.ErrorIs(t, err, escrow.ErrDisputeNotFound)
}

func TestUnbalancedDeals(t *testing.T) {
	s := New()
	ctx := context.Background()
	total := decimal.RequireFromString("100")
	s.PutDeal(escrow.Deal{ID: "ok", TotalAmount: total, Status: escrow.StatusCompleted})
	s.PutDeal(escrow.Deal{ID: "short", TotalAmount: total, Status: escrow.StatusCompleted})
	s.PutDeal(escrow.Deal{ID: "canceled", TotalAmount: total, Status: escrow.StatusCanceled})
	s.PutDeal(escrow.Deal{ID: "open", TotalAmount: total, Status: escrow.StatusShipped})

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx escrow.Tx) error {
		_, err := tx.AppendTransactions(ctx, []ledger.Transaction{
			ledger.NewCredit("ok", ledger.PartySupplier, "s", total, ledger.ReasonDeliveryPayout),
			ledger.NewCredit("short", ledger.PartyBuyer, "b", decimal.RequireFromString("40"), ledger.ReasonDisputeRefund),
		})
		return err
	}))

	ids, err := s.UnbalancedDeals(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, ids)
}

func TestCreateDeal(t *testing.T) {
	s := New().WithIDGenerator(func() string { return "generated" })
	ctx := context.Background()

	d, err := s.CreateDeal(ctx, escrow.Deal{BuyerCompanyID: "b", SupplierCompanyID: "s", TotalAmount: decimal.RequireFromString("10")})
	require.NoError(t, err)
	assert.Equal(t, "generated", d.ID)
	assert.Equal(t, escrow.StatusCreated, d.Status)

	_, err = s.CreateDeal(ctx, escrow.Deal{ID: "generated"})
	assert.ErrorIs(t, err, escrow.ErrPersistenceConflict)

	_, err = s.CreateDeal(ctx, escrow.Deal{Status: "BOGUS"})
	assert.ErrorIs(t, err, escrow.ErrInvalidRequest)
}
