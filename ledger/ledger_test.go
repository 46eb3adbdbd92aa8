package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func credit(amount int64) Transaction {
	return NewCredit("deal-1", PartySupplier, "sup", decimal.NewFromInt(amount), ReasonDeliveryPayout)
}

func TestCheckAppend_WithinTotal(t *testing.T) {
	total := decimal.NewFromInt(1000)
	next := []Transaction{
		NewCredit("deal-1", PartyBuyer, "buy", decimal.NewFromInt(400), ReasonDisputeRefund),
		NewCredit("deal-1", PartySupplier, "sup", decimal.NewFromInt(600), ReasonDisputePayout),
	}
	if err := CheckAppend(nil, total, next); err != nil {
		t.Fatalf("expected append to fit, got %v", err)
	}
}

func TestCheckAppend_ExceedsTotal(t *testing.T) {
	total := decimal.NewFromInt(1000)
	existing := []Transaction{credit(1000)}
	err := CheckAppend(existing, total, []Transaction{credit(1)})
	if !errors.Is(err, ErrExceedsTotal) {
		t.Fatalf("expected ErrExceedsTotal, got %v", err)
	}
}

func TestCheckAppend_NegativeAmount(t *testing.T) {
	err := CheckAppend(nil, decimal.NewFromInt(10), []Transaction{credit(-1)})
	if !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestCheckAppend_ForeignDeal(t *testing.T) {
	other := credit(1)
	other.DealID = "deal-2"
	err := CheckAppend([]Transaction{credit(1)}, decimal.NewFromInt(10), []Transaction{other})
	if !errors.Is(err, ErrForeignEntry) {
		t.Fatalf("expected ErrForeignEntry, got %v", err)
	}
}

func TestSum_DebitsSubtract(t *testing.T) {
	d := credit(300)
	d.Type = TypeDebit
	got := Sum([]Transaction{credit(500), d})
	if !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected 200, got %s", got)
	}
}

func TestCheckSettled(t *testing.T) {
	total := decimal.RequireFromString("1000.50")
	buyer, supplier := Split(total, decimal.RequireFromString("0.50"))
	entries := []Transaction{
		NewCredit("deal-1", PartyBuyer, "buy", buyer, ReasonDisputeRefund),
		NewCredit("deal-1", PartySupplier, "sup", supplier, ReasonDisputePayout),
	}
	if err := CheckSettled(entries, total); err != nil {
		t.Fatalf("expected conserved ledger, got %v", err)
	}
	if err := CheckSettled(entries[:1], total); !errors.Is(err, ErrNotConserved) {
		t.Fatalf("expected ErrNotConserved, got %v", err)
	}
}
