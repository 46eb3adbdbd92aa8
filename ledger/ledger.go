package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrExceedsTotal is returned when appending would push the deal's running total past its amount.
	ErrExceedsTotal = errors.New("ledger: running total exceeds deal amount")
	// ErrNegativeAmount is returned for entries carrying a negative amount.
	ErrNegativeAmount = errors.New("ledger: negative amount")
	// ErrNotConserved signals that a settled deal's entries do not add up to its amount.
	ErrNotConserved = errors.New("ledger: settlement does not conserve deal amount")
	// ErrForeignEntry is returned when an entry belongs to a different deal.
	ErrForeignEntry = errors.New("ledger: entry belongs to another deal")
)

// NewCredit builds a completed credit entry paying party the given amount.
func NewCredit(dealID string, party Party, companyID string, amount decimal.Decimal, reason Reason) Transaction {
	return Transaction{
		DealID:    dealID,
		Party:     party,
		CompanyID: companyID,
		Amount:    amount,
		Type:      TypeCredit,
		Status:    StatusCompleted,
		Reason:    reason,
	}
}

// Sum returns the signed running total of the entries.
func Sum(entries []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Signed())
	}
	return total
}

// CheckAppend verifies that next can be appended after existing without the
// running total leaving [-total, total].
func CheckAppend(existing []Transaction, total decimal.Decimal, next []Transaction) error {
	running := Sum(existing)
	for _, e := range next {
		if e.Amount.IsNegative() {
			return fmt.Errorf("%w: %s", ErrNegativeAmount, e.Amount)
		}
		if len(existing) > 0 && e.DealID != existing[0].DealID {
			return ErrForeignEntry
		}
		running = running.Add(e.Signed())
		if running.Abs().GreaterThan(total) {
			return fmt.Errorf("%w: %s > %s", ErrExceedsTotal, running.Abs(), total)
		}
	}
	return nil
}

// CheckSettled verifies money conservation for a completed deal.
func CheckSettled(entries []Transaction, total decimal.Decimal) error {
	sum := Sum(entries)
	if !sum.Equal(total) {
		return fmt.Errorf("%w: recorded %s, expected %s", ErrNotConserved, sum, total)
	}
	return nil
}

// Split divides total into a buyer refund and a supplier payout.
func Split(total, refund decimal.Decimal) (toBuyer, toSupplier decimal.Decimal) {
	return refund, total.Sub(refund)
}
