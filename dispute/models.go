package dispute

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// ResolveRequest is an arbiter's ruling on an open dispute. RefundAmount goes
// to the buyer and the remainder of the deal total to the supplier.
// WinnerCompanyID records whom the arbiter ruled for and need not match the
// larger share. ArbiterID is optional and stored as NULL when empty. The refund
// range is checked against the deal once the dispute is known to be open.
type ResolveRequest struct {
	DisputeID       string
	DecisionText    string
	RefundAmount    decimal.Decimal
	WinnerCompanyID string
	ArbiterID       string
}

func (r ResolveRequest) Validate() error {
	if strings.TrimSpace(r.DisputeID) == "" {
		return fmt.Errorf("%w: dispute id required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.DecisionText) == "" {
		return fmt.Errorf("%w: decision text required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.WinnerCompanyID) == "" {
		return fmt.Errorf("%w: winner company id required", escrow.ErrInvalidRequest)
	}
	return nil
}

// Outcome is the committed result of a resolution.
type Outcome struct {
	Dispute escrow.Dispute
	Deal    escrow.Deal
	Entries []ledger.Transaction
}
