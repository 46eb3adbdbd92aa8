package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type is the direction of a money movement relative to the receiving party.
type Type string

const (
	TypeCredit Type = "credit"
	TypeDebit  Type = "debit"
)

// Status of a recorded movement. Entries are written once, already settled.
type Status string

const (
	StatusCompleted Status = "completed"
)

// Party identifies which side of the deal an entry pays.
type Party string

const (
	PartyBuyer    Party = "buyer"
	PartySupplier Party = "supplier"
)

// Reason records the event that produced a settlement entry.
type Reason string

const (
	ReasonDeliveryPayout Reason = "delivery_payout"
	ReasonDisputeRefund  Reason = "dispute_refund"
	ReasonDisputePayout  Reason = "dispute_payout"
)

// Transaction mirrors the transactions table. Rows are append-only.
type Transaction struct {
	ID        string
	DealID    string
	Party     Party
	CompanyID string
	Amount    decimal.Decimal
	Type      Type
	Status    Status
	Reason    Reason
	CreatedAt time.Time
}

// Signed returns the amount with the sign implied by its type.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
