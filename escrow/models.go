package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deal mirrors the deals table. It is mutated only through the state machine.
type Deal struct {
	ID                string
	BuyerCompanyID    string
	SupplierCompanyID string
	TotalAmount       decimal.Decimal
	Status            Status
	Tracking          *Tracking
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsParty reports whether companyID is the buyer or the supplier of the deal.
func (d Deal) IsParty(companyID string) bool {
	return companyID != "" && (companyID == d.BuyerCompanyID || companyID == d.SupplierCompanyID)
}

// Counterparty returns the other side of the deal for a party company.
func (d Deal) Counterparty(companyID string) string {
	if companyID == d.BuyerCompanyID {
		return d.SupplierCompanyID
	}
	return d.BuyerCompanyID
}

// Tracking holds the shipment details recorded when a deal ships.
type Tracking struct {
	Number  string
	Carrier string
	AddedAt time.Time
}

// DisputeStatus represents the lifecycle of a dispute record.
type DisputeStatus string

const (
	DisputeOpen   DisputeStatus = "OPEN"
	DisputeClosed DisputeStatus = "CLOSED"
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                 string
	DealID             string
	ClaimantCompanyID  string
	DefendantCompanyID string
	Reason             string
	Demands            string
	FinalDecision      *string
	RefundAmount       *decimal.Decimal
	ArbiterID          *string
	WinnerCompanyID    *string
	Status             DisputeStatus
	OpenedAt           time.Time
	ClosedAt           *time.Time
}

// DisputeResolution carries the fields written when a dispute is closed.
type DisputeResolution struct {
	DisputeID       string
	FinalDecision   string
	RefundAmount    decimal.Decimal
	ArbiterID       string
	WinnerCompanyID string
	ClosedAt        time.Time
}

// Event is an immutable timeline entry written alongside a transition. When
// Topic is set the store also enqueues an outbox message in the same transaction.
type Event struct {
	DealID  string
	Type    string
	Topic   string
	ActorID string
	Payload map[string]any
}

const (
	EventStatusChanged = "DEAL_STATUS_CHANGED"
	EventTrackingAdded = "TRACKING_ADDED"
	EventDisputeOpened = "DISPUTE_OPENED"
	EventDisputeClosed = "DISPUTE_CLOSED"
	EventFundsSettled  = "FUNDS_SETTLED"
)

// Outbox topics published for downstream delivery.
const (
	TopicStatusChanged = "deal.status_changed"
	TopicDisputeOpened = "dispute.opened"
	TopicDisputeClosed = "dispute.closed"
	TopicFundsSettled  = "deal.funds_settled"
)

// DefaultLockTTL bounds how long a crashed holder can block a deal.
const DefaultLockTTL = 5 * time.Second

// LockKey returns the distributed lock key guarding a deal.
func LockKey(dealID string) string {
	return "deal:" + dealID
}
