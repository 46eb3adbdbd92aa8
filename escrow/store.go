package escrow

import (
	"context"
	"time"

	"escrowflow/ledger"
)

// Tx is the unit of work handed to Store.WithTx. Writes become visible only if
// the callback returns nil and the store commits.
type Tx interface {
	GetDeal(ctx context.Context, dealID string) (Deal, error)
	// UpdateDealStatus moves the deal from -> to. It fails with
	// ErrPersistenceConflict when the stored status is no longer from.
	UpdateDealStatus(ctx context.Context, dealID string, from, to Status) error
	SetTracking(ctx context.Context, dealID string, tracking Tracking) error

	GetDispute(ctx context.Context, disputeID string) (Dispute, error)
	GetOpenDisputeByDeal(ctx context.Context, dealID string) (Dispute, error)
	CreateDispute(ctx context.Context, d Dispute) (Dispute, error)
	CloseDispute(ctx context.Context, res DisputeResolution) error

	ListTransactions(ctx context.Context, dealID string) ([]ledger.Transaction, error)
	// AppendTransactions writes all entries or none of them.
	AppendTransactions(ctx context.Context, entries []ledger.Transaction) ([]ledger.Transaction, error)

	RecordEvent(ctx context.Context, ev Event) error
}

// Store is the persistence collaborator consumed by the state machine and the
// dispute resolver.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetDeal(ctx context.Context, dealID string) (Deal, error)
	GetDispute(ctx context.Context, disputeID string) (Dispute, error)
	ListTransactions(ctx context.Context, dealID string) ([]ledger.Transaction, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]Dispute, error)
}

// Locker is the distributed lock collaborator. Acquire returns an ownership
// token that Release requires; a release with a stale token is a no-op.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}
