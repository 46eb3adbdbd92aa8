package escrow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrLockBusy signals the deal lock is held by another caller. Retryable.
	ErrLockBusy = errors.New("escrow: deal is locked by another operation")
	// ErrInvalidTransition signals the requested edge is not in the deal graph.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrInvalidRefundAmount signals a refund outside [0, deal total].
	ErrInvalidRefundAmount = errors.New("escrow: invalid refund amount")
	// ErrUnauthorizedWinner signals the winner is not a party to the deal.
	ErrUnauthorizedWinner = errors.New("escrow: winner is not a party to the deal")
	// ErrDisputeAlreadyClosed signals the dispute was resolved earlier.
	ErrDisputeAlreadyClosed = errors.New("escrow: dispute already closed")
	// ErrDealNotFound is returned when no deal row exists for the identifier.
	ErrDealNotFound = errors.New("escrow: deal not found")
	// ErrDisputeNotFound is returned when no dispute row exists for the identifier.
	ErrDisputeNotFound = errors.New("escrow: dispute not found")
	// ErrPersistenceConflict signals a write failed or diverged while the lock was held.
	ErrPersistenceConflict = errors.New("escrow: persistence conflict")
	// ErrInvalidRequest signals a malformed operation request.
	ErrInvalidRequest = errors.New("escrow: invalid request")
)

// TransitionError describes a rejected edge. It matches ErrInvalidTransition.
type TransitionError struct {
	DealID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition %s -> %s for deal %s", e.From, e.To, e.DealID)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError builds the error returned for a rejected edge.
func NewTransitionError(dealID string, from, to Status) error {
	return &TransitionError{DealID: dealID, From: from, To: to}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an infrastructure failure (lock store or database
// communication) as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Retryable reports whether the caller may retry the operation that returned err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockBusy) {
		return true
	}
	if errors.Is(err, ErrPersistenceConflict) {
		return false
	}
	var te *transientError
	return errors.As(err, &te)
}

// Kind returns a short label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLockBusy):
		return "lock_busy"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidRefundAmount):
		return "invalid_refund_amount"
	case errors.Is(err, ErrUnauthorizedWinner):
		return "unauthorized_winner"
	case errors.Is(err, ErrDisputeAlreadyClosed):
		return "dispute_already_closed"
	case errors.Is(err, ErrDealNotFound):
		return "deal_not_found"
	case errors.Is(err, ErrDisputeNotFound):
		return "dispute_not_found"
	case errors.Is(err, ErrPersistenceConflict):
		return "persistence_conflict"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case Retryable(err):
		return "transient"
	default:
		return "internal"
	}
}

// ClassifyWrite maps a store failure seen while holding a deal lock. Transient
// failures and cancellations stay retryable; any other failure is a
// persistence conflict.
func ClassifyWrite(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if Retryable(err) {
			return err
		}
		return Transient(err)
	case Retryable(err), errors.Is(err, ErrPersistenceConflict):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
	}
}
