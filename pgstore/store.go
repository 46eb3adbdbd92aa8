// Package pgstore persists deals, disputes, ledger entries, timeline events and
// outbox messages in PostgreSQL. Every escrow.Tx maps to one database
// transaction, so a status change and its ledger entries commit together.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	querier
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  DB
	log *zap.Logger
}

var _ escrow.Store = (*Store)(nil)

func New(db DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.With(zap.String("component", "pgstore"))}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Warn("commit failed", zap.Error(err))
		return fmt.Errorf("pgstore: commit: %w", classify(err))
	}
	return nil
}

func (s *Store) GetDeal(ctx context.Context, dealID string) (escrow.Deal, error) {
	return getDeal(ctx, s.db, dealID, false)
}

func (s *Store) GetDispute(ctx context.Context, disputeID string) (escrow.Dispute, error) {
	return getDispute(ctx, s.db, disputeID, false)
}

func (s *Store) ListTransactions(ctx context.Context, dealID string) ([]ledger.Transaction, error) {
	return listTransactions(ctx, s.db, dealID)
}

func (s *Store) ListOpenDisputes(ctx context.Context, limit int) ([]escrow.Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, selectDispute+` WHERE status = 'OPEN' ORDER BY opened_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list open disputes: %w", classify(err))
	}
	defer rows.Close()

	out := make([]escrow.Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate disputes: %w", classify(err))
	}
	return out, nil
}

// CreateDeal inserts a deal as produced by deal initiation upstream.
func (s *Store) CreateDeal(ctx context.Context, d escrow.Deal) (escrow.Deal, error) {
	if d.Status == "" {
		d.Status = escrow.StatusCreated
	}
	if !d.Status.Valid() {
		return escrow.Deal{}, fmt.Errorf("%w: unknown status %q", escrow.ErrInvalidRequest, d.Status)
	}
	const q = `
		INSERT INTO deals (id, buyer_company_id, supplier_company_id, total_amount, status)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4::numeric, $5)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, q, d.ID, d.BuyerCompanyID, d.SupplierCompanyID, d.TotalAmount.String(), string(d.Status)).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return escrow.Deal{}, fmt.Errorf("pgstore: create deal: %w", classify(err))
	}
	return d, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetDeal(ctx context.Context, dealID string) (escrow.Deal, error) {
	return getDeal(ctx, t.tx, dealID, true)
}

func (t *pgTx) GetDispute(ctx context.Context, disputeID string) (escrow.Dispute, error) {
	return getDispute(ctx, t.tx, disputeID, true)
}

func (t *pgTx) ListTransactions(ctx context.Context, dealID string) ([]ledger.Transaction, error) {
	return listTransactions(ctx, t.tx, dealID)
}

// classify maps driver errors onto the escrow taxonomy. Constraint violations
// are conflicts; serialization failures and connection errors are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514", "23001":
			return fmt.Errorf("%w: %w", escrow.ErrPersistenceConflict, err)
		case "40001", "40P01", "55P03", "57P01":
			return escrow.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isConnError(err) {
		return escrow.Transient(err)
	}
	return err
}

func isConnError(err error) bool {
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	return errors.As(err, &connErr) || errors.As(err, &netErr)
}

// UnbalancedDeals returns settled deals whose ledger does not add up:
// COMPLETED deals must sum to their total and CANCELED deals to zero.
func (s *Store) UnbalancedDeals(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT d.id
		FROM deals d
		LEFT JOIN transactions t ON t.deal_id = d.id
		WHERE d.status IN ('COMPLETED', 'CANCELED')
		GROUP BY d.id, d.status, d.total_amount
		HAVING COALESCE(SUM(CASE WHEN t.type = 'debit' THEN -t.amount ELSE t.amount END), 0)
		       <> CASE WHEN d.status = 'COMPLETED' THEN d.total_amount ELSE 0 END
		ORDER BY d.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: audit ledger: %w", classify(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: scan audit row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate audit rows: %w", classify(err))
	}
	return ids, nil
}
