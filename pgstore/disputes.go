package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
)

const selectDispute = `
	SELECT id, deal_id, claimant_company_id, defendant_company_id, reason, demands,
	       final_decision, refund_amount::text, arbiter_id, winner_company_id,
	       status, opened_at, closed_at
	FROM disputes`

func scanDispute(row pgx.Row) (escrow.Dispute, error) {
	var (
		d      escrow.Dispute
		refund *string
		status string
	)
	if err := row.Scan(
		&d.ID, &d.DealID, &d.ClaimantCompanyID, &d.DefendantCompanyID, &d.Reason, &d.Demands,
		&d.FinalDecision, &refund, &d.ArbiterID, &d.WinnerCompanyID,
		&status, &d.OpenedAt, &d.ClosedAt,
	); err != nil {
		return escrow.Dispute{}, err
	}
	d.Status = escrow.DisputeStatus(status)
	if refund != nil {
		amount, err := decimal.NewFromString(*refund)
		if err != nil {
			return escrow.Dispute{}, fmt.Errorf("parse refund amount %q: %w", *refund, err)
		}
		d.RefundAmount = &amount
	}
	return d, nil
}

func getDispute(ctx context.Context, q querier, disputeID string, forUpdate bool) (escrow.Dispute, error) {
	query := selectDispute + " WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	d, err := scanDispute(q.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Dispute{}, escrow.ErrDisputeNotFound
		}
		return escrow.Dispute{}, fmt.Errorf("pgstore: fetch dispute: %w", classify(err))
	}
	return d, nil
}

func (t *pgTx) GetOpenDisputeByDeal(ctx context.Context, dealID string) (escrow.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRow(ctx, selectDispute+` WHERE deal_id = $1 AND status = 'OPEN' FOR UPDATE`, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Dispute{}, escrow.ErrDisputeNotFound
		}
		return escrow.Dispute{}, fmt.Errorf("pgstore: fetch open dispute: %w", classify(err))
	}
	return d, nil
}

// CreateDispute opens a dispute. A second open dispute for the same deal
// violates disputes_one_open_per_deal and surfaces as a conflict.
func (t *pgTx) CreateDispute(ctx context.Context, d escrow.Dispute) (escrow.Dispute, error) {
	const q = `
		INSERT INTO disputes (deal_id, claimant_company_id, defendant_company_id, reason, demands, status)
		VALUES ($1, $2, $3, $4, $5, 'OPEN')
		RETURNING id, opened_at
	`
	if err := t.tx.QueryRow(ctx, q, d.DealID, d.ClaimantCompanyID, d.DefendantCompanyID, d.Reason, d.Demands).
		Scan(&d.ID, &d.OpenedAt); err != nil {
		return escrow.Dispute{}, fmt.Errorf("pgstore: create dispute: %w", classify(err))
	}
	d.Status = escrow.DisputeOpen
	return d, nil
}

func (t *pgTx) CloseDispute(ctx context.Context, res escrow.DisputeResolution) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE disputes
		SET final_decision = $2,
		    refund_amount = $3::numeric,
		    arbiter_id = $4,
		    winner_company_id = $5,
		    status = 'CLOSED',
		    closed_at = COALESCE($6, now())
		WHERE id = $1 AND status = 'OPEN'
	`, res.DisputeID, res.FinalDecision, res.RefundAmount.String(), nullString(res.ArbiterID), res.WinnerCompanyID, nullTime(res.ClosedAt))
	if err != nil {
		return fmt.Errorf("pgstore: close dispute: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispute %s is not open", escrow.ErrPersistenceConflict, res.DisputeID)
	}
	return nil
}
