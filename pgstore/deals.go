package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
)

const selectDeal = `
	SELECT id, buyer_company_id, supplier_company_id, total_amount::text, status,
	       tracking_number, carrier, tracking_added_at, created_at, updated_at
	FROM deals
	WHERE id = $1`

func getDeal(ctx context.Context, q querier, dealID string, forUpdate bool) (escrow.Deal, error) {
	query := selectDeal
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		d               escrow.Deal
		total           string
		status          string
		trackingNumber  *string
		carrier         *string
		trackingAddedAt *time.Time
	)
	err := q.QueryRow(ctx, query, dealID).Scan(
		&d.ID, &d.BuyerCompanyID, &d.SupplierCompanyID, &total, &status,
		&trackingNumber, &carrier, &trackingAddedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Deal{}, escrow.ErrDealNotFound
		}
		return escrow.Deal{}, fmt.Errorf("pgstore: fetch deal: %w", classify(err))
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return escrow.Deal{}, fmt.Errorf("pgstore: parse deal amount %q: %w", total, err)
	}
	d.TotalAmount = amount
	d.Status = escrow.Status(status)
	if trackingNumber != nil {
		d.Tracking = &escrow.Tracking{Number: *trackingNumber}
		if carrier != nil {
			d.Tracking.Carrier = *carrier
		}
		if trackingAddedAt != nil {
			d.Tracking.AddedAt = *trackingAddedAt
		}
	}
	return d, nil
}

// UpdateDealStatus moves the deal only while it is still in from.
func (t *pgTx) UpdateDealStatus(ctx context.Context, dealID string, from, to escrow.Status) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE deals
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, dealID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("pgstore: update deal status: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deal %s not in %s", escrow.ErrPersistenceConflict, dealID, from)
	}
	return nil
}

func (t *pgTx) SetTracking(ctx context.Context, dealID string, tracking escrow.Tracking) error {
	addedAt := tracking.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE deals
		SET tracking_number = $2, carrier = $3, tracking_added_at = $4, updated_at = now()
		WHERE id = $1
	`, dealID, tracking.Number, tracking.Carrier, addedAt)
	if err != nil {
		return fmt.Errorf("pgstore: set tracking: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrDealNotFound
	}
	return nil
}
