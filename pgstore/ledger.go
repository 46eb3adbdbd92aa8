package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

func listTransactions(ctx context.Context, q querier, dealID string) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT id, deal_id, party, company_id, amount::text, type, status, reason, created_at
		FROM transactions
		WHERE deal_id = $1
		ORDER BY seq
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list transactions: %w", classify(err))
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0, 2)
	for rows.Next() {
		var (
			e      ledger.Transaction
			amount string
		)
		if err := rows.Scan(&e.ID, &e.DealID, &e.Party, &e.CompanyID, &amount, &e.Type, &e.Status, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan transaction: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("pgstore: parse amount %q: %w", amount, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate transactions: %w", classify(err))
	}
	return out, nil
}

// AppendTransactions inserts every entry in one batch on the open
// transaction; none is visible unless the transaction commits.
func (t *pgTx) AppendTransactions(ctx context.Context, entries []ledger.Transaction) ([]ledger.Transaction, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	const q = `
		INSERT INTO transactions (deal_id, party, company_id, amount, type, status, reason)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		RETURNING id, created_at
	`
	batch := &pgx.Batch{}
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = ledger.StatusCompleted
		}
		batch.Queue(q, e.DealID, string(e.Party), e.CompanyID, e.Amount.String(), string(e.Type), string(status), string(e.Reason))
	}

	br := t.tx.SendBatch(ctx, batch)
	out := make([]ledger.Transaction, 0, len(entries))
	for _, e := range entries {
		if err := br.QueryRow().Scan(&e.ID, &e.CreatedAt); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("pgstore: append transaction: %w", classify(err))
		}
		if e.Status == "" {
			e.Status = ledger.StatusCompleted
		}
		out = append(out, e)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("pgstore: close batch: %w", classify(err))
	}
	return out, nil
}

// RecordEvent appends to the deal timeline and, when the event carries a
// topic, enqueues the outbox message in the same transaction.
func (t *pgTx) RecordEvent(ctx context.Context, ev escrow.Event) error {
	var actor *string
	if ev.ActorID != "" {
		actor = &ev.ActorID
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO timeline_events (deal_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4)
	`, ev.DealID, ev.Type, toJSON(ev.Payload), actor); err != nil {
		return fmt.Errorf("pgstore: insert timeline: %w", classify(err))
	}

	if ev.Topic == "" {
		return nil
	}
	payload := map[string]any{"deal_id": ev.DealID, "type": ev.Type}
	for k, v := range ev.Payload {
		payload[k] = v
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`, ev.Topic, toJSON(payload)); err != nil {
		return fmt.Errorf("pgstore: enqueue outbox: %w", classify(err))
	}
	return nil
}

func toJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
