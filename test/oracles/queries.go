package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists queries that must return no rows while the escrow core is under load.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_delivery_payout",
			SQL: `SELECT deal_id, COUNT(*) FROM transactions
                  WHERE reason = 'delivery_payout'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_settled_ledger_conserves_total",
			SQL: `SELECT d.id, d.status, d.total_amount, COALESCE(SUM(t.amount), 0) AS ledger
                  FROM deals d LEFT JOIN transactions t ON t.deal_id = d.id
                  WHERE d.status IN ('COMPLETED','CANCELED')
                  GROUP BY d.id, d.status, d.total_amount
                  HAVING COALESCE(SUM(t.amount), 0) <>
                         CASE WHEN d.status = 'COMPLETED' THEN d.total_amount ELSE 0 END`,
		},
		{
			Name: "O3_no_ledger_before_settlement",
			SQL: `SELECT d.id, d.status FROM deals d
                  WHERE d.status NOT IN ('COMPLETED','CANCELED')
                    AND EXISTS (SELECT 1 FROM transactions t WHERE t.deal_id = d.id)`,
		},
		{
			Name: "O4_open_dispute_iff_disputed_deal",
			SQL: `SELECT p.id AS any, d.status FROM disputes p
                  JOIN deals d ON d.id = p.deal_id
                  WHERE p.status = 'OPEN' AND d.status <> 'DISPUTE'
                  UNION ALL
                  SELECT d.id AS any, d.status FROM deals d
                  WHERE d.status = 'DISPUTE'
                    AND NOT EXISTS (SELECT 1 FROM disputes p WHERE p.deal_id = d.id AND p.status = 'OPEN')`,
		},
		{
			Name: "O5_closed_dispute_settled",
			SQL: `SELECT p.id, p.deal_id, d.status FROM disputes p
                  JOIN deals d ON d.id = p.deal_id
                  WHERE p.status = 'CLOSED'
                    AND (d.status <> 'COMPLETED'
                         OR p.refund_amount IS NULL OR p.refund_amount > d.total_amount
                         OR p.winner_company_id NOT IN (d.buyer_company_id, d.supplier_company_id))`,
		},
		{
			Name: "O6_settlement_announced",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.status = 'COMPLETED'
                    AND NOT EXISTS (SELECT 1 FROM outbox o
                                    WHERE o.topic = 'deal.funds_settled'
                                      AND o.payload->>'deal_id' = d.id)`,
		},
		{
			Name: "O7_ledger_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'transactions_no_mutation')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
