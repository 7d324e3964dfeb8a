package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_offer",
			SQL: `SELECT shipment_id, COUNT(*) FROM offers
                  WHERE status = 'accepted'
                  GROUP BY shipment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_pointer_matches",
			SQL: `SELECT s.id, s.accepted_offer_id, o.status, o.shipment_id
                  FROM shipments s
                  LEFT JOIN offers o ON o.id = s.accepted_offer_id
                  WHERE s.accepted_offer_id IS NOT NULL
                    AND (o.id IS NULL OR o.status <> 'accepted' OR o.shipment_id <> s.id)
                  UNION ALL
                  SELECT s.id, s.accepted_offer_id, o.status, o.shipment_id
                  FROM offers o
                  JOIN shipments s ON s.id = o.shipment_id
                  WHERE o.status = 'accepted'
                    AND s.accepted_offer_id IS DISTINCT FROM o.id`,
		},
		{
			Name: "O3_shipment_status_consistent",
			SQL: `SELECT id, status, accepted_offer_id FROM shipments
                  WHERE (status = 'open' AND accepted_offer_id IS NOT NULL)
                     OR (status = 'offer_accepted' AND accepted_offer_id IS NULL)`,
		},
		{
			Name: "O4_siblings_settled",
			SQL: `SELECT sib.id, sib.shipment_id FROM offers sib
                  JOIN shipments s ON s.id = sib.shipment_id
                  JOIN settlement_steps st
                    ON st.offer_id = s.accepted_offer_id AND st.step = 'reject_siblings'
                  WHERE st.status = 'done'
                    AND sib.status = 'pending'`,
		},
		{
			Name: "O5_steps_only_for_winners",
			SQL: `SELECT st.offer_id, st.step FROM settlement_steps st
                  JOIN offers o ON o.id = st.offer_id
                  WHERE o.status <> 'accepted'
                  UNION ALL
                  SELECT o.id, 'missing' FROM offers o
                  WHERE o.status = 'accepted'
                    AND (SELECT COUNT(*) FROM settlement_steps st WHERE st.offer_id = o.id) <> 2`,
		},
		{
			Name: "O6_escrow_hold_recorded",
			SQL: `SELECT offer_id FROM settlement_steps
                  WHERE step = 'escrow_hold' AND status = 'done' AND hold_id IS NULL`,
		},
		{
			Name: "O7_idempotency_expiry_after_creation",
			SQL:  `SELECT key FROM idempotency_records WHERE expires_at <= created_at`,
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
		rows.Close()
	}
	return "", "", nil
}
