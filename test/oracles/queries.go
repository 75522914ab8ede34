// Package oracles holds SQL invariants that must hold at every committed state,
// no matter how operations interleave. Each query returns offending rows; an
// empty result means the invariant holds.
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

func All() []Oracle {
	return []Oracle{
		{
			// Value is only ever moved, never created or destroyed, after seeding.
			Name: "O1_conservation",
			SQL: `SELECT s.asset, s.amount AS supply, COALESCE(SUM(b.amount), 0) AS held
                  FROM stress_supply s
                  LEFT JOIN balances b ON b.asset = s.asset
                  GROUP BY s.asset, s.amount
                  HAVING s.amount <> COALESCE(SUM(b.amount), 0)`,
		},
		{
			Name: "O2_custody_matches_remaining",
			SQL: `SELECT a.id, a.total_amount, a.released_amount, a.refunded_amount, COALESCE(b.amount, 0) AS custody
                  FROM agreements a
                  LEFT JOIN balances b ON b.owner = 'escrow:' || a.id AND b.asset = a.asset
                  WHERE COALESCE(b.amount, 0) <> a.total_amount - a.released_amount - a.refunded_amount`,
		},
		{
			Name: "O3_terminal_fully_settled",
			SQL: `SELECT id, status, total_amount, released_amount, refunded_amount
                  FROM agreements
                  WHERE status IN ('completed','cancelled','expired')
                    AND released_amount + refunded_amount <> total_amount`,
		},
		{
			Name: "O4_terminal_milestones_settled",
			SQL: `SELECT m.agreement_id, m.idx, m.status, a.status
                  FROM milestones m
                  JOIN agreements a ON a.id = m.agreement_id
                  WHERE a.status IN ('completed','cancelled','expired')
                    AND m.status IN ('pending','approved')`,
		},
		{
			Name: "O5_released_matches_milestones",
			SQL: `SELECT a.id, a.released_amount, a.refunded_amount, SUM(m.amount) AS settled
                  FROM agreements a
                  JOIN milestones m ON m.agreement_id = a.id
                  WHERE a.dispute_resolution IS NULL
                    AND a.status <> 'expired'
                    AND m.status IN ('released','cancelled')
                  GROUP BY a.id, a.released_amount, a.refunded_amount
                  HAVING SUM(m.amount) <> a.released_amount + a.refunded_amount`,
		},
		{
			Name: "O6_timeline_seq_gapless",
			SQL: `SELECT agreement_id, COUNT(*), MAX(seq)
                  FROM timeline_events
                  WHERE agreement_id IS NOT NULL
                  GROUP BY agreement_id
                  HAVING COUNT(*) <> MAX(seq)`,
		},
		{
			Name: "O7_outbox_per_event",
			SQL: `SELECT t.c AS events, o.c AS messages
                  FROM (SELECT COUNT(*) AS c FROM timeline_events) t,
                       (SELECT COUNT(*) AS c FROM outbox) o
                  WHERE t.c <> o.c`,
		},
		{
			Name: "O8_single_live_certificate",
			SQL: `SELECT agreement_id, COUNT(*)
                  FROM certificates
                  WHERE supply = 1
                  GROUP BY agreement_id
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_timeline_worm_guard",
			SQL: `SELECT 'missing_timeline_worm_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'timeline_events_no_update')`,
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
