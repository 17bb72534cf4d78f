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

// All returns the invariant probes. Each query must return zero rows on a
// healthy database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			// a released milestone without a payout, or a payout for a
			// milestone that never released, means the atomic edge broke
			Name: "O1_release_payout_pairing",
			SQL: `SELECT m.id::text, 'released_without_payout' FROM milestones m
                  LEFT JOIN payouts p ON p.milestone_id = m.id
                  WHERE m.state = 'released' AND p.id IS NULL
                  UNION ALL
                  SELECT p.milestone_id::text, 'payout_without_release' FROM payouts p
                  JOIN milestones m ON m.id = p.milestone_id
                  WHERE m.state <> 'released'`,
		},
		{
			Name: "O2_amount_invariant",
			SQL: `SELECT d.id FROM deals d
                  JOIN milestones m ON m.deal_id = d.id
                  GROUP BY d.id, d.amount_total
                  HAVING SUM(m.amount_minor) <> d.amount_total`,
		},
		{
			Name: "O3_single_live_job_per_milestone",
			SQL: `SELECT milestone_id, COUNT(*) FROM release_jobs
                  WHERE status IN ('pending', 'running')
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_single_active_dispute_per_deal",
			SQL: `SELECT deal_id, COUNT(*) FROM disputes
                  WHERE state IN ('open', 'escalated', 'under_review')
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			// an active dispute and its deal's disputed state are written in
			// one transaction; no snapshot may ever show one without the other
			Name: "O5_dispute_freeze_atomic",
			SQL: `SELECT dp.id::text FROM disputes dp
                  JOIN deals d ON d.id = dp.deal_id
                  WHERE dp.state IN ('open', 'escalated', 'under_review') AND d.state <> 'disputed'
                  UNION ALL
                  SELECT d.id::text FROM deals d
                  WHERE d.state = 'disputed' AND NOT EXISTS (
                      SELECT 1 FROM disputes dp WHERE dp.deal_id = d.id
                        AND dp.state IN ('open', 'escalated', 'under_review'))`,
		},
		{
			Name: "O6_released_deal_complete",
			SQL: `SELECT d.id FROM deals d
                  JOIN milestones m ON m.deal_id = d.id
                  WHERE d.state = 'released' AND m.state <> 'released'`,
		},
		{
			Name: "O7_revision_cap",
			SQL:  `SELECT id, revisions FROM milestones WHERE revisions > 3`,
		},
		{
			Name: "O8_payout_never_exceeds_deal",
			SQL: `SELECT p.deal_id FROM payouts p
                  JOIN deals d ON d.id = p.deal_id
                  GROUP BY p.deal_id, d.amount_total
                  HAVING SUM(p.amount_minor) > d.amount_total`,
		},
		{
			Name: "O9_stalled_outbox",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			// a dead job must leave an operator-visible alert event
			Name: "O10_dead_job_alert",
			SQL: `SELECT j.id FROM release_jobs j
                  WHERE j.status = 'dead' AND NOT EXISTS (
                      SELECT 1 FROM events e
                      WHERE e.milestone_id = j.milestone_id AND e.type = 'payout.release_stalled')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
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
