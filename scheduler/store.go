package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed delayed job queue. It implements the
// scheduling capability the milestone service drives and the claim/settle
// operations the runner drives.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
	staleAfter  time.Duration
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxAttempts: 8, staleAfter: 2 * time.Minute}
}

// WithMaxAttempts overrides the retry budget before a job goes dead.
func (s *Store) WithMaxAttempts(n int) *Store {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// WithStaleAfter overrides how long a running job may go without a settle
// before ClaimDue reclaims it.
func (s *Store) WithStaleAfter(d time.Duration) *Store {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// ScheduleTx enqueues the auto-release job for a milestone inside the
// caller's transaction. The unique key makes the enqueue idempotent: if a
// pending or running job already exists it is left untouched; a settled job
// (completed, skipped, canceled, dead) is revived for the new submission.
func (s *Store) ScheduleTx(ctx context.Context, tx pgx.Tx, milestoneID, dealID string, runAt time.Time) error {
	if milestoneID == "" || dealID == "" {
		return fmt.Errorf("scheduler: missing milestone or deal id")
	}

	const upsertSQL = `
		INSERT INTO release_jobs (key, milestone_id, deal_id, run_at, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (key) DO UPDATE
		SET run_at = EXCLUDED.run_at,
		    status = 'pending',
		    attempts = 0,
		    last_error = NULL,
		    updated_at = now()
		WHERE release_jobs.status NOT IN ('pending', 'running')
	`
	if _, err := tx.Exec(ctx, upsertSQL, JobKey(milestoneID), milestoneID, dealID, runAt); err != nil {
		return fmt.Errorf("scheduler: schedule: %w", err)
	}
	return nil
}

// CancelTx removes a still-pending job. Cancelling a job that already fired
// or never existed is a no-op; the handler's own re-validation is the
// authoritative guard.
func (s *Store) CancelTx(ctx context.Context, tx pgx.Tx, milestoneID string) error {
	const cancelSQL = `
		UPDATE release_jobs SET status = 'canceled', updated_at = now()
		WHERE key = $1 AND status = 'pending'
	`
	if _, err := tx.Exec(ctx, cancelSQL, JobKey(milestoneID)); err != nil {
		return fmt.Errorf("scheduler: cancel: %w", err)
	}
	return nil
}

// Reschedule moves a pending job's fire time, used when a dispute
// resolution recomputes the remaining review window.
func (s *Store) Reschedule(ctx context.Context, tx pgx.Tx, milestoneID string, runAt time.Time) error {
	const updateSQL = `
		UPDATE release_jobs SET run_at = $2, updated_at = now()
		WHERE key = $1 AND status = 'pending'
	`
	if _, err := tx.Exec(ctx, updateSQL, JobKey(milestoneID), runAt); err != nil {
		return fmt.Errorf("scheduler: reschedule: %w", err)
	}
	return nil
}

const jobColumns = `id, key, milestone_id, deal_id, run_at, status::text, attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Key, &j.MilestoneID, &j.DealID, &j.RunAt, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// ClaimDue locks the next due pending job, marks it running, and bumps its
// attempt counter. SKIP LOCKED lets multiple runners drain the queue
// without contending on the same row.
//
// Before claiming it requeues running jobs whose worker died between claim
// and settle: a row stuck in running past staleAfter has no live owner
// (workers settle failures within one handler call), so it goes back to
// pending and retries like any other failed attempt.
func (s *Store) ClaimDue(ctx context.Context) (Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, fmt.Errorf("scheduler: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().Add(-s.staleAfter)
	if _, err := tx.Exec(ctx, `
		UPDATE release_jobs SET status = 'pending', last_error = 'reclaimed from stale worker', updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`, cutoff); err != nil {
		return Job{}, false, fmt.Errorf("scheduler: reclaim stale: %w", err)
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM release_jobs
		WHERE status = 'pending' AND run_at <= now()
		ORDER BY run_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("scheduler: claim: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE release_jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1
	`, job.ID); err != nil {
		return Job{}, false, fmt.Errorf("scheduler: mark running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, fmt.Errorf("scheduler: commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	return job, true, nil
}

// MarkCompleted settles a job whose release committed.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE release_jobs SET status = 'completed', updated_at = now() WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: mark completed: %w", err)
	}
	return nil
}

// MarkSkipped records a benign no-op outcome with its reason.
func (s *Store) MarkSkipped(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE release_jobs SET status = 'skipped', last_error = $2, updated_at = now() WHERE id = $1
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("scheduler: mark skipped: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Within the retry budget the job goes
// back to pending at a backed-off time; past it, or when the failure is
// ErrPermanent, the job goes dead and a durable alert is written in the same
// transaction so a stalled payout is operator-visible, never silently
// dropped.
func (s *Store) MarkFailed(ctx context.Context, job Job, failure error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: begin fail: %w", err)
	}
	defer tx.Rollback(ctx)

	reason := failure.Error()
	if job.Attempts < s.maxAttempts && !errors.Is(failure, ErrPermanent) {
		runAt := time.Now().Add(Backoff(job.Attempts))
		if _, err := tx.Exec(ctx, `
			UPDATE release_jobs SET status = 'pending', run_at = $2, last_error = $3, updated_at = now()
			WHERE id = $1
		`, job.ID, runAt, reason); err != nil {
			return fmt.Errorf("scheduler: requeue: %w", err)
		}
		return commitOrWrap(ctx, tx, "requeue")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE release_jobs SET status = 'dead', last_error = $2, updated_at = now()
		WHERE id = $1
	`, job.ID, reason); err != nil {
		return fmt.Errorf("scheduler: mark dead: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"milestone_id": job.MilestoneID,
		"attempts":     job.Attempts,
		"last_error":   reason,
	})
	if err != nil {
		return fmt.Errorf("scheduler: marshal alert: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (deal_id, milestone_id, type, payload)
		VALUES ($1, $2, 'payout.release_stalled', $3)
	`, job.DealID, job.MilestoneID, payload); err != nil {
		return fmt.Errorf("scheduler: alert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload) VALUES ('ops.release_stalled', $1)
	`, payload); err != nil {
		return fmt.Errorf("scheduler: alert outbox: %w", err)
	}

	return commitOrWrap(ctx, tx, "mark dead")
}

func commitOrWrap(ctx context.Context, tx pgx.Tx, op string) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduler: commit %s: %w", op, err)
	}
	return nil
}

// ListPending returns jobs waiting to fire, soonest first.
func (s *Store) ListPending(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM release_jobs WHERE status = 'pending' ORDER BY run_at
	`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list pending: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: iterate: %w", err)
	}
	return out, nil
}

// Health reports queue depth for operational tooling.
func (s *Store) Health(ctx context.Context) (Health, error) {
	var h Health
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM release_jobs
	`).Scan(&h.Waiting, &h.Active, &h.Failed)
	if err != nil {
		return Health{}, fmt.Errorf("scheduler: health: %w", err)
	}
	return h, nil
}
