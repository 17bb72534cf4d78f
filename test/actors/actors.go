package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Submitter plays the creator: whenever a milestone of the deal is pending
// and the deal is funded, it submits a deliverable and schedules the
// auto-release job in the same transaction, exactly as the service does.
func Submitter(ctx context.Context, pool *pgxpool.Pool, dealID, creatorID string, window time.Duration, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var mID string
		err = tx.QueryRow(ctx, `
			SELECT m.id FROM milestones m JOIN deals d ON d.id = m.deal_id
			WHERE m.deal_id = $1 AND m.state = 'pending' AND d.state = 'funded' AND m.revisions < 3
			LIMIT 1 FOR UPDATE OF m, d SKIP LOCKED`, dealID).Scan(&mID)
		if err == nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO deliverables (id, milestone_id, url)
				VALUES (gen_random_uuid(), $1, 'https://cdn.example.com/cut.mp4')`, mID)
			if err == nil {
				_, err = tx.Exec(ctx, `
					UPDATE milestones SET state = 'submitted', submitted_at = now(), updated_at = now()
					WHERE id = $1 AND state = 'pending'`, mID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `
					INSERT INTO release_jobs (key, milestone_id, deal_id, run_at, status)
					VALUES ('auto-release-' || $1, $1::uuid, $2, now() + $3::interval, 'pending')
					ON CONFLICT (key) DO UPDATE
					SET run_at = EXCLUDED.run_at, status = 'pending', attempts = 0, last_error = NULL, updated_at = now()
					WHERE release_jobs.status NOT IN ('pending', 'running')`, mID, dealID, window.String())
			}
			if err == nil {
				_, err = tx.Exec(ctx, `
					INSERT INTO events (deal_id, milestone_id, type, actor_id, payload)
					VALUES ($1, $2, 'deliverable.submitted', $3, '{}'::jsonb)`, dealID, mID, creatorID)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("submitter: %w", err)
			}
		}
		_ = tx.Rollback(ctx)
		pause(10, 30)
	}
}

// release performs the shared atomic approve+release edge straight against
// SQL: conditional state write plus the unique payout insert. A zero-row
// update or a duplicate payout means the race was lost, which is the
// expected outcome under contention.
func release(ctx context.Context, pool *pgxpool.Pool, mID, dealID, actorID string, auto bool) error {
	// provider confirmation happens before the ledger transaction opens
	payoutRef := fmt.Sprintf("po_%d", rand.Int63())

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE milestones m
		SET state = 'released', approved_at = now(), released_at = now(), auto_released = $2, updated_at = now()
		FROM deals d
		WHERE m.id = $1 AND m.state = 'submitted' AND d.id = m.deal_id AND d.state = 'funded'
		RETURNING m.amount_minor`, mID, auto).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // lost the race
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payouts (id, deal_id, milestone_id, provider, provider_ref, amount_minor, status)
		VALUES (gen_random_uuid(), $1, $2, 'escrow', $3, $4, 'completed')`, dealID, mID, payoutRef, amount)
	if err != nil {
		if isDuplicate(err) {
			return nil // a payout already exists, abort without double-paying
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (deal_id, milestone_id, type, actor_id, payload)
		VALUES ($1, $2, 'milestone.approved', $3, '{}'::jsonb),
		       ($1, $2, 'payout.initiated', $3, '{}'::jsonb)`, dealID, mID, actorID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE deals SET state = 'released', completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'funded'
		  AND NOT EXISTS (SELECT 1 FROM milestones WHERE deal_id = $1 AND state <> 'released')`, dealID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Approver plays the brand: it races the auto-releaser for submitted
// milestones. Exactly one of the two may ever produce a payout.
func Approver(ctx context.Context, pool *pgxpool.Pool, dealID, brandID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var mID string
		err := pool.QueryRow(ctx, `
			SELECT m.id FROM milestones m JOIN deals d ON d.id = m.deal_id
			WHERE m.deal_id = $1 AND m.state = 'submitted' AND d.state = 'funded'
			LIMIT 1`, dealID).Scan(&mID)
		if err == nil {
			if err := release(ctx, pool, mID, dealID, brandID, false); err != nil && ctx.Err() == nil {
				return fmt.Errorf("approver: %w", err)
			}
		}
		pause(10, 40)
	}
}

// AutoReleaser drains due release jobs with SKIP LOCKED, re-validates the
// world, and funnels into the same release edge the approver uses.
func AutoReleaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var jobID, mID, dealID string
		err = tx.QueryRow(ctx, `
			SELECT id, milestone_id, deal_id FROM release_jobs
			WHERE status = 'pending' AND run_at <= now()
			ORDER BY run_at
			LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&jobID, &mID, &dealID)
		if err == nil {
			_, err = tx.Exec(ctx, `
				UPDATE release_jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
				WHERE id = $1`, jobID)
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil {
			pause(20, 40)
			continue
		}

		// re-validate from fresh reads, then release
		var state, dealState string
		err = pool.QueryRow(ctx, `
			SELECT m.state::text, d.state::text FROM milestones m JOIN deals d ON d.id = m.deal_id
			WHERE m.id = $1`, mID).Scan(&state, &dealState)
		settled := `UPDATE release_jobs SET status = $2, updated_at = now() WHERE id = $1`
		if err != nil || state != "submitted" || dealState != "funded" {
			_, _ = pool.Exec(ctx, settled, jobID, "skipped")
			pause(10, 30)
			continue
		}
		if err := release(ctx, pool, mID, dealID, "system", true); err != nil && ctx.Err() == nil {
			_, _ = pool.Exec(ctx, `
				UPDATE release_jobs SET status = 'pending', run_at = now() + interval '1 second', last_error = $2, updated_at = now()
				WHERE id = $1`, jobID, err.Error())
			continue
		}
		_, _ = pool.Exec(ctx, settled, jobID, "completed")
		pause(5, 20)
	}
}

// Rejecter plays a picky brand: it bounces some submissions back to pending
// and cancels the pending auto-release job, pairing the two writes in one
// transaction like the service does.
func Rejecter(ctx context.Context, pool *pgxpool.Pool, dealID, brandID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if rand.Intn(3) == 0 {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			var mID string
			err = tx.QueryRow(ctx, `
				SELECT m.id FROM milestones m JOIN deals d ON d.id = m.deal_id
				WHERE m.deal_id = $1 AND m.state = 'submitted' AND d.state = 'funded' AND m.revisions < 3
				LIMIT 1 FOR UPDATE OF m SKIP LOCKED`, dealID).Scan(&mID)
			if err == nil {
				_, err = tx.Exec(ctx, `
					UPDATE milestones SET state = 'pending', revisions = revisions + 1, updated_at = now()
					WHERE id = $1 AND state = 'submitted'`, mID)
				if err == nil {
					_, err = tx.Exec(ctx, `
						UPDATE release_jobs SET status = 'canceled', updated_at = now()
						WHERE key = 'auto-release-' || $1 AND status = 'pending'`, mID)
				}
				if err == nil {
					_, err = tx.Exec(ctx, `
						INSERT INTO events (deal_id, milestone_id, type, actor_id, payload)
						VALUES ($1, $2, 'milestone.rejected', $3, '{}'::jsonb)`, dealID, mID, brandID)
				}
				if err == nil {
					_ = tx.Commit(ctx)
				}
			}
			_ = tx.Rollback(ctx)
		}
		pause(50, 100)
	}
}

// Disputer opens a dispute (freezing the deal) and later resolves it back
// to funded. The partial unique index makes a second concurrent open fail
// with a duplicate error, which is expected.
func Disputer(ctx context.Context, pool *pgxpool.Pool, dealID, raiserID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dpID string
		err = tx.QueryRow(ctx, `
			INSERT INTO disputes (id, deal_id, raiser_id, category, state)
			SELECT gen_random_uuid(), id, $2, 'quality', 'open' FROM deals
			WHERE id = $1 AND state = 'funded'
			RETURNING id`, dealID, raiserID).Scan(&dpID)
		if err == nil {
			_, err = tx.Exec(ctx, `
				UPDATE deals SET state = 'disputed', updated_at = now()
				WHERE id = $1 AND state = 'funded'`, dealID)
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !isDuplicate(err) && !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			if !errors.Is(err, context.Canceled) {
				return fmt.Errorf("disputer open: %w", err)
			}
			return nil
		}

		// hold the freeze for a while, then resolve back to funded and
		// revive the suspended timers
		pause(100, 200)
		if dpID != "" {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				UPDATE disputes SET state = 'resolved', resolved_at = now(), updated_at = now()
				WHERE id = $1 AND state IN ('open', 'escalated', 'under_review')`, dpID)
			if err == nil {
				_, err = tx.Exec(ctx, `
					UPDATE deals SET state = 'funded', updated_at = now()
					WHERE id = $1 AND state = 'disputed'`, dealID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `
					INSERT INTO release_jobs (key, milestone_id, deal_id, run_at, status)
					SELECT 'auto-release-' || id, id, deal_id, now() + interval '300 milliseconds', 'pending'
					FROM milestones WHERE deal_id = $1 AND state = 'submitted'
					ON CONFLICT (key) DO UPDATE
					SET run_at = EXCLUDED.run_at, status = 'pending', attempts = 0, last_error = NULL, updated_at = now()
					WHERE release_jobs.status NOT IN ('pending', 'running')`, dealID)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
			_ = tx.Rollback(ctx)
			if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("disputer resolve: %w", err)
			}
		}
		pause(100, 300)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, randomly
// failing some deliveries to exercise the retry path.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT id FROM outbox WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 50)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(80, 60)
	}
}
