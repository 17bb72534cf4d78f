package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// storeFixture seeds the foreign-key chain a release job hangs off and
// returns the milestone and deal ids.
type storeFixture struct {
	pool        *pgxpool.Pool
	milestoneID string
	dealID      string
}

func newStoreFixture(ctx context.Context, t *testing.T) *storeFixture {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'release_jobs')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	var brandID, creatorID string
	nonce := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, display_name, password_hash, role)
		VALUES ($1, 'Brand Itest', 'x', 'brand') RETURNING id
	`, fmt.Sprintf("brand+%d@example.com", nonce)).Scan(&brandID); err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, display_name, password_hash, role)
		VALUES ($1, 'Creator Itest', 'x', 'creator') RETURNING id
	`, fmt.Sprintf("creator+%d@example.com", nonce)).Scan(&creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}

	projectID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO projects (id, brand_id, title, currency) VALUES ($1, $2, 'Launch video', 'USD')
	`, projectID, brandID); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	dealID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO deals (id, project_id, brand_id, creator_id, currency, amount_total, state, escrow_id)
		VALUES ($1, $2, $3, $4, 'USD', 5000, 'funded', 'esc_itest')
	`, dealID, projectID, brandID, creatorID); err != nil {
		t.Fatalf("seed deal: %v", err)
	}

	milestoneID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO milestones (id, deal_id, title, amount_minor, state, submitted_at)
		VALUES ($1, $2, 'rough cut', 5000, 'submitted', now())
	`, milestoneID, dealID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'milestone_id' = $1`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM events WHERE deal_id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM release_jobs WHERE milestone_id = $1`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM milestones WHERE id = $1`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM deals WHERE id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM projects WHERE id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, brandID, creatorID)
	})

	return &storeFixture{pool: pool, milestoneID: milestoneID, dealID: dealID}
}

func (f *storeFixture) schedule(ctx context.Context, t *testing.T, store *Store, runAt time.Time) {
	t.Helper()
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := store.ScheduleTx(ctx, tx, f.milestoneID, f.dealID, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit schedule: %v", err)
	}
}

func (f *storeFixture) cancel(ctx context.Context, t *testing.T, store *Store) {
	t.Helper()
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := store.CancelTx(ctx, tx, f.milestoneID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit cancel: %v", err)
	}
}

func (f *storeFixture) jobRow(ctx context.Context, t *testing.T) Job {
	t.Helper()
	j, err := scanJob(f.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM release_jobs WHERE key = $1
	`, JobKey(f.milestoneID)))
	if errors.Is(err, pgx.ErrNoRows) {
		t.Fatal("no job row")
	}
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	return j
}

func (f *storeFixture) setStatus(ctx context.Context, t *testing.T, status Status) {
	t.Helper()
	if _, err := f.pool.Exec(ctx, `
		UPDATE release_jobs SET status = $2, updated_at = now() WHERE key = $1
	`, JobKey(f.milestoneID), string(status)); err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func TestScheduleTx_Integration_DuplicateCollapsesOntoPending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	first := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	fix.schedule(ctx, t, store, first)
	fix.schedule(ctx, t, store, first.Add(48*time.Hour))

	var count int
	if err := fix.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM release_jobs WHERE milestone_id = $1
	`, fix.milestoneID).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("job rows = %d, want 1", count)
	}

	job := fix.jobRow(ctx, t)
	if job.Status != StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if !job.RunAt.Equal(first) {
		t.Errorf("run_at = %v, want untouched %v", job.RunAt, first)
	}
}

func TestScheduleTx_Integration_NeverRevivesRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	fix.schedule(ctx, t, store, time.Now().Add(time.Hour))
	fix.setStatus(ctx, t, StatusRunning)

	fix.schedule(ctx, t, store, time.Now().Add(2*time.Hour))

	if job := fix.jobRow(ctx, t); job.Status != StatusRunning {
		t.Errorf("status = %s, a claimed job must stay running", job.Status)
	}
}

func TestScheduleTx_Integration_RevivesSettledJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	fix.schedule(ctx, t, store, time.Now().Add(time.Hour))
	fix.cancel(ctx, t, store)
	if job := fix.jobRow(ctx, t); job.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", job.Status)
	}

	// A resubmission after rejection reuses the same key.
	revived := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Millisecond)
	fix.schedule(ctx, t, store, revived)

	job := fix.jobRow(ctx, t)
	if job.Status != StatusPending {
		t.Errorf("status = %s, want pending after revival", job.Status)
	}
	if !job.RunAt.Equal(revived) {
		t.Errorf("run_at = %v, want %v", job.RunAt, revived)
	}
	if job.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", job.Attempts)
	}
	if job.LastError != nil {
		t.Errorf("last_error = %q, want cleared", *job.LastError)
	}
}

func TestCancelTx_Integration_FiredJobIsNoOp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	fix.schedule(ctx, t, store, time.Now().Add(time.Hour))
	fix.setStatus(ctx, t, StatusCompleted)

	fix.cancel(ctx, t, store)

	if job := fix.jobRow(ctx, t); job.Status != StatusCompleted {
		t.Errorf("status = %s, cancel must not touch a settled job", job.Status)
	}
}

func TestClaimDue_Integration_ReclaimsStaleRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool).WithStaleAfter(time.Second)

	fix.schedule(ctx, t, store, time.Now().Add(-time.Minute))

	// Simulate a worker that claimed the job and died before settling.
	if _, err := fix.pool.Exec(ctx, `
		UPDATE release_jobs SET status = 'running', attempts = 1, updated_at = now() - interval '1 hour'
		WHERE key = $1
	`, JobKey(fix.milestoneID)); err != nil {
		t.Fatalf("orphan job: %v", err)
	}

	job, found, err := store.ClaimDue(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !found {
		t.Fatal("expected the orphaned job to be reclaimed and claimed")
	}
	if job.MilestoneID != fix.milestoneID {
		t.Errorf("claimed milestone = %s, want %s", job.MilestoneID, fix.milestoneID)
	}
	if job.Status != StatusRunning || job.Attempts != 2 {
		t.Errorf("job = %+v, want running with attempts 2", job)
	}
}

func TestClaimDue_Integration_FreshRunningIsLeftAlone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	fix.schedule(ctx, t, store, time.Now().Add(-time.Minute))
	fix.setStatus(ctx, t, StatusRunning)

	_, found, err := store.ClaimDue(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if found {
		t.Fatal("a recently claimed job must not be double-claimed")
	}
}

func TestMarkFailed_Integration_PermanentFailureGoesDead(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fix := newStoreFixture(ctx, t)
	store := NewStore(fix.pool)

	fix.schedule(ctx, t, store, time.Now().Add(-time.Minute))
	job, found, err := store.ClaimDue(ctx)
	if err != nil || !found {
		t.Fatalf("claim: found=%v err=%v", found, err)
	}

	failure := fmt.Errorf("release rejected: %w", ErrPermanent)
	if err := store.MarkFailed(ctx, job, failure); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got := fix.jobRow(ctx, t)
	if got.Status != StatusDead {
		t.Fatalf("status = %s, want dead on first permanent failure", got.Status)
	}

	var alerts int
	if err := fix.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events WHERE deal_id = $1 AND type = 'payout.release_stalled'
	`, fix.dealID).Scan(&alerts); err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if alerts != 1 {
		t.Errorf("stall events = %d, want 1", alerts)
	}

	var queued int
	if err := fix.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox WHERE topic = 'ops.release_stalled' AND payload->>'milestone_id' = $1
	`, fix.milestoneID).Scan(&queued); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if queued != 1 {
		t.Errorf("outbox alerts = %d, want 1", queued)
	}
}
