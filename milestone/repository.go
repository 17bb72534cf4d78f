package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no milestone row exists for the identifier.
	ErrNotFound = errors.New("milestone: not found")
	// ErrInvalidState signals a precondition on the current state machine
	// position is not met, including lost concurrent races.
	ErrInvalidState = errors.New("milestone: invalid state")
)

// Repository defines the data access the service requires.
type Repository interface {
	GetWithDeal(ctx context.Context, id string) (Milestone, DealInfo, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, DealInfo, error)
	InsertDeliverableTx(ctx context.Context, tx pgx.Tx, d Deliverable) (Deliverable, error)
	MarkSubmittedTx(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Milestone, error)
	MarkRejectedTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	MarkReleasedTx(ctx context.Context, tx pgx.Tx, id string, at time.Time, auto bool) (Milestone, error)
	InsertPayoutTx(ctx context.Context, tx pgx.Tx, p Payout) (Payout, error)
	CountUnreleasedTx(ctx context.Context, tx pgx.Tx, dealID string) (int, error)
	MarkDealReleasedTx(ctx context.Context, tx pgx.Tx, dealID string, at time.Time) error
	CountDeliverables(ctx context.Context, milestoneID string) (int, error)
	LatestDeliverable(ctx context.Context, milestoneID string) (Deliverable, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const milestoneColumns = `m.id, m.deal_id, m.title, m.amount_minor, m.state::text, m.due_at, m.submitted_at, m.approved_at, m.released_at, m.auto_released, m.revisions, m.payout_id, m.created_at, m.updated_at`

const dealInfoColumns = `d.id, d.brand_id, d.creator_id, d.state::text, d.escrow_id, d.currency`

func scanJoined(row pgx.Row) (Milestone, DealInfo, error) {
	var m Milestone
	var d DealInfo
	err := row.Scan(
		&m.ID, &m.DealID, &m.Title, &m.AmountMinor, &m.State, &m.DueAt,
		&m.SubmittedAt, &m.ApprovedAt, &m.ReleasedAt, &m.AutoReleased,
		&m.Revisions, &m.PayoutID, &m.CreatedAt, &m.UpdatedAt,
		&d.ID, &d.BrandID, &d.CreatorID, &d.State, &d.EscrowID, &d.Currency,
	)
	return m, d, err
}

// GetWithDeal reads the milestone and its owning deal without locks.
func (r *PGRepository) GetWithDeal(ctx context.Context, id string) (Milestone, DealInfo, error) {
	query := `SELECT ` + milestoneColumns + `, ` + dealInfoColumns + `
		FROM milestones m JOIN deals d ON d.id = m.deal_id
		WHERE m.id = $1`

	m, d, err := scanJoined(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, DealInfo{}, ErrNotFound
		}
		return Milestone{}, DealInfo{}, fmt.Errorf("milestone: get: %w", err)
	}
	return m, d, nil
}

// LockTx reads the milestone and deal with row locks, serializing every
// state-changing operation on the same milestone.
func (r *PGRepository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, DealInfo, error) {
	query := `SELECT ` + milestoneColumns + `, ` + dealInfoColumns + `
		FROM milestones m JOIN deals d ON d.id = m.deal_id
		WHERE m.id = $1
		FOR UPDATE OF m, d`

	m, d, err := scanJoined(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, DealInfo{}, ErrNotFound
		}
		return Milestone{}, DealInfo{}, fmt.Errorf("milestone: lock: %w", err)
	}
	return m, d, nil
}

func (r *PGRepository) InsertDeliverableTx(ctx context.Context, tx pgx.Tx, d Deliverable) (Deliverable, error) {
	const insertSQL = `
		INSERT INTO deliverables (id, milestone_id, url, file_ref, content_hash, validation)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, milestone_id, url, file_ref, content_hash, validation, submitted_at
	`
	var out Deliverable
	err := tx.QueryRow(ctx, insertSQL, d.ID, d.MilestoneID, d.URL, d.FileRef, d.ContentHash, d.Validation).
		Scan(&out.ID, &out.MilestoneID, &out.URL, &out.FileRef, &out.ContentHash, &out.Validation, &out.SubmittedAt)
	if err != nil {
		return Deliverable{}, fmt.Errorf("milestone: insert deliverable: %w", err)
	}
	return out, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID, &m.DealID, &m.Title, &m.AmountMinor, &m.State, &m.DueAt,
		&m.SubmittedAt, &m.ApprovedAt, &m.ReleasedAt, &m.AutoReleased,
		&m.Revisions, &m.PayoutID, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

const returningMilestone = ` RETURNING id, deal_id, title, amount_minor, state::text, due_at, submitted_at, approved_at, released_at, auto_released, revisions, payout_id, created_at, updated_at`

// MarkSubmittedTx moves a pending milestone to submitted. Zero rows means a
// concurrent transition won; callers see ErrInvalidState.
func (r *PGRepository) MarkSubmittedTx(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Milestone, error) {
	const updateSQL = `
		UPDATE milestones
		SET state = 'submitted', submitted_at = $2, updated_at = now()
		WHERE id = $1 AND state = 'pending'` + returningMilestone

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrInvalidState
		}
		return Milestone{}, fmt.Errorf("milestone: mark submitted: %w", err)
	}
	return m, nil
}

// MarkRejectedTx returns a submitted milestone to pending and counts the
// revision cycle.
func (r *PGRepository) MarkRejectedTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	const updateSQL = `
		UPDATE milestones
		SET state = 'pending', revisions = revisions + 1, updated_at = now()
		WHERE id = $1 AND state = 'submitted'` + returningMilestone

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrInvalidState
		}
		return Milestone{}, fmt.Errorf("milestone: mark rejected: %w", err)
	}
	return m, nil
}

// MarkReleasedTx commits the submitted -> released edge. The WHERE clause
// re-reads milestone and deal state under the row write lock, which is the
// guard that lets exactly one of two concurrent release attempts win.
func (r *PGRepository) MarkReleasedTx(ctx context.Context, tx pgx.Tx, id string, at time.Time, auto bool) (Milestone, error) {
	const updateSQL = `
		UPDATE milestones m
		SET state = 'released', approved_at = $2, released_at = $2, auto_released = $3, updated_at = now()
		FROM deals d
		WHERE m.id = $1 AND m.state = 'submitted' AND d.id = m.deal_id AND d.state = 'funded'` +
		` RETURNING m.id, m.deal_id, m.title, m.amount_minor, m.state::text, m.due_at, m.submitted_at, m.approved_at, m.released_at, m.auto_released, m.revisions, m.payout_id, m.created_at, m.updated_at`

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, at, auto))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrInvalidState
		}
		return Milestone{}, fmt.Errorf("milestone: mark released: %w", err)
	}
	return m, nil
}

// InsertPayoutTx records the release attempt's confirmed outcome. The unique
// constraint on milestone_id turns a double release into ErrInvalidState.
func (r *PGRepository) InsertPayoutTx(ctx context.Context, tx pgx.Tx, p Payout) (Payout, error) {
	const insertSQL = `
		INSERT INTO payouts (id, deal_id, milestone_id, provider, provider_ref, amount_minor, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, deal_id, milestone_id, provider, provider_ref, amount_minor, status::text, created_at
	`
	var out Payout
	err := tx.QueryRow(ctx, insertSQL, p.ID, p.DealID, p.MilestoneID, p.Provider, p.ProviderRef, p.AmountMinor, p.Status).
		Scan(&out.ID, &out.DealID, &out.MilestoneID, &out.Provider, &out.ProviderRef, &out.AmountMinor, &out.Status, &out.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payout{}, ErrInvalidState
		}
		return Payout{}, fmt.Errorf("milestone: insert payout: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE milestones SET payout_id = $2 WHERE id = $1`, p.MilestoneID, out.ID); err != nil {
		return Payout{}, fmt.Errorf("milestone: link payout: %w", err)
	}
	return out, nil
}

func (r *PGRepository) CountUnreleasedTx(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE deal_id = $1 AND state <> 'released'`, dealID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("milestone: count unreleased: %w", err)
	}
	return n, nil
}

func (r *PGRepository) MarkDealReleasedTx(ctx context.Context, tx pgx.Tx, dealID string, at time.Time) error {
	res, err := tx.Exec(ctx, `
		UPDATE deals SET state = 'released', completed_at = $2, updated_at = now()
		WHERE id = $1 AND state = 'funded'`, dealID, at)
	if err != nil {
		return fmt.Errorf("milestone: mark deal released: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (r *PGRepository) CountDeliverables(ctx context.Context, milestoneID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliverables WHERE milestone_id = $1`, milestoneID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("milestone: count deliverables: %w", err)
	}
	return n, nil
}

func (r *PGRepository) LatestDeliverable(ctx context.Context, milestoneID string) (Deliverable, error) {
	const query = `
		SELECT id, milestone_id, url, file_ref, content_hash, validation, submitted_at
		FROM deliverables
		WHERE milestone_id = $1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	var d Deliverable
	err := r.pool.QueryRow(ctx, query, milestoneID).
		Scan(&d.ID, &d.MilestoneID, &d.URL, &d.FileRef, &d.ContentHash, &d.Validation, &d.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deliverable{}, ErrNotFound
		}
		return Deliverable{}, fmt.Errorf("milestone: latest deliverable: %w", err)
	}
	return d, nil
}
