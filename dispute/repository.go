package dispute

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
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidState signals a precondition on the dispute or deal state is
	// not met, including lost concurrent races.
	ErrInvalidState = errors.New("dispute: invalid state")
	// ErrActiveDispute signals the deal already has an unresolved dispute.
	ErrActiveDispute = errors.New("dispute: deal already has an active dispute")
)

// Repository defines the data access the dispute gate requires.
type Repository interface {
	Get(ctx context.Context, id string) (Dispute, DealInfo, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, DealInfo, error)
	LockDealTx(ctx context.Context, tx pgx.Tx, dealID string) (DealInfo, error)
	ListByDeal(ctx context.Context, dealID string) ([]Dispute, error)
	InsertTx(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	UpdateStateTx(ctx context.Context, tx pgx.Tx, id string, from, to State) (Dispute, error)
	CloseTx(ctx context.Context, tx pgx.Tx, id string, to State, at time.Time) (Dispute, error)
	InsertResolutionTx(ctx context.Context, tx pgx.Tx, r Resolution) (Resolution, error)
	SetDealStateTx(ctx context.Context, tx pgx.Tx, dealID, from, to string) error
	FreezeMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID, dealID string) error
	ResumeMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string) error
	FrozenMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string) ([]FrozenMilestone, error)
	ReleasedTotal(ctx context.Context, dealID string) (int64, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `dp.id, dp.deal_id, dp.milestone_id, dp.raiser_id, dp.category, dp.reason, dp.state::text, dp.created_at, dp.updated_at, dp.resolved_at`

const dealInfoColumns = `d.id, d.brand_id, d.creator_id, d.state::text, d.escrow_id, d.amount_total, d.currency`

func scanJoined(row pgx.Row) (Dispute, DealInfo, error) {
	var dp Dispute
	var d DealInfo
	err := row.Scan(
		&dp.ID, &dp.DealID, &dp.MilestoneID, &dp.RaiserID, &dp.Category,
		&dp.Reason, &dp.State, &dp.CreatedAt, &dp.UpdatedAt, &dp.ResolvedAt,
		&d.ID, &d.BrandID, &d.CreatorID, &d.State, &d.EscrowID, &d.AmountTotal, &d.Currency,
	)
	return dp, d, err
}

// Get reads a dispute and its owning deal without locks.
func (r *PGRepository) Get(ctx context.Context, id string) (Dispute, DealInfo, error) {
	query := `SELECT ` + disputeColumns + `, ` + dealInfoColumns + `
		FROM disputes dp JOIN deals d ON d.id = dp.deal_id
		WHERE dp.id = $1`

	dp, d, err := scanJoined(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, DealInfo{}, ErrNotFound
		}
		return Dispute{}, DealInfo{}, fmt.Errorf("dispute: get: %w", err)
	}
	return dp, d, nil
}

// LockTx reads the dispute and deal with row locks, serializing every
// state-changing operation touching the same dispute.
func (r *PGRepository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, DealInfo, error) {
	query := `SELECT ` + disputeColumns + `, ` + dealInfoColumns + `
		FROM disputes dp JOIN deals d ON d.id = dp.deal_id
		WHERE dp.id = $1
		FOR UPDATE OF dp, d`

	dp, d, err := scanJoined(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, DealInfo{}, ErrNotFound
		}
		return Dispute{}, DealInfo{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return dp, d, nil
}

// LockDealTx locks the deal row while a dispute is being opened against it.
func (r *PGRepository) LockDealTx(ctx context.Context, tx pgx.Tx, dealID string) (DealInfo, error) {
	query := `SELECT ` + dealInfoColumns + ` FROM deals d WHERE d.id = $1 FOR UPDATE`

	var d DealInfo
	err := tx.QueryRow(ctx, query, dealID).
		Scan(&d.ID, &d.BrandID, &d.CreatorID, &d.State, &d.EscrowID, &d.AmountTotal, &d.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DealInfo{}, ErrNotFound
		}
		return DealInfo{}, fmt.Errorf("dispute: lock deal: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListByDeal(ctx context.Context, dealID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes dp WHERE dp.deal_id = $1 ORDER BY dp.created_at DESC`

	rows, err := r.pool.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		var dp Dispute
		err := rows.Scan(&dp.ID, &dp.DealID, &dp.MilestoneID, &dp.RaiserID, &dp.Category,
			&dp.Reason, &dp.State, &dp.CreatedAt, &dp.UpdatedAt, &dp.ResolvedAt)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

const returningDispute = ` RETURNING id, deal_id, milestone_id, raiser_id, category, reason, state::text, created_at, updated_at, resolved_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var dp Dispute
	err := row.Scan(&dp.ID, &dp.DealID, &dp.MilestoneID, &dp.RaiserID, &dp.Category,
		&dp.Reason, &dp.State, &dp.CreatedAt, &dp.UpdatedAt, &dp.ResolvedAt)
	return dp, err
}

// InsertTx creates the dispute row. The partial unique index on deal_id over
// active states turns a second concurrent open into ErrActiveDispute.
func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const insertSQL = `
		INSERT INTO disputes (id, deal_id, milestone_id, raiser_id, category, reason, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')` + returningDispute

	dp, err := scanDispute(tx.QueryRow(ctx, insertSQL, d.ID, d.DealID, d.MilestoneID, d.RaiserID, d.Category, d.Reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrActiveDispute
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return dp, nil
}

// UpdateStateTx commits a single from -> to edge. Zero rows means a
// concurrent transition won; callers see ErrInvalidState.
func (r *PGRepository) UpdateStateTx(ctx context.Context, tx pgx.Tx, id string, from, to State) (Dispute, error) {
	const updateSQL = `
		UPDATE disputes SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2` + returningDispute

	dp, err := scanDispute(tx.QueryRow(ctx, updateSQL, id, from, to))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrInvalidState
		}
		return Dispute{}, fmt.Errorf("dispute: update state: %w", err)
	}
	return dp, nil
}

// CloseTx terminates an active dispute. The WHERE clause over active states
// is the guard that lets exactly one of two concurrent closers win.
func (r *PGRepository) CloseTx(ctx context.Context, tx pgx.Tx, id string, to State, at time.Time) (Dispute, error) {
	const updateSQL = `
		UPDATE disputes SET state = $2, resolved_at = $3, updated_at = now()
		WHERE id = $1 AND state IN ('open', 'escalated', 'under_review')` + returningDispute

	dp, err := scanDispute(tx.QueryRow(ctx, updateSQL, id, to, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrInvalidState
		}
		return Dispute{}, fmt.Errorf("dispute: close: %w", err)
	}
	return dp, nil
}

func (r *PGRepository) InsertResolutionTx(ctx context.Context, tx pgx.Tx, res Resolution) (Resolution, error) {
	const insertSQL = `
		INSERT INTO dispute_resolutions (id, dispute_id, type, amount_minor, notes, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, dispute_id, type::text, amount_minor, notes, resolved_by, created_at
	`
	var out Resolution
	err := tx.QueryRow(ctx, insertSQL, res.ID, res.DisputeID, res.Type, res.AmountMinor, res.Notes, res.ResolvedBy).
		Scan(&out.ID, &out.DisputeID, &out.Type, &out.AmountMinor, &out.Notes, &out.ResolvedBy, &out.CreatedAt)
	if err != nil {
		return Resolution{}, fmt.Errorf("dispute: insert resolution: %w", err)
	}
	return out, nil
}

// SetDealStateTx moves the deal along a single conditional edge. Zero rows
// means the deal was not in the expected state.
func (r *PGRepository) SetDealStateTx(ctx context.Context, tx pgx.Tx, dealID, from, to string) error {
	res, err := tx.Exec(ctx, `
		UPDATE deals SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, dealID, from, to)
	if err != nil {
		return fmt.Errorf("dispute: set deal state: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// FreezeMilestoneTx marks a submitted milestone disputed. A milestone that
// is not submitted stays put; the deal-level freeze covers it anyway.
func (r *PGRepository) FreezeMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID, dealID string) error {
	res, err := tx.Exec(ctx, `
		UPDATE milestones SET state = 'disputed', updated_at = now()
		WHERE id = $1 AND deal_id = $2 AND state = 'submitted'`, milestoneID, dealID)
	if err != nil {
		return fmt.Errorf("dispute: freeze milestone: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM milestones WHERE id = $1 AND deal_id = $2)`, milestoneID, dealID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dispute: check milestone: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// ResumeMilestonesTx returns the deal's disputed milestones to submitted.
func (r *PGRepository) ResumeMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE milestones SET state = 'submitted', updated_at = now()
		WHERE deal_id = $1 AND state = 'disputed'`, dealID)
	if err != nil {
		return fmt.Errorf("dispute: resume milestones: %w", err)
	}
	return nil
}

// FrozenMilestonesTx lists the milestones whose review timers the dispute
// gate manages: everything submitted or explicitly frozen.
func (r *PGRepository) FrozenMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string) ([]FrozenMilestone, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, submitted_at FROM milestones
		WHERE deal_id = $1 AND state IN ('submitted', 'disputed')
		ORDER BY id`, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: frozen milestones: %w", err)
	}
	defer rows.Close()

	out := make([]FrozenMilestone, 0, 4)
	for rows.Next() {
		var m FrozenMilestone
		if err := rows.Scan(&m.ID, &m.SubmittedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate milestones: %w", err)
	}
	return out, nil
}

// ReleasedTotal sums the payouts already made for a deal, which bounds how
// much escrow is still refundable.
func (r *PGRepository) ReleasedTotal(ctx context.Context, dealID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount_minor), 0) FROM payouts WHERE deal_id = $1`, dealID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("dispute: released total: %w", err)
	}
	return total, nil
}
