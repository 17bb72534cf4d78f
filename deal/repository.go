package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no deal row exists for the identifier.
	ErrNotFound = errors.New("deal: not found")
	// ErrInvalidState signals the deal is not in the state the operation
	// requires, including lost concurrent races.
	ErrInvalidState = errors.New("deal: invalid state")
)

// Repository defines the data access the service requires.
type Repository interface {
	InsertTx(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error)
	InsertMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string, drafts []MilestoneDraft) error
	Get(ctx context.Context, id string) (Deal, error)
	List(ctx context.Context, filters Filters) ([]Deal, error)
	ClaimTx(ctx context.Context, tx pgx.Tx, dealID, creatorID string, at time.Time) (Deal, error)
	MarkFundedTx(ctx context.Context, tx pgx.Tx, dealID, escrowID string, at time.Time) (Deal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const dealColumns = `id, project_id, brand_id, creator_id, currency, amount_total, state::text, escrow_id, created_at, accepted_at, funded_at, completed_at, updated_at`

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.BrandID,
		&d.CreatorID,
		&d.Currency,
		&d.AmountTotal,
		&d.State,
		&d.EscrowID,
		&d.CreatedAt,
		&d.AcceptedAt,
		&d.FundedAt,
		&d.CompletedAt,
		&d.UpdatedAt,
	)
	return d, err
}

// InsertTx creates the deal row inside the caller's transaction.
func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	const insertSQL = `
		INSERT INTO deals (id, project_id, brand_id, currency, amount_total, state)
		VALUES ($1, $2, $3, $4, $5, 'draft')
		RETURNING ` + dealColumns

	created, err := scanDeal(tx.QueryRow(ctx, insertSQL, d.ID, d.ProjectID, d.BrandID, d.Currency, d.AmountTotal))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return created, nil
}

// InsertMilestonesTx creates the milestone rows belonging to a new deal.
func (r *PGRepository) InsertMilestonesTx(ctx context.Context, tx pgx.Tx, dealID string, drafts []MilestoneDraft) error {
	const insertSQL = `
		INSERT INTO milestones (id, deal_id, title, amount_minor, due_at, state)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`
	for _, m := range drafts {
		if m.id == "" {
			return fmt.Errorf("deal: insert milestone: missing id")
		}
		if _, err := tx.Exec(ctx, insertSQL, m.id, dealID, m.Title, m.AmountMinor, m.DueAt); err != nil {
			return fmt.Errorf("deal: insert milestone: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Deal, error) {
	d, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Deal, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + dealColumns + ` FROM deals WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.BrandID != "" {
		query += fmt.Sprintf(" AND brand_id = $%d", idx)
		args = append(args, filters.BrandID)
		idx++
	}
	if filters.CreatorID != "" {
		query += fmt.Sprintf(" AND creator_id = $%d", idx)
		args = append(args, filters.CreatorID)
		idx++
	}
	if filters.State != "" {
		query += fmt.Sprintf(" AND state = $%d::deal_state", idx)
		args = append(args, filters.State)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	out := []Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}

// ClaimTx binds a creator to an unclaimed draft deal. The conditional WHERE
// makes concurrent accepts race-safe: the loser matches zero rows.
func (r *PGRepository) ClaimTx(ctx context.Context, tx pgx.Tx, dealID, creatorID string, at time.Time) (Deal, error) {
	const updateSQL = `
		UPDATE deals
		SET creator_id = $2, accepted_at = $3, updated_at = now()
		WHERE id = $1 AND state = 'draft' AND creator_id IS NULL
		RETURNING ` + dealColumns

	d, err := scanDeal(tx.QueryRow(ctx, updateSQL, dealID, creatorID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, r.claimFailure(ctx, tx, dealID)
		}
		return Deal{}, fmt.Errorf("deal: claim: %w", err)
	}
	return d, nil
}

func (r *PGRepository) claimFailure(ctx context.Context, tx pgx.Tx, dealID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, dealID).Scan(&exists); err != nil {
		return fmt.Errorf("deal: claim check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

// MarkFundedTx moves a draft deal to funded with its escrow handle. Called
// only after the provider confirmed the funding.
func (r *PGRepository) MarkFundedTx(ctx context.Context, tx pgx.Tx, dealID, escrowID string, at time.Time) (Deal, error) {
	const updateSQL = `
		UPDATE deals
		SET state = 'funded', escrow_id = $2, funded_at = $3, updated_at = now()
		WHERE id = $1 AND state = 'draft' AND creator_id IS NOT NULL
		RETURNING ` + dealColumns

	d, err := scanDeal(tx.QueryRow(ctx, updateSQL, dealID, escrowID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, r.claimFailure(ctx, tx, dealID)
		}
		return Deal{}, fmt.Errorf("deal: mark funded: %w", err)
	}
	return d, nil
}
