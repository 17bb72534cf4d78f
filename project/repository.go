package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested project does not exist.
var ErrNotFound = errors.New("project: not found")

// Repository provides access to project briefs.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const projectColumns = `id, brand_id, title, brief, currency, budget_minor, archived, created_at, updated_at`

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.BrandID, &p.Title, &p.Brief, &p.Currency,
		&p.BudgetMinor, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Insert stores a new project brief.
func (r *Repository) Insert(ctx context.Context, p Project) (Project, error) {
	const insertSQL = `
		INSERT INTO projects (id, brand_id, title, brief, currency, budget_minor)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + projectColumns

	out, err := scanProject(r.pool.QueryRow(ctx, insertSQL, p.ID, p.BrandID, p.Title, p.Brief, p.Currency, p.BudgetMinor))
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}
	return out, nil
}

// GetByID fetches a project by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: query by id: %w", err)
	}
	return p, nil
}

// ListByBrand fetches up to limit of a brand's projects, newest first.
func (r *Repository) ListByBrand(ctx context.Context, brandID string, limit int) ([]Project, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE brand_id = $1 AND NOT archived
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, brandID, limit)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	out := make([]Project, 0, limit)
	for rows.Next() {
		var p Project
		err := rows.Scan(&p.ID, &p.BrandID, &p.Title, &p.Brief, &p.Currency,
			&p.BudgetMinor, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("project: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate: %w", err)
	}
	return out, nil
}

// Archive hides a project from listings. Deals already referencing it are
// unaffected.
func (r *Repository) Archive(ctx context.Context, id, brandID string) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE projects SET archived = true, updated_at = now()
		WHERE id = $1 AND brand_id = $2`, id, brandID)
	if err != nil {
		return fmt.Errorf("project: archive: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
