package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dealflow/authz"
)

// ErrForbidden signals the actor does not own the project.
var ErrForbidden = errors.New("project: forbidden")

// Store abstracts repository operations for the service.
type Store interface {
	Insert(ctx context.Context, p Project) (Project, error)
	GetByID(ctx context.Context, id string) (Project, error)
	ListByBrand(ctx context.Context, brandID string, limit int) ([]Project, error)
	Archive(ctx context.Context, id, brandID string) error
}

// Service exposes business-level project operations.
type Service struct {
	repo        Store
	idGenerator func() string
}

func NewService(repo Store) *Service {
	return &Service{
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// CreateParams carries a new project brief.
type CreateParams struct {
	Title       string
	Brief       string
	Currency    string
	BudgetMinor int64
}

// Create posts a new project brief for the acting brand.
func (s *Service) Create(ctx context.Context, actor authz.Actor, params CreateParams) (Project, error) {
	if actor.Role != authz.RoleBrand && actor.Role != authz.RoleAdmin {
		return Project{}, ErrForbidden
	}
	if params.Title == "" {
		return Project{}, fmt.Errorf("project: title required")
	}
	if params.Currency == "" {
		return Project{}, fmt.Errorf("project: currency required")
	}
	if params.BudgetMinor < 0 {
		return Project{}, fmt.Errorf("project: budget must not be negative")
	}

	return s.repo.Insert(ctx, Project{
		ID:          s.idGenerator(),
		BrandID:     actor.ID,
		Title:       params.Title,
		Brief:       params.Brief,
		Currency:    params.Currency,
		BudgetMinor: params.BudgetMinor,
	})
}

// GetByID returns the project for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Project, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByBrand returns up to limit of a brand's active projects.
func (s *Service) ListByBrand(ctx context.Context, brandID string, limit int) ([]Project, error) {
	return s.repo.ListByBrand(ctx, brandID, limit)
}

// Archive hides a project. Only the owning brand (or an admin) may archive.
func (s *Service) Archive(ctx context.Context, actor authz.Actor, id string) error {
	if actor.Role == authz.RoleAdmin {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return s.repo.Archive(ctx, id, p.BrandID)
	}
	if actor.Role != authz.RoleBrand {
		return ErrForbidden
	}
	return s.repo.Archive(ctx, id, actor.ID)
}
