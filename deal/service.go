package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/authz"
	"dealflow/event"
	"dealflow/payment"
)

// ErrForbidden signals the actor lacks the role or ownership for the operation.
var ErrForbidden = errors.New("deal: forbidden")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventAppender writes audit rows inside the caller's transaction.
type EventAppender interface {
	Append(ctx context.Context, tx pgx.Tx, params event.AppendParams) error
}

// OutboxWriter enqueues collaborator notifications inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// EventLister reads the audit trail outside of any transaction.
type EventLister interface {
	ListByDeal(ctx context.Context, dealID string) ([]event.Record, error)
}

// Service orchestrates deal lifecycle transitions.
type Service struct {
	pool        TxBeginner
	repo        Repository
	provider    payment.Provider
	events      EventAppender
	outbox      OutboxWriter
	reader      EventLister
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, provider payment.Provider, events EventAppender, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		provider:    provider,
		events:      events,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEventReader enables the Timeline operation.
func (s *Service) WithEventReader(r EventLister) *Service {
	s.reader = r
	return s
}

// Create opens a draft deal with its milestones in one transaction. The
// deal's amount_total is computed from the milestone amounts so the sum
// invariant holds by construction.
func (s *Service) Create(ctx context.Context, actor authz.Actor, params CreateParams) (Deal, error) {
	if actor.Role != authz.RoleBrand && actor.Role != authz.RoleAdmin {
		return Deal{}, ErrForbidden
	}
	if params.ProjectID == "" {
		return Deal{}, fmt.Errorf("deal: project id required")
	}
	if params.Currency == "" {
		return Deal{}, fmt.Errorf("deal: currency required")
	}
	if len(params.Milestones) == 0 {
		return Deal{}, fmt.Errorf("deal: at least one milestone required")
	}

	var total int64
	for _, m := range params.Milestones {
		if m.Title == "" {
			return Deal{}, fmt.Errorf("deal: milestone title required")
		}
		if m.AmountMinor <= 0 {
			return Deal{}, fmt.Errorf("deal: milestone amount must be positive")
		}
		total += m.AmountMinor
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.InsertTx(ctx, tx, Deal{
		ID:          s.idGenerator(),
		ProjectID:   params.ProjectID,
		BrandID:     actor.ID,
		Currency:    params.Currency,
		AmountTotal: total,
	})
	if err != nil {
		return Deal{}, err
	}

	drafts := make([]MilestoneDraft, len(params.Milestones))
	for i, m := range params.Milestones {
		m.id = s.idGenerator()
		drafts[i] = m
	}
	if err := s.repo.InsertMilestonesTx(ctx, tx, created.ID, drafts); err != nil {
		return Deal{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:  created.ID,
			Type:    event.TypeDealCreated,
			ActorID: &actor.ID,
			Payload: map[string]any{
				"project_id":   created.ProjectID,
				"amount_total": created.AmountTotal,
				"milestones":   len(params.Milestones),
			},
		})
		if err != nil {
			return Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit create: %w", err)
	}
	return created, nil
}

// Accept binds the acting creator to an unclaimed draft deal.
func (s *Service) Accept(ctx context.Context, actor authz.Actor, dealID string) (Deal, error) {
	if dealID == "" {
		return Deal{}, fmt.Errorf("deal: accept missing deal id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := authz.CanTransition(actor, authz.DealRef{}, authz.OpAcceptDeal); err != nil {
		return Deal{}, ErrForbidden
	}

	claimed, err := s.repo.ClaimTx(ctx, tx, dealID, actor.ID, s.now())
	if err != nil {
		return Deal{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:  claimed.ID,
			Type:    event.TypeDealAccepted,
			ActorID: &actor.ID,
		})
		if err != nil {
			return Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit accept: %w", err)
	}
	return claimed, nil
}

// Fund moves the full deal amount into provider escrow and commits the
// draft -> funded transition. The provider calls run before the ledger
// transaction opens and are idempotent per deal, so a timed-out attempt is
// safe to retry; the ledger only ever records a provider-confirmed funding.
func (s *Service) Fund(ctx context.Context, actor authz.Actor, dealID string) (Deal, error) {
	current, err := s.repo.Get(ctx, dealID)
	if err != nil {
		return Deal{}, err
	}

	if err := authz.CanTransition(actor, authz.DealRef{BrandID: current.BrandID, CreatorID: current.CreatorID}, authz.OpFundDeal); err != nil {
		return Deal{}, ErrForbidden
	}
	if !CanTransition(current.State, StateFunded) {
		return Deal{}, ErrInvalidState
	}
	if current.CreatorID == nil {
		return Deal{}, fmt.Errorf("deal: cannot fund before a creator accepts: %w", ErrInvalidState)
	}

	escrowID := ""
	if current.EscrowID != nil {
		escrowID = *current.EscrowID
	}
	if escrowID == "" {
		escrowID, err = s.provider.CreateEscrow(ctx, current.ID, current.Currency)
		if err != nil {
			return Deal{}, err
		}
	}
	if _, err := s.provider.FundEscrow(ctx, escrowID, current.AmountTotal, current.BrandID); err != nil {
		return Deal{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	funded, err := s.repo.MarkFundedTx(ctx, tx, current.ID, escrowID, s.now())
	if err != nil {
		return Deal{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:  funded.ID,
			Type:    event.TypeDealFunded,
			ActorID: &actor.ID,
			Payload: map[string]any{
				"escrow_id":    escrowID,
				"amount_total": funded.AmountTotal,
			},
		})
		if err != nil {
			return Deal{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, "deal.funded", map[string]any{
			"deal_id":   funded.ID,
			"escrow_id": escrowID,
		})
		if err != nil {
			return Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit fund: %w", err)
	}
	return funded, nil
}

// Get returns one deal visible to the actor.
func (s *Service) Get(ctx context.Context, actor authz.Actor, dealID string) (Deal, error) {
	d, err := s.repo.Get(ctx, dealID)
	if err != nil {
		return Deal{}, err
	}
	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if actor.Role != authz.RoleAdmin && !refHasActor(ref, actor) {
		return Deal{}, ErrForbidden
	}
	return d, nil
}

func refHasActor(ref authz.DealRef, actor authz.Actor) bool {
	if actor.ID == ref.BrandID {
		return true
	}
	return ref.CreatorID != nil && actor.ID == *ref.CreatorID
}

// List returns deals matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Deal, error) {
	return s.repo.List(ctx, filters)
}

// Timeline returns the deal's ordered audit history, visible to admins and
// participants.
func (s *Service) Timeline(ctx context.Context, actor authz.Actor, dealID string) ([]event.Record, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("deal: timeline reader not configured")
	}

	d, err := s.repo.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if actor.Role != authz.RoleAdmin && !refHasActor(ref, actor) {
		return nil, ErrForbidden
	}

	return s.reader.ListByDeal(ctx, dealID)
}
