package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/authz"
	"dealflow/deal"
	"dealflow/event"
	"dealflow/outbox"
	"dealflow/payment"
)

var (
	// ErrForbidden signals the actor lacks the role or ownership for the operation.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrBadResolution signals an unknown resolution type or an out-of-range
	// refund amount.
	ErrBadResolution = errors.New("dispute: invalid resolution")
)

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

// ReleaseScheduler is the slice of the delayed-job store the dispute gate
// drives: suspending review timers when a dispute opens and reviving them
// with a recomputed window when it closes.
type ReleaseScheduler interface {
	ScheduleTx(ctx context.Context, tx pgx.Tx, milestoneID, dealID string, runAt time.Time) error
	CancelTx(ctx context.Context, tx pgx.Tx, milestoneID string) error
}

// Service is the dispute gate. Opening a dispute moves the deal to disputed
// in the same transaction as the dispute insert, so the freeze every other
// transition observes is atomic with the dispute's existence.
type Service struct {
	pool        TxBeginner
	repo        Repository
	provider    payment.Provider
	events      EventAppender
	outbox      OutboxWriter
	sched       ReleaseScheduler
	window      time.Duration
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, provider payment.Provider, events EventAppender, ob OutboxWriter, sched ReleaseScheduler, window time.Duration) *Service {
	if window <= 0 {
		window = 120 * time.Hour
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		provider:    provider,
		events:      events,
		outbox:      ob,
		sched:       sched,
		window:      window,
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

// OpenParams carries a participant's complaint.
type OpenParams struct {
	DealID      string
	MilestoneID *string
	Category    string
	Reason      string
}

// Open creates a dispute and freezes the deal. Review timers for submitted
// milestones are suspended; resolution revives them with a recomputed
// window so time spent disputed does not count against the brand.
func (s *Service) Open(ctx context.Context, actor authz.Actor, params OpenParams) (Dispute, error) {
	if params.DealID == "" || params.Category == "" {
		return Dispute{}, fmt.Errorf("dispute: open missing deal id or category")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockDealTx(ctx, tx, params.DealID)
	if err != nil {
		return Dispute{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpOpenDispute); err != nil {
		return Dispute{}, ErrForbidden
	}
	if !deal.Disputable(deal.State(d.State)) {
		return Dispute{}, ErrInvalidState
	}

	if params.MilestoneID != nil {
		if err := s.repo.FreezeMilestoneTx(ctx, tx, *params.MilestoneID, d.ID); err != nil {
			return Dispute{}, err
		}
	}

	dp, err := s.repo.InsertTx(ctx, tx, Dispute{
		ID:          s.idGenerator(),
		DealID:      d.ID,
		MilestoneID: params.MilestoneID,
		RaiserID:    actor.ID,
		Category:    params.Category,
		Reason:      params.Reason,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.repo.SetDealStateTx(ctx, tx, d.ID, string(deal.StateFunded), string(deal.StateDisputed)); err != nil {
		return Dispute{}, err
	}

	frozen, err := s.repo.FrozenMilestonesTx(ctx, tx, d.ID)
	if err != nil {
		return Dispute{}, err
	}
	for _, m := range frozen {
		if err := s.sched.CancelTx(ctx, tx, m.ID); err != nil {
			return Dispute{}, fmt.Errorf("dispute: suspend timer: %w", err)
		}
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: params.MilestoneID,
			Type:        event.TypeDisputeOpened,
			ActorID:     &actor.ID,
			Payload: map[string]any{
				"dispute_id": dp.ID,
				"category":   params.Category,
				"reason":     params.Reason,
			},
		})
		if err != nil {
			return Dispute{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, map[string]any{
			"deal_id":    d.ID,
			"dispute_id": dp.ID,
			"category":   params.Category,
		})
		if err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return dp, nil
}

// Escalate moves an open dispute to escalated.
func (s *Service) Escalate(ctx context.Context, actor authz.Actor, disputeID string) (Dispute, error) {
	return s.step(ctx, actor, disputeID, StateOpen, StateEscalated, authz.OpOpenDispute, event.TypeDisputeEscalated)
}

// StartReview puts an escalated dispute in front of an arbiter.
func (s *Service) StartReview(ctx context.Context, actor authz.Actor, disputeID string) (Dispute, error) {
	return s.step(ctx, actor, disputeID, StateEscalated, StateUnderReview, authz.OpResolveDispute, event.TypeDisputeUnderReview)
}

func (s *Service) step(ctx context.Context, actor authz.Actor, disputeID string, from, to State, op authz.Operation, eventType string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dp, d, err := s.repo.LockTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, op); err != nil {
		return Dispute{}, ErrForbidden
	}
	if !CanTransition(dp.State, to) || dp.State != from {
		return Dispute{}, ErrInvalidState
	}

	updated, err := s.repo.UpdateStateTx(ctx, tx, dp.ID, from, to)
	if err != nil {
		return Dispute{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: dp.MilestoneID,
			Type:        eventType,
			ActorID:     &actor.ID,
			Payload:     map[string]any{"dispute_id": dp.ID},
		})
		if err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return updated, nil
}

// Withdraw lets the original raiser retract an active dispute. The deal
// thaws back to funded and review timers resume with a recomputed window.
func (s *Service) Withdraw(ctx context.Context, actor authz.Actor, disputeID string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dp, d, err := s.repo.LockTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpWithdrawDispute); err != nil {
		return Dispute{}, ErrForbidden
	}
	// Only the raiser may retract; an admin's exit from a dispute is a
	// resolution, not a withdrawal.
	if actor.ID != dp.RaiserID {
		return Dispute{}, ErrForbidden
	}
	if !dp.State.Active() {
		return Dispute{}, ErrInvalidState
	}

	now := s.now()
	closed, err := s.repo.CloseTx(ctx, tx, dp.ID, StateWithdrawn, now)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.resumeDeal(ctx, tx, dp, now, false); err != nil {
		return Dispute{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: dp.MilestoneID,
			Type:        event.TypeDisputeWithdrawn,
			ActorID:     &actor.ID,
			Payload:     map[string]any{"dispute_id": dp.ID},
		})
		if err != nil {
			return Dispute{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
			"deal_id":    d.ID,
			"dispute_id": dp.ID,
			"outcome":    string(StateWithdrawn),
		})
		if err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit withdraw: %w", err)
	}
	return closed, nil
}

// ResolveResult bundles the closed dispute and its resolution record.
type ResolveResult struct {
	Dispute    Dispute
	Resolution Resolution
	// RefundRef is the provider's confirmation for refund resolutions.
	RefundRef string
}

// Resolve closes an active dispute with an arbiter verdict and drives the
// deal to its next state. Refund verdicts call the provider before the
// ledger transaction opens, so the ledger never records a refund the
// provider did not confirm.
func (s *Service) Resolve(ctx context.Context, actor authz.Actor, disputeID string, params ResolveParams) (ResolveResult, error) {
	dp, d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return ResolveResult{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpResolveDispute); err != nil {
		return ResolveResult{}, ErrForbidden
	}
	if !dp.State.Active() || d.State != string(deal.StateDisputed) {
		return ResolveResult{}, ErrInvalidState
	}

	var refundRef string
	var refundAmount *int64
	switch params.Type {
	case ResolutionFullRefund, ResolutionPartialRefund:
		amount, err := s.refundAmount(ctx, d, params)
		if err != nil {
			return ResolveResult{}, err
		}
		if d.EscrowID == nil {
			return ResolveResult{}, fmt.Errorf("dispute: deal %s missing escrow: %w", d.ID, ErrInvalidState)
		}
		refundRef, err = s.provider.RefundToBrand(ctx, *d.EscrowID, amount)
		if err != nil {
			return ResolveResult{}, err
		}
		refundAmount = &amount
	case ResolutionFavorCreator, ResolutionFavorBrand:
	default:
		return ResolveResult{}, fmt.Errorf("%w: unknown type %q", ErrBadResolution, params.Type)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	closed, err := s.repo.CloseTx(ctx, tx, dp.ID, StateResolved, now)
	if err != nil {
		return ResolveResult{}, err
	}

	resolution, err := s.repo.InsertResolutionTx(ctx, tx, Resolution{
		ID:          s.idGenerator(),
		DisputeID:   dp.ID,
		Type:        params.Type,
		AmountMinor: refundAmount,
		Notes:       params.Notes,
		ResolvedBy:  actor.ID,
	})
	if err != nil {
		return ResolveResult{}, err
	}

	switch params.Type {
	case ResolutionFullRefund, ResolutionPartialRefund:
		if err := s.repo.SetDealStateTx(ctx, tx, d.ID, string(deal.StateDisputed), string(deal.StateRefunded)); err != nil {
			return ResolveResult{}, err
		}
		if s.events != nil {
			err := s.events.Append(ctx, tx, event.AppendParams{
				DealID:  d.ID,
				Type:    event.TypeDealRefunded,
				ActorID: &actor.ID,
				Payload: map[string]any{
					"refund_ref":   refundRef,
					"amount_minor": *refundAmount,
				},
			})
			if err != nil {
				return ResolveResult{}, err
			}
		}
		if s.outbox != nil {
			err := s.outbox.Enqueue(ctx, tx, outbox.TopicDealRefunded, map[string]any{
				"deal_id":      d.ID,
				"refund_ref":   refundRef,
				"amount_minor": *refundAmount,
			})
			if err != nil {
				return ResolveResult{}, err
			}
		}
	case ResolutionFavorCreator:
		// Funds flow through the ordinary release edge: resume the deal and
		// fire the timers immediately so the scheduler performs the payout
		// with all of its safety checks.
		if err := s.resumeDeal(ctx, tx, dp, now, true); err != nil {
			return ResolveResult{}, err
		}
	default:
		if err := s.resumeDeal(ctx, tx, dp, now, false); err != nil {
			return ResolveResult{}, err
		}
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: dp.MilestoneID,
			Type:        event.TypeDisputeResolved,
			ActorID:     &actor.ID,
			Payload: map[string]any{
				"dispute_id":    dp.ID,
				"resolution_id": resolution.ID,
				"type":          string(params.Type),
			},
		})
		if err != nil {
			return ResolveResult{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
			"deal_id":    d.ID,
			"dispute_id": dp.ID,
			"outcome":    string(params.Type),
		})
		if err != nil {
			return ResolveResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ResolveResult{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return ResolveResult{Dispute: closed, Resolution: resolution, RefundRef: refundRef}, nil
}

func (s *Service) refundAmount(ctx context.Context, d DealInfo, params ResolveParams) (int64, error) {
	released, err := s.repo.ReleasedTotal(ctx, d.ID)
	if err != nil {
		return 0, err
	}
	refundable := d.AmountTotal - released
	if refundable <= 0 {
		return 0, fmt.Errorf("dispute: nothing left to refund: %w", ErrInvalidState)
	}
	if params.Type == ResolutionFullRefund {
		return refundable, nil
	}
	if params.AmountMinor == nil || *params.AmountMinor <= 0 || *params.AmountMinor > refundable {
		return 0, fmt.Errorf("%w: partial refund amount out of range", ErrBadResolution)
	}
	return *params.AmountMinor, nil
}

// resumeDeal thaws a disputed deal back to funded and revives review
// timers. Time spent disputed does not count against the brand: each timer
// restarts at the window remaining when the dispute opened, floored at 24h
// so the brand always gets a real chance to act. When immediate is set the
// timers fire right away.
func (s *Service) resumeDeal(ctx context.Context, tx pgx.Tx, dp Dispute, now time.Time, immediate bool) error {
	if err := s.repo.SetDealStateTx(ctx, tx, dp.DealID, string(deal.StateDisputed), string(deal.StateFunded)); err != nil {
		return err
	}
	if err := s.repo.ResumeMilestonesTx(ctx, tx, dp.DealID); err != nil {
		return err
	}

	frozen, err := s.repo.FrozenMilestonesTx(ctx, tx, dp.DealID)
	if err != nil {
		return err
	}
	for _, m := range frozen {
		runAt := now
		if !immediate {
			runAt = now.Add(s.remainingWindow(m.SubmittedAt, dp.CreatedAt))
		}
		if err := s.sched.ScheduleTx(ctx, tx, m.ID, dp.DealID, runAt); err != nil {
			return fmt.Errorf("dispute: revive timer: %w", err)
		}
	}
	return nil
}

func (s *Service) remainingWindow(submittedAt *time.Time, disputedAt time.Time) time.Duration {
	const floor = 24 * time.Hour
	if submittedAt == nil {
		return s.window
	}
	remaining := s.window - disputedAt.Sub(*submittedAt)
	if remaining < floor {
		return floor
	}
	return remaining
}

// Get returns a dispute with its owning deal info.
func (s *Service) Get(ctx context.Context, disputeID string) (Dispute, DealInfo, error) {
	return s.repo.Get(ctx, disputeID)
}

// ListByDeal returns a deal's disputes, newest first.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]Dispute, error) {
	return s.repo.ListByDeal(ctx, dealID)
}
