package milestone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/authz"
	"dealflow/deal"
	"dealflow/event"
	"dealflow/outbox"
	"dealflow/payment"
	"dealflow/validation"
)

var (
	// ErrForbidden signals the actor lacks the role or ownership for the operation.
	ErrForbidden = errors.New("milestone: forbidden")
	// ErrValidationFailed signals the deliverable content was hard-rejected.
	ErrValidationFailed = errors.New("milestone: validation failed")
	// ErrRevisionLimit signals the reject/resubmit cycle cap was reached.
	ErrRevisionLimit = errors.New("milestone: revision limit reached")
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

// ReleaseScheduler is the delayed-job capability the state machine drives.
// Both methods participate in the caller's transaction so a submission and
// its pending auto-release job commit or roll back together.
type ReleaseScheduler interface {
	ScheduleTx(ctx context.Context, tx pgx.Tx, milestoneID, dealID string, runAt time.Time) error
	CancelTx(ctx context.Context, tx pgx.Tx, milestoneID string) error
}

// Service is the milestone state machine plus the escrow orchestration
// around it. Brand approval and scheduler auto-release both funnel into the
// same release operation.
type Service struct {
	pool         TxBeginner
	repo         Repository
	provider     payment.Provider
	checker      validation.Checker
	events       EventAppender
	outbox       OutboxWriter
	sched        ReleaseScheduler
	window       time.Duration
	maxRevisions int
	providerName string
	idGenerator  func() string
	now          func() time.Time
}

// Config bundles the service's policy knobs.
type Config struct {
	// Window is how long a brand has to act on a submission before
	// auto-release fires.
	Window time.Duration
	// MaxRevisions caps reject/resubmit cycles. Zero means the default of 3.
	MaxRevisions int
}

func NewService(pool TxBeginner, repo Repository, provider payment.Provider, checker validation.Checker, events EventAppender, ob OutboxWriter, sched ReleaseScheduler, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 120 * time.Hour
	}
	if cfg.MaxRevisions <= 0 {
		cfg.MaxRevisions = 3
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		provider:     provider,
		checker:      checker,
		events:       events,
		outbox:       ob,
		sched:        sched,
		window:       cfg.Window,
		maxRevisions: cfg.MaxRevisions,
		providerName: "escrow",
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
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

// Window exposes the configured auto-release window.
func (s *Service) Window() time.Duration { return s.window }

// SubmitDeliverable validates and records a creator submission, moves the
// milestone to submitted, and schedules the auto-release job in one
// transaction. The job key is derived from the milestone ID, so retries and
// resubmissions collapse into a single pending timer.
func (s *Service) SubmitDeliverable(ctx context.Context, actor authz.Actor, milestoneID string, payload SubmitPayload) (SubmitResult, error) {
	if milestoneID == "" {
		return SubmitResult{}, fmt.Errorf("milestone: submit missing milestone id")
	}
	if !payload.HasContent() {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrValidationFailed, validation.CodeMissingContent)
	}

	result, warnings, err := s.runChecker(ctx, payload)
	if err != nil {
		return SubmitResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, d, err := s.repo.LockTx(ctx, tx, milestoneID)
	if err != nil {
		return SubmitResult{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpSubmitDeliverable); err != nil {
		return SubmitResult{}, ErrForbidden
	}
	if !CanTransition(m.State, StateSubmitted) {
		return SubmitResult{}, ErrInvalidState
	}
	if d.State != string(deal.StateFunded) {
		return SubmitResult{}, ErrInvalidState
	}
	if m.Revisions >= s.maxRevisions {
		return SubmitResult{}, ErrRevisionLimit
	}

	snapshot, err := json.Marshal(result)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("milestone: marshal validation snapshot: %w", err)
	}

	deliverable, err := s.repo.InsertDeliverableTx(ctx, tx, Deliverable{
		ID:          s.idGenerator(),
		MilestoneID: m.ID,
		URL:         payload.URL,
		FileRef:     payload.FileRef,
		ContentHash: payload.ContentHash,
		Validation:  snapshot,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	updated, err := s.repo.MarkSubmittedTx(ctx, tx, m.ID, now)
	if err != nil {
		return SubmitResult{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: &m.ID,
			Type:        event.TypeDeliverableQueued,
			ActorID:     &actor.ID,
			Payload: map[string]any{
				"deliverable_id": deliverable.ID,
				"url":            payload.URL,
				"warnings":       warnings,
			},
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicMilestoneSubmitted, map[string]any{
			"deal_id":      d.ID,
			"milestone_id": m.ID,
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}

	if err := s.sched.ScheduleTx(ctx, tx, m.ID, d.ID, now.Add(s.window)); err != nil {
		return SubmitResult{}, fmt.Errorf("milestone: schedule auto-release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("milestone: commit submit: %w", err)
	}

	return SubmitResult{Milestone: updated, Deliverable: deliverable, Warnings: warnings}, nil
}

// runChecker invokes the validation collaborator. Transport failures and
// unrecognized error codes degrade to warnings; only hard-failure codes
// block the submission.
func (s *Service) runChecker(ctx context.Context, payload SubmitPayload) (validation.Result, []string, error) {
	if s.checker == nil {
		return validation.Result{}, nil, nil
	}

	result, err := s.checker.Check(ctx, validation.Deliverable{
		URL:         payload.URL,
		FileRef:     payload.FileRef,
		ContentHash: payload.ContentHash,
	})
	if err != nil {
		log.Printf("milestone: validation service unavailable: %v", err)
		return validation.Result{}, []string{"validation_unavailable"}, nil
	}

	if code, hard := result.HardFailure(); hard {
		return validation.Result{}, nil, fmt.Errorf("%w: %s", ErrValidationFailed, code)
	}

	warnings := append([]string{}, result.Warnings...)
	for _, code := range result.Errors {
		warnings = append(warnings, code)
	}
	return result, warnings, nil
}

// Approve is the brand path into the atomic approve+release operation.
func (s *Service) Approve(ctx context.Context, actor authz.Actor, milestoneID string) (ReleaseResult, error) {
	return s.release(ctx, actor, milestoneID, false)
}

// release performs the single approve+release edge shared by the brand path
// and the auto-release path. The provider call runs before the ledger
// transaction opens (idempotency key = milestone ID), so the ledger never
// records a release the provider did not confirm, and a lost race surfaces
// as ErrInvalidState with no duplicate financial effect.
func (s *Service) release(ctx context.Context, actor authz.Actor, milestoneID string, auto bool) (ReleaseResult, error) {
	m, d, err := s.repo.GetWithDeal(ctx, milestoneID)
	if err != nil {
		return ReleaseResult{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpApproveMilestone); err != nil {
		return ReleaseResult{}, ErrForbidden
	}
	if !CanTransition(m.State, StateReleased) || d.State != string(deal.StateFunded) {
		return ReleaseResult{}, ErrInvalidState
	}
	if d.EscrowID == nil || d.CreatorID == nil {
		return ReleaseResult{}, fmt.Errorf("milestone: deal %s missing escrow or creator: %w", d.ID, ErrInvalidState)
	}

	// The active deliverable is recorded on the payout trail so the audit
	// row names what was paid for. A missing row is not a reason to block
	// the payout; the reference is simply omitted.
	var deliverableID *string
	if del, err := s.repo.LatestDeliverable(ctx, m.ID); err == nil {
		deliverableID = &del.ID
	} else if !errors.Is(err, ErrNotFound) {
		return ReleaseResult{}, err
	}

	payoutRef, err := s.provider.ReleaseToCreator(ctx, *d.EscrowID, m.AmountMinor, *d.CreatorID, payment.ReleaseMetadata{
		DealID:      d.ID,
		MilestoneID: m.ID,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	released, err := s.repo.MarkReleasedTx(ctx, tx, m.ID, now, auto)
	if err != nil {
		return ReleaseResult{}, err
	}

	payout, err := s.repo.InsertPayoutTx(ctx, tx, Payout{
		ID:          s.idGenerator(),
		DealID:      d.ID,
		MilestoneID: m.ID,
		Provider:    s.providerName,
		ProviderRef: payoutRef,
		AmountMinor: m.AmountMinor,
		Status:      PayoutCompleted,
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	released.PayoutID = &payout.ID

	if s.events != nil {
		approvedParams := event.AppendParams{
			DealID:      d.ID,
			MilestoneID: &m.ID,
			Type:        event.TypeMilestoneApproved,
			ActorID:     &actor.ID,
			Payload:     map[string]any{"auto_released": auto},
		}
		if err := s.events.Append(ctx, tx, approvedParams); err != nil {
			return ReleaseResult{}, err
		}
		payoutParams := event.AppendParams{
			DealID:      d.ID,
			MilestoneID: &m.ID,
			Type:        event.TypePayoutInitiated,
			ActorID:     &actor.ID,
			Payload: map[string]any{
				"payout_id":    payout.ID,
				"provider_ref": payoutRef,
				"amount_minor": m.AmountMinor,
			},
		}
		if deliverableID != nil {
			payoutParams.Payload["deliverable_id"] = *deliverableID
		}
		if err := s.events.Append(ctx, tx, payoutParams); err != nil {
			return ReleaseResult{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicPayoutReleased, map[string]any{
			"deal_id":      d.ID,
			"milestone_id": m.ID,
			"payout_id":    payout.ID,
			"auto":         auto,
		})
		if err != nil {
			return ReleaseResult{}, err
		}
	}

	dealReleased := false
	remaining, err := s.repo.CountUnreleasedTx(ctx, tx, d.ID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if remaining == 0 {
		if err := s.repo.MarkDealReleasedTx(ctx, tx, d.ID, now); err != nil {
			return ReleaseResult{}, err
		}
		dealReleased = true
		if s.events != nil {
			err := s.events.Append(ctx, tx, event.AppendParams{
				DealID:  d.ID,
				Type:    event.TypeDealReleased,
				ActorID: &actor.ID,
			})
			if err != nil {
				return ReleaseResult{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("milestone: commit release: %w", err)
	}

	return ReleaseResult{Milestone: released, Payout: payout, DealReleased: dealReleased}, nil
}

// Reject returns a submitted milestone to pending with feedback and drops
// the pending auto-release job. Cancellation is best-effort: a job that
// fires anyway re-validates state and no-ops.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, milestoneID, feedback string) (Milestone, error) {
	if milestoneID == "" {
		return Milestone{}, fmt.Errorf("milestone: reject missing milestone id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, d, err := s.repo.LockTx(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	ref := authz.DealRef{BrandID: d.BrandID, CreatorID: d.CreatorID}
	if err := authz.CanTransition(actor, ref, authz.OpRejectMilestone); err != nil {
		return Milestone{}, ErrForbidden
	}
	if m.State != StateSubmitted {
		return Milestone{}, ErrInvalidState
	}

	rejected, err := s.repo.MarkRejectedTx(ctx, tx, m.ID)
	if err != nil {
		return Milestone{}, err
	}

	if s.events != nil {
		err := s.events.Append(ctx, tx, event.AppendParams{
			DealID:      d.ID,
			MilestoneID: &m.ID,
			Type:        event.TypeMilestoneRejected,
			ActorID:     &actor.ID,
			Payload: map[string]any{
				"feedback":  feedback,
				"revisions": rejected.Revisions,
			},
		})
		if err != nil {
			return Milestone{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, outbox.TopicMilestoneRejected, map[string]any{
			"deal_id":      d.ID,
			"milestone_id": m.ID,
			"feedback":     feedback,
		})
		if err != nil {
			return Milestone{}, err
		}
	}

	if err := s.sched.CancelTx(ctx, tx, m.ID); err != nil {
		return Milestone{}, fmt.Errorf("milestone: cancel auto-release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit reject: %w", err)
	}
	return rejected, nil
}

// Get returns a milestone with its owning deal info.
func (s *Service) Get(ctx context.Context, milestoneID string) (Milestone, DealInfo, error) {
	return s.repo.GetWithDeal(ctx, milestoneID)
}
