package milestone

import (
	"context"
	"errors"
	"fmt"

	"dealflow/authz"
	"dealflow/deal"
	"dealflow/payment"
	"dealflow/scheduler"
)

// AutoReleaser fires queued release jobs. It is not a second release code
// path: after re-validating the world it funnels into the same atomic
// approve+release operation a brand approval uses, with the system actor
// and the auto_released marker.
type AutoReleaser struct {
	svc *Service
}

func NewAutoReleaser(svc *Service) *AutoReleaser {
	return &AutoReleaser{svc: svc}
}

var _ scheduler.Handler = (*AutoReleaser)(nil)

// Handle re-validates everything from fresh reads. The job may have sat
// queued for days; rejection, dispute, or a concurrent brand approval may
// have moved the milestone on, and each of those is a recorded skip, not a
// failure.
func (a *AutoReleaser) Handle(ctx context.Context, job scheduler.Job) (scheduler.Disposition, error) {
	m, d, err := a.svc.repo.GetWithDeal(ctx, job.MilestoneID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return scheduler.Disposition{Skipped: true, Reason: "milestone missing"}, nil
		}
		return scheduler.Disposition{}, err
	}

	if m.State != StateSubmitted {
		return scheduler.Disposition{Skipped: true, Reason: "milestone state " + string(m.State)}, nil
	}
	if d.State != string(deal.StateFunded) {
		return scheduler.Disposition{Skipped: true, Reason: "deal state " + d.State}, nil
	}

	if m.SubmittedAt == nil {
		return scheduler.Disposition{Skipped: true, Reason: "no submission timestamp"}, nil
	}
	if remaining := job.RunAt.Sub(a.svc.now()); remaining > 0 {
		// The job row carries the authoritative deadline: a dispute resolution
		// may set it well inside submitted_at + window. Fired early (clock
		// skew or a scheduling bug); retry after backoff rather than releasing
		// before the deadline.
		return scheduler.Disposition{}, fmt.Errorf("milestone: fired %s before deadline", remaining)
	}

	n, err := a.svc.repo.CountDeliverables(ctx, m.ID)
	if err != nil {
		return scheduler.Disposition{}, err
	}
	if n == 0 {
		return scheduler.Disposition{Skipped: true, Reason: "no deliverable"}, nil
	}

	if _, err := a.svc.release(ctx, authz.System, job.MilestoneID, true); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return scheduler.Disposition{Skipped: true, Reason: "lost release race"}, nil
		}
		var pe *payment.Error
		if errors.As(err, &pe) && !payment.IsRetryable(err) {
			// The provider rejected the payout outright; retrying the same
			// idempotency key reproduces the rejection.
			return scheduler.Disposition{}, fmt.Errorf("milestone: release %s: %v: %w", job.MilestoneID, err, scheduler.ErrPermanent)
		}
		return scheduler.Disposition{}, err
	}
	return scheduler.Disposition{}, nil
}
