package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks a handler failure no retry can fix (a provider
// rejecting the payout outright). MarkFailed sends such jobs straight to
// dead instead of burning the retry budget.
var ErrPermanent = errors.New("scheduler: permanent failure")

// Status is the lifecycle of a delayed release job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusCanceled  Status = "canceled"
	// StatusDead marks a job that exhausted its retries. Dead jobs raise a
	// durable operator alert and are never silently dropped.
	StatusDead Status = "dead"
)

// Job mirrors the release_jobs table.
type Job struct {
	ID          string
	Key         string
	MilestoneID string
	DealID      string
	RunAt       time.Time
	Status      Status
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobKey derives the deterministic job identifier for a milestone. Repeated
// scheduling for the same milestone collapses onto this key.
func JobKey(milestoneID string) string {
	return fmt.Sprintf("auto-release-%s", milestoneID)
}

// Disposition is a handler's verdict for a fired job. Skips are benign,
// recorded outcomes (the world changed while the job was queued), not errors.
type Disposition struct {
	Skipped bool
	Reason  string
}

// Health is the operational snapshot exposed to tooling.
type Health struct {
	Waiting int
	Active  int
	Failed  int
}

// Backoff returns the delay before retry n (1-based): bounded exponential,
// 1m, 2m, 4m, ... capped at 1h.
func Backoff(attempt int) time.Duration {
	const (
		base     = time.Minute
		maxDelay = time.Hour
	)
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}
