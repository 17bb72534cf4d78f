package milestone

import "time"

// State is the milestone's position in its lifecycle. Approval is not a
// separately committed state: approve+release is one atomic edge and the
// approval instant is recorded in ApprovedAt for audit.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateReleased  State = "released"
	StateDisputed  State = "disputed"
)

// Milestone mirrors the milestones table.
type Milestone struct {
	ID          string
	DealID      string
	Title       string
	AmountMinor int64
	State       State
	DueAt       *time.Time
	SubmittedAt *time.Time
	ApprovedAt  *time.Time
	ReleasedAt  *time.Time
	// AutoReleased marks payouts fired by the scheduler rather than a brand.
	AutoReleased bool
	// Revisions counts completed reject/resubmit cycles.
	Revisions int
	PayoutID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deliverable mirrors the deliverables table. Rows are immutable once
// created; a resubmission creates a new row and the latest one is active.
type Deliverable struct {
	ID          string
	MilestoneID string
	URL         string
	FileRef     string
	ContentHash string
	// Validation is the checker's result snapshot at submission time.
	Validation  []byte
	SubmittedAt time.Time
}

// PayoutStatus tracks a single fund-release attempt's outcome.
type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout mirrors the payouts table. At most one row ever exists per
// milestone, enforced by a unique constraint.
type Payout struct {
	ID          string
	DealID      string
	MilestoneID string
	Provider    string
	ProviderRef string
	AmountMinor int64
	Status      PayoutStatus
	CreatedAt   time.Time
}

// DealInfo is the slice of the owning deal every milestone operation needs.
// The milestone package reads it through SQL joins rather than importing the
// deal package.
type DealInfo struct {
	ID        string
	BrandID   string
	CreatorID *string
	State     string
	EscrowID  *string
	Currency  string
}

// SubmitPayload is the content of a deliverable submission.
type SubmitPayload struct {
	URL         string
	FileRef     string
	ContentHash string
}

// HasContent reports whether the payload references anything at all.
// A contentless submission is the one hard validation error the service
// enforces locally.
func (p SubmitPayload) HasContent() bool {
	return p.URL != "" || p.FileRef != ""
}

// SubmitResult bundles what submitDeliverable returns.
type SubmitResult struct {
	Milestone   Milestone
	Deliverable Deliverable
	Warnings    []string
}

// ReleaseResult bundles the released milestone and its payout row.
type ReleaseResult struct {
	Milestone Milestone
	Payout    Payout
	// DealReleased is true when this release completed the deal.
	DealReleased bool
}
