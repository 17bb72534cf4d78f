package deal

import "time"

// State is the deal's position in the escrow lifecycle.
type State string

const (
	StateDraft    State = "draft"
	StateFunded   State = "funded"
	StateReleased State = "released"
	StateDisputed State = "disputed"
	StateRefunded State = "refunded"
)

// Deal is the aggregate root for a brand/creator engagement. It mirrors the
// deals table. AmountTotal is integer minor units and always equals the sum
// of the deal's milestone amounts.
type Deal struct {
	ID          string
	ProjectID   string
	BrandID     string
	CreatorID   *string
	Currency    string
	AmountTotal int64
	State       State
	// EscrowID is the opaque provider-side escrow handle, set on funding.
	EscrowID    *string
	CreatedAt   time.Time
	AcceptedAt  *time.Time
	FundedAt    *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// MilestoneDraft describes one payable unit at deal creation time. The full
// milestone model lives in the milestone package; creation only needs these
// columns.
type MilestoneDraft struct {
	Title       string
	AmountMinor int64
	DueAt       *time.Time

	// id is stamped by the service before insert; the milestones table has
	// no column default for its primary key.
	id string
}

// CreateParams carries everything needed to open a draft deal.
type CreateParams struct {
	ProjectID  string
	Currency   string
	Milestones []MilestoneDraft
}

// Filters narrows deal listings.
type Filters struct {
	BrandID   string
	CreatorID string
	State     State
	Page      int
	PageSize  int
}
