package dispute

import "time"

// State is the dispute's position in its lifecycle. Resolved and withdrawn
// are terminal; every active state freezes the owning deal.
type State string

const (
	StateOpen        State = "open"
	StateEscalated   State = "escalated"
	StateUnderReview State = "under_review"
	StateResolved    State = "resolved"
	StateWithdrawn   State = "withdrawn"
)

// transitions is the dispute state machine. Withdrawal and resolution are
// reachable from every active state.
var transitions = map[State]map[State]struct{}{
	StateOpen: {
		StateEscalated: {},
		StateResolved:  {},
		StateWithdrawn: {},
	},
	StateEscalated: {
		StateUnderReview: {},
		StateResolved:    {},
		StateWithdrawn:   {},
	},
	StateUnderReview: {
		StateResolved:  {},
		StateWithdrawn: {},
	},
	StateResolved:  {},
	StateWithdrawn: {},
}

// CanTransition reports whether from -> to is a legal dispute edge.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Active reports whether the dispute still freezes its deal.
func (s State) Active() bool {
	return s == StateOpen || s == StateEscalated || s == StateUnderReview
}

// ResolutionType decides which state the deal lands in when a dispute
// closes.
type ResolutionType string

const (
	ResolutionFullRefund    ResolutionType = "full_refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionFavorCreator  ResolutionType = "favor_creator"
	ResolutionFavorBrand    ResolutionType = "favor_brand"
)

// Dispute mirrors the disputes table. A partial unique index on deal_id
// over active states enforces one active dispute per deal.
type Dispute struct {
	ID     string
	DealID string
	// MilestoneID scopes the dispute to one milestone when set.
	MilestoneID *string
	RaiserID    string
	Category    string
	Reason      string
	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// Resolution mirrors the dispute_resolutions table.
type Resolution struct {
	ID        string
	DisputeID string
	Type      ResolutionType
	// AmountMinor is set for partial refunds.
	AmountMinor *int64
	Notes       string
	ResolvedBy  string
	CreatedAt   time.Time
}

// ResolveParams carries an arbiter's verdict.
type ResolveParams struct {
	Type        ResolutionType
	AmountMinor *int64
	Notes       string
}

// DealInfo is the slice of the owning deal the dispute gate needs, read
// through SQL joins rather than the deal package.
type DealInfo struct {
	ID          string
	BrandID     string
	CreatorID   *string
	State       string
	EscrowID    *string
	AmountTotal int64
	Currency    string
}

// FrozenMilestone is a milestone whose review timer the dispute suspended.
type FrozenMilestone struct {
	ID          string
	SubmittedAt *time.Time
}
