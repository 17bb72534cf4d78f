package authz

import "errors"

// ErrForbidden signals the actor lacks the role or ownership for the operation.
var ErrForbidden = errors.New("authz: forbidden")

type Role string

const (
	RoleBrand   Role = "brand"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	// RoleSystem is used by internally fired transitions (auto-release).
	RoleSystem Role = "system"
)

// Actor identifies who is attempting a transition.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor attached to scheduler-fired transitions.
var System = Actor{ID: "system", Role: RoleSystem}

// Operation names a state-changing operation on a deal or milestone.
type Operation string

const (
	OpFundDeal          Operation = "deal.fund"
	OpAcceptDeal        Operation = "deal.accept"
	OpSubmitDeliverable Operation = "milestone.submit"
	OpApproveMilestone  Operation = "milestone.approve"
	OpRejectMilestone   Operation = "milestone.reject"
	OpOpenDispute       Operation = "dispute.open"
	OpWithdrawDispute   Operation = "dispute.withdraw"
	OpResolveDispute    Operation = "dispute.resolve"
)

// DealRef carries the ownership columns every rule needs. CreatorID is nil
// until a creator accepts the deal.
type DealRef struct {
	BrandID   string
	CreatorID *string
}

func (d DealRef) isBrand(a Actor) bool {
	return a.Role == RoleBrand && a.ID == d.BrandID
}

func (d DealRef) isCreator(a Actor) bool {
	return a.Role == RoleCreator && d.CreatorID != nil && a.ID == *d.CreatorID
}

func (d DealRef) isParticipant(a Actor) bool {
	return d.isBrand(a) || d.isCreator(a)
}

// CanTransition is the single authorization check consumed by every
// state-changing operation. Admin and system actors are unrestricted;
// everyone else must hold the right side of the deal.
func CanTransition(actor Actor, deal DealRef, op Operation) error {
	if actor.Role == RoleAdmin || actor.Role == RoleSystem {
		return nil
	}

	var ok bool
	switch op {
	case OpFundDeal:
		ok = deal.isBrand(actor)
	case OpAcceptDeal:
		// Any creator may accept an unclaimed deal; an accepted deal is
		// bound to its creator.
		if deal.CreatorID == nil {
			ok = actor.Role == RoleCreator
		} else {
			ok = deal.isCreator(actor)
		}
	case OpSubmitDeliverable:
		ok = deal.isCreator(actor)
	case OpApproveMilestone, OpRejectMilestone:
		ok = deal.isBrand(actor)
	case OpOpenDispute, OpWithdrawDispute:
		ok = deal.isParticipant(actor)
	case OpResolveDispute:
		// Only arbiters (admins) resolve; handled by the blanket admin
		// allowance above.
		ok = false
	default:
		ok = false
	}

	if !ok {
		return ErrForbidden
	}
	return nil
}
