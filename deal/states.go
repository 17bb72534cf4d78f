package deal

// transitions is the deal state machine. The only way back out of disputed
// is through dispute resolution, which picks one of the listed targets.
var transitions = map[State]map[State]struct{}{
	StateDraft: {
		StateFunded: {},
	},
	StateFunded: {
		StateReleased: {},
		StateDisputed: {},
	},
	StateDisputed: {
		StateFunded:   {},
		StateReleased: {},
		StateRefunded: {},
	},
	StateReleased: {},
	StateRefunded: {},
}

// CanTransition reports whether from -> to is a legal deal edge.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Disputable reports whether a dispute may be opened against a deal in this
// state. Draft deals hold no funds, terminal deals cannot move.
func Disputable(s State) bool {
	return s == StateFunded
}
