package milestone

// transitions is the milestone state machine. submitted -> pending is the
// rejection/revision edge; disputed milestones re-enter through dispute
// resolution only.
var transitions = map[State]map[State]struct{}{
	StatePending: {
		StateSubmitted: {},
		StateDisputed:  {},
	},
	StateSubmitted: {
		StateReleased: {},
		StatePending:  {},
		StateDisputed: {},
	},
	StateDisputed: {
		StatePending:   {},
		StateSubmitted: {},
		StateReleased:  {},
	},
	StateReleased: {},
}

// CanTransition reports whether from -> to is a legal milestone edge.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
