package state

import "time"

// Status is the single lifecycle state of a market. It replaces separate
// resolved/cancelled/disputed flags so impossible combinations cannot exist.
type Status int32

const (
	StatusUnknown Status = iota
	StatusActive
	StatusPendingResolution
	StatusResolved
	StatusDisputed
	StatusCancelled
)

const (
	// MinExtension and MaxExtension bound how far an Active market's end time can move
	MinExtension = time.Hour
	MaxExtension = 720 * time.Hour
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusPendingResolution:
		return "PendingResolution"
	case StatusResolved:
		return "Resolved"
	case StatusDisputed:
		return "Disputed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of String
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{
		StatusActive, StatusPendingResolution, StatusResolved, StatusDisputed, StatusCancelled,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return StatusUnknown, false
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

var validTransitions = map[Status][]Status{
	StatusActive: {
		StatusActive, // Extension: same state, new end time
		StatusPendingResolution,
		StatusCancelled,
	},
	StatusPendingResolution: {
		StatusResolved,
		StatusDisputed,
		StatusCancelled,
	},
	StatusDisputed: {
		StatusResolved,
		StatusCancelled,
	},
}

// CanTransitionTo validates the shape of a transition. Time, winner and
// extension guards are applied by Market.Transition.
func (s Status) CanTransitionTo(next Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}
