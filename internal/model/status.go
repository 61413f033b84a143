package model

// Status is the reservation lifecycle state.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// transitions lists the allowed moves out of each state. Terminal states map
// to nothing.
var transitions = map[Status][]Status{
	StatusConfirmed: {StatusCancelled, StatusNoShow},
	StatusCancelled: {},
	StatusNoShow:    {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsActive reports whether the reservation still holds its tables.
func (s Status) IsActive() bool {
	return s == StatusConfirmed
}

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition checks if moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func CanCancel(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

func CanMarkNoShow(s Status) bool {
	return CanTransition(s, StatusNoShow)
}
