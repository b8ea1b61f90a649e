package model

import (
	"fmt"
	"strings"
)

// Allowed status edges. Same-state transitions are handled separately as
// no-ops; completed and canceled never move directly into each other.
var transitions = map[Status][]Status{
	StatusBooked:    {StatusCompleted, StatusCanceled},
	StatusCompleted: {StatusBooked},
	StatusCanceled:  {StatusBooked},
}

// InvalidTransitionError names the rejected edge and the targets reachable
// from the current state.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("invalid status transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(allowed, ", "))
}

// AllowedTransitions lists the states reachable from s, excluding s itself.
func AllowedTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ValidateStatusTransition returns nil when from -> to is permitted, including
// the same-state no-op, and an *InvalidTransitionError otherwise.
func ValidateStatusTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	if from == to {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
}
