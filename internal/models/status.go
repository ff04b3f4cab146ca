package models

import "fmt"

// Status is the lifecycle state of a PaymentRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// transitions lists every legal move. Anything missing is illegal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusExpired},
	StatusProcessing: {StatusSucceeded, StatusFailed, StatusExpired},
	StatusSucceeded:  nil,
	StatusFailed:     nil,
	StatusExpired:    nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Active reports whether the payment still counts as in flight.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next when the move is legal and ErrInvalidTransition otherwise.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// PathTo returns the chain of legal steps leading from s to target, excluding s.
// succeeded and failed are only reachable through processing.
func (s Status) PathTo(target Status) ([]Status, error) {
	if s.CanTransition(target) {
		return []Status{target}, nil
	}
	if s == StatusPending && StatusProcessing.CanTransition(target) {
		return []Status{StatusProcessing, target}, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
}
