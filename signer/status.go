package signer

import (
	"errors"
	"fmt"
)

// Status is a signer's position in the signing state machine.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAwaitingTurn Status = "awaiting_turn"
	StatusSent         Status = "sent"
	StatusViewed       Status = "viewed"
	StatusInProgress   Status = "in_progress"
	StatusSigned       Status = "signed"
	StatusDeclined     Status = "declined"
	StatusExpired      Status = "expired"
)

var (
	// ErrSignerNotFound is returned when no signer row exists for the identifier.
	ErrSignerNotFound = errors.New("signer: not found")
	// ErrAlreadySigned signals an action against a signer that has already signed.
	ErrAlreadySigned = errors.New("signer: already signed")
	// ErrAlreadyDeclined signals an action against a signer that has declined.
	ErrAlreadyDeclined = errors.New("signer: already declined")
	// ErrInvalidTransition signals a state change the state machine forbids.
	ErrInvalidTransition = errors.New("signer: invalid transition")
	// ErrDuplicateOrder signals two signers sharing an order on one contract.
	ErrDuplicateOrder = errors.New("signer: duplicate signer order")
)

// transitions lists every allowed target per source state. Terminal states
// have no entry.
var transitions = map[Status]map[Status]bool{
	StatusPending:      {StatusSent: true},
	StatusAwaitingTurn: {StatusSent: true},
	StatusSent:         {StatusViewed: true, StatusSigned: true, StatusDeclined: true, StatusExpired: true},
	StatusViewed:       {StatusInProgress: true, StatusSigned: true, StatusDeclined: true, StatusExpired: true},
	StatusInProgress:   {StatusSigned: true, StatusDeclined: true},
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("signer: invalid transition %s -> %s", e.From, e.To)
}

// Is lets callers match any TransitionError with ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition reports whether from -> to is part of the state machine.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition validates from -> to and returns a *TransitionError otherwise.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether no transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSigned, StatusDeclined, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActive reports whether the signer holds a live invitation.
func (s Status) IsActive() bool {
	switch s {
	case StatusSent, StatusViewed, StatusInProgress:
		return true
	default:
		return false
	}
}

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusAwaitingTurn, StatusSent, StatusViewed,
		StatusInProgress, StatusSigned, StatusDeclined, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("signer: invalid status %q", s)
	}
}

// InitialStatus returns the state a signer starts in. In sequential mode
// only the lowest order begins pending; everybody else waits their turn.
func InitialStatus(order, lowestOrder int, sequential bool) Status {
	if !sequential || order == lowestOrder {
		return StatusPending
	}
	return StatusAwaitingTurn
}
