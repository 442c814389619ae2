// Package services is the session and task state machine: it enforces
// legal transitions, writes to the claim store through per-row
// compare-and-set, and emits an event for every state change.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrTerminalSession is returned when an operation requires a
	// non-terminal session (completed, failed and archived refuse
	// heartbeats and transitions).
	ErrTerminalSession = errors.New("session is in a terminal state")

	// ErrAlreadyExists is returned when a unique key is taken.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConcurrentModification is returned when a compare-and-set
	// misses because another writer got there first.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Conflict kinds carried by ConflictError.
const (
	ConflictSlotOccupied           = "SlotOccupied"
	ConflictDuplicateClaim         = "DuplicateClaim"
	ConflictConcurrentModification = "ConcurrentModification"
	ConflictReviewAlreadyClaimed   = "ReviewAlreadyClaimed"
)

// ConflictError reports a rejected write whose cause is another
// holder's valid state, not a caller bug.
type ConflictError struct {
	Kind    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IllegalTransitionError reports a state change the transition table
// forbids. The attempted edge rides along for the error body.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition from '%s' to '%s'", e.Entity, e.From, e.To)
}
