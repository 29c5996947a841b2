package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches any guard failure: a lost claim race, a state
	// guard miss, or a stale review version. Zero mutation occurred.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the invoice id does not exist.
	ErrNotFound = errors.New("invoice not found")
	// ErrInvalidInput covers rejected patches and malformed values,
	// detected before any statement is issued.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamUnavailable means an extraction or correction provider
	// failed; callers may retry later, unlike a conflict.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMissingID is a fatal precondition: ids are caller-assigned and
	// never generated by the store.
	ErrMissingID = errors.New("invoice id is required")
)

// ConflictError reports a failed guarded update with enough current-row
// context for the caller to refetch and decide whether to retry.
type ConflictError struct {
	Op             string
	InvoiceID      string
	CurrentState   ProcessingState
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on invoice %s: state=%s review_version=%d",
		e.Op, e.InvoiceID, e.CurrentState, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidInputError carries the offending field for API error payloads.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input on %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidTransitionError reports a guarded transition whose row was not in
// any of the expected source states.
type InvalidTransitionError struct {
	InvoiceID string
	From      []ProcessingState
	To        ProcessingState
	Current   ProcessingState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition on invoice %s: %v -> %s (currently %s)",
		e.InvoiceID, e.From, e.To, e.Current)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrConflict }
