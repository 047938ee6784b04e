// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// Common application errors.
var (
	// Storage errors.
	ErrNotFound            = errors.New("not found")
	ErrDuplicateEntry      = errors.New("duplicate entry")
	ErrPersistenceConflict = errors.New("persistence conflict")

	// Classification outcomes that are not failures of the engine itself.
	ErrExtractionIncomplete = errors.New("snapshot has no classifiable description")
	ErrIneligibleDocument   = errors.New("document kind is not eligible for classification")

	// Funnel errors.
	ErrNoCandidatesFound  = errors.New("no candidate accounts found")
	ErrExternalService    = errors.New("external classification service failed")
	ErrMalformedResponse  = errors.New("malformed classification response")
	ErrGuardrailViolation = errors.New("guardrail violation")
	ErrInvalidQuery       = errors.New("invalid retrieval query")

	// Review errors.
	ErrTerminalStatus    = errors.New("record is in a terminal status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownCode       = errors.New("code is not in the catalog")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// PhaseError ties a failure to the record and funnel phase where it happened.
type PhaseError struct {
	Err      error
	RecordID string
	Phase    model.Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("record %s: %s phase: %v", e.RecordID, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NewPhaseError wraps err with the record id and phase.
func NewPhaseError(recordID string, phase model.Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{RecordID: recordID, Phase: phase, Err: err}
}

// PhaseOf returns the phase recorded on err, if any.
func PhaseOf(err error) (model.Phase, bool) {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Phase, true
	}
	return "", false
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrPersistenceConflict) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
