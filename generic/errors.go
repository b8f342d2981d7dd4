/*
errors.go - Centralized error types for the ledger and the recurrence engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure path of the engine returns one of these; nothing panics.

ERROR CATEGORIES:
  1. Validation errors - Malformed input, rejected before persistence
  2. State errors - Operation not allowed in the obligation's current status
  3. Schedule errors - Custom rules the calculator cannot interpret
  4. Store errors - Persistence failures, optionally systemic

USAGE:
  Callers branch with errors.Is / errors.As:

    var unsupported *generic.UnsupportedScheduleError
    if errors.As(err, &unsupported) {
        // needs manual attention, schedule left untouched
    }

SEE ALSO:
  - recurring/processor.go: Produces NotActive / Unsupported / Storage errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrNotActive is returned when processing an obligation that is not ACTIVE.
	ErrNotActive = errors.New("obligation is not active")

	// ErrUnsupportedSchedule is returned when a custom rule cannot be interpreted.
	ErrUnsupportedSchedule = errors.New("unsupported schedule")

	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateIdempotencyKey is returned when an entry for the same
	// occurrence was already appended.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when optimistic locking detects a
	// conflict, or the caller's snapshot of an obligation is stale.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrObligationNotFound is returned when a referenced obligation doesn't exist.
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrManualConfirmationRequired is returned when the automatic path is
	// asked to process an obligation with autoProcess disabled.
	ErrManualConfirmationRequired = errors.New("obligation requires manual confirmation")

	// ErrNotDue is returned when the automatic path sees an occurrence in the future.
	ErrNotDue = errors.New("obligation is not due")

	// ErrStoreUnavailable marks storage failures that will affect every
	// obligation, not just the current one.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotActiveError is returned by the processor for PAUSED, COMPLETED or
// CANCELLED obligations. No state changes.
type NotActiveError struct {
	ID     string
	Status string
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("obligation %s is %s, not ACTIVE", e.ID, e.Status)
}

func (e *NotActiveError) Unwrap() error { return ErrNotActive }

// UnsupportedScheduleError leaves the obligation ACTIVE with nextDue unchanged.
type UnsupportedScheduleError struct {
	ID     string
	Reason string
}

func (e *UnsupportedScheduleError) Error() string {
	if e.ID == "" {
		return "unsupported schedule: " + e.Reason
	}
	return fmt.Sprintf("unsupported schedule for %s: %s", e.ID, e.Reason)
}

func (e *UnsupportedScheduleError) Unwrap() error { return ErrUnsupportedSchedule }

// InvalidTransitionError is returned by pause/resume/cancel.
type InvalidTransitionError struct {
	ID     string
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s obligation %s in status %s", e.Action, e.ID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StorageError wraps a failed persistence operation. The single obligation's
// processing is aborted with no partial effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Systemic reports whether the failure will hit every other obligation too.
func (e *StorageError) Systemic() bool { return IsSystemic(e.Err) }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsSystemic returns true if the error means the store as a whole is
// unusable; a scan aborts its remaining items on such errors.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || IsSystemic(err)
}

// IsClientError returns true if the error is due to invalid client input
// or an operation the current state forbids.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrManualConfirmationRequired) ||
		errors.Is(err, ErrNotDue)
}

// IsNotFound returns true if the error indicates a missing obligation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound)
}
