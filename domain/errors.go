/*
errors.go - Centralized error types for the trust engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Entity does not exist
  2. Transition errors - Operation not allowed from the current state
  3. Authorization errors - Actor may not perform the operation
  4. Conflict errors - Lost a race or duplicate write
  5. Window errors - Time limit for the operation has passed
  6. Validation errors - Malformed input

USAGE:
  Callers classify with errors.Is against the category sentinels:

    if errors.Is(err, domain.ErrInvalidTransition) {
        // booking already moved on
    }

  Specific sentinels wrap a category, so both checks succeed:

    errors.Is(domain.ErrAppealExists, domain.ErrInvalidTransition) == true

SEE ALSO:
  - retry.go: Retries ErrConcurrentModification
  - api/errors.go: Maps categories to HTTP status codes
*/
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the entity's current state does
	// not allow the requested operation.
	ErrInvalidTransition = errors.New("invalid transition")

	ErrNotAuthorized = errors.New("not authorized")

	// ErrConflict is returned when a write lost a race or would violate a
	// uniqueness rule.
	ErrConflict = errors.New("conflict")

	ErrTimeWindowExpired = errors.New("time window expired")

	ErrValidation = errors.New("validation failed")
)

// Specific errors. Each wraps one category above.
var (
	ErrAppealExists            = fmt.Errorf("appeal already submitted: %w", ErrInvalidTransition)
	ErrPenaltyAlreadyCancelled = fmt.Errorf("penalty already cancelled: %w", ErrInvalidTransition)
	ErrNoPendingAppeal         = fmt.Errorf("no pending appeal: %w", ErrInvalidTransition)
	ErrAppealWindowExpired     = fmt.Errorf("appeal window expired: %w", ErrTimeWindowExpired)

	// ErrDuplicatePenalty is returned when a booking already has a
	// non-cancelled penalty.
	ErrDuplicatePenalty = fmt.Errorf("booking already penalized: %w", ErrConflict)

	// ErrConcurrentModification is returned by conditional updates whose
	// precondition no longer holds. Retryable.
	ErrConcurrentModification = fmt.Errorf("concurrent modification detected: %w", ErrConflict)

	// ErrProviderUnavailable is returned when a suspended or banned provider
	// is asked to take a booking.
	ErrProviderUnavailable = fmt.Errorf("provider cannot accept bookings: %w", ErrInvalidTransition)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string // "booking", "penalty", "appeal"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AuthorizationError names the actor that was refused.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %q may not %s", e.ActorID, e.Action)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrNotAuthorized
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself rather
// than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrTimeWindowExpired) ||
		errors.Is(err, ErrConflict)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
