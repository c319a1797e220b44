/*
errors.go - Error types and caller-facing outcomes

PURPOSE:
  All error types in one place. Policy outcomes (expected business states)
  are sentinel errors wrapped by structured errors that carry context.
  OutcomeOf maps any error chain to the Outcome enum callers act on.

ERROR CATEGORIES:
  1. Policy outcomes - insufficient credits, month-lock conflict, expired
     refund, duplicate booking, capacity. Always abort the unit of work.
  2. Integrity violations - a row a reference implies must exist is missing,
     or a balance would break its bounds. Surfaced as INTERNAL.
  3. Everything else (store, collaborator failures) - INTERNAL.

USAGE:
  allocs, err := engine.Deduct(ctx, uow, req)
  if errors.Is(err, credits.ErrExpiryWarning) {
      // ask the admin, then retry with ForceExpiry
  }
*/
package credits

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// OUTCOME - What callers see
// =============================================================================

type Outcome string

const (
	OutcomeSuccess             Outcome = "SUCCESS"
	OutcomeNotFound            Outcome = "NOT_FOUND"
	OutcomeDuplicateBooking    Outcome = "DUPLICATE_BOOKING"
	OutcomeCapacityFull        Outcome = "CAPACITY_FULL"
	OutcomeInsufficientCredits Outcome = "INSUFFICIENT_CREDITS"
	OutcomeExpiryWarning       Outcome = "EXPIRY_WARNING"
	OutcomeExpiredNoRefund     Outcome = "EXPIRED_NO_REFUND"
	OutcomeUnauthorized        Outcome = "UNAUTHORIZED"
	OutcomeInternal            Outcome = "INTERNAL"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits: no combination of grants covers the amount,
	// even ignoring the month-lock.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrExpiryWarning: credits exist but are locked to another month.
	// Recoverable by retrying with ForceExpiry.
	ErrExpiryWarning = errors.New("credits locked to another month")

	// ErrExpiredNoRefund: the grant's window has passed and it was paid for.
	ErrExpiredNoRefund = errors.New("grant expired, refund refused")

	ErrDuplicateBooking = errors.New("student already booked on session")
	ErrCapacityFull     = errors.New("session is at capacity")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrIntegrity marks a broken reference or balance bound.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrInvalidAmount is returned for non-positive credit amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrTrialNotOutstanding: trial packages cannot be booked on credit.
	ErrTrialNotOutstanding = errors.New("trial packages cannot be booked as outstanding")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError details a shortage.
type InsufficientCreditsError struct {
	StudentID StudentID
	Available int
	Requested int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %d, requested %d",
		e.StudentID, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// ExpiryWarningError reports credits that exist outside the class month.
type ExpiryWarningError struct {
	StudentID StudentID
	ClassDate time.Time
	InMonth   int // credits usable for the class month
	Locked    int // credits usable only when ignoring the month-lock
	Requested int
}

func (e *ExpiryWarningError) Error() string {
	return fmt.Sprintf("credits for %s are locked to another month: %d usable in %s, %d overall, requested %d",
		e.StudentID, e.InMonth, e.ClassDate.Format("2006-01"), e.Locked, e.Requested)
}

func (e *ExpiryWarningError) Unwrap() error { return ErrExpiryWarning }

// ExpiredRefundError reports a refund against a closed, paid-for window.
type ExpiredRefundError struct {
	GrantID    GrantID
	ValidUntil time.Time
}

func (e *ExpiredRefundError) Error() string {
	return fmt.Sprintf("grant %s expired on %s", e.GrantID, e.ValidUntil.Format("2006-01-02"))
}

func (e *ExpiredRefundError) Unwrap() error { return ErrExpiredNoRefund }

// DuplicateBookingError reports a second CONFIRMED booking on one session.
type DuplicateBookingError struct {
	StudentID StudentID
	SessionID SessionID
	Existing  BookingID
}

func (e *DuplicateBookingError) Error() string {
	return fmt.Sprintf("student %s already booked on session %s (booking %s)",
		e.StudentID, e.SessionID, e.Existing)
}

func (e *DuplicateBookingError) Unwrap() error { return ErrDuplicateBooking }

// CapacityError reports a full session.
type CapacityError struct {
	SessionID SessionID
	Capacity  int
	Booked    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %s is full (%d/%d)", e.SessionID, e.Booked, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityFull }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// integrityf wraps ErrIntegrity with a message.
func integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// OutcomeOf maps an error chain to the outcome a caller should see.
// A nil error is OutcomeSuccess.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrExpiryWarning):
		return OutcomeExpiryWarning
	case errors.Is(err, ErrInsufficientCredits):
		return OutcomeInsufficientCredits
	case errors.Is(err, ErrExpiredNoRefund):
		return OutcomeExpiredNoRefund
	case errors.Is(err, ErrDuplicateBooking):
		return OutcomeDuplicateBooking
	case errors.Is(err, ErrCapacityFull):
		return OutcomeCapacityFull
	case errors.Is(err, ErrUnauthorized):
		return OutcomeUnauthorized
	case errors.Is(err, ErrIntegrity):
		return OutcomeInternal
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeInternal
	}
}

// IsPolicyOutcome reports whether err is an expected business state rather
// than a failure.
func IsPolicyOutcome(err error) bool {
	switch OutcomeOf(err) {
	case OutcomeDuplicateBooking, OutcomeCapacityFull, OutcomeInsufficientCredits,
		OutcomeExpiryWarning, OutcomeExpiredNoRefund:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
