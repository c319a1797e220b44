/*
Package credits provides the credit ledger engine for class bookings.

PURPOSE:
  A purchase turns into a Grant: a batch of spendable class credits. Bookings
  spend credits from grants, cancellations give them back, and every movement
  is written to an append-only ledger. This package owns those rules; the
  booking package composes them into units of work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grant:       A batch of purchased or allocated credits with a balance
  - Payment:     What funded a grant (or what is still owed)
  - LedgerEntry: Immutable record of a single credit movement
  - Booking:     A student's seat in a class session

GRANT LIFECYCLE:
  PENDING_ACTIVATION ──first deduction──▶ ACTIVE ──balance hits 0──▶ DEPLETED
                                            ▲                          │
                                            └─────────refund───────────┘

  The validity window (month-lock) is assigned on activation, from the date
  of the class that first spends the grant, never from the purchase date.

SEE ALSO:
  - eligibility.go: Which grants may fund a booking
  - engine.go:      Deduction and refund
  - debt.go:        Outstanding-debt placeholders and purge
*/
package credits

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type GrantID string
type PaymentID string
type BookingID string
type SessionID string
type CatalogItemID string
type LedgerEntryID string

// =============================================================================
// GRANT - A batch of credits with a remaining balance
// =============================================================================

type GrantStatus string

const (
	GrantPendingActivation GrantStatus = "PENDING_ACTIVATION"
	GrantActive            GrantStatus = "ACTIVE"
	GrantDepleted          GrantStatus = "DEPLETED"
)

// Grant is a purchased or allocated batch of credits.
//
// INVARIANTS:
//   - 0 <= RemainingCredits <= TotalCredits
//   - Status == GrantDepleted implies RemainingCredits == 0
//   - ValidFrom/ValidUntil are nil until activation and set exactly once
type Grant struct {
	ID               GrantID
	StudentID        StudentID
	CatalogItemID    CatalogItemID
	PaymentID        PaymentID
	TotalCredits     int
	RemainingCredits int
	Status           GrantStatus
	StartDate        time.Time

	// Month-lock window, assigned by ActivateIfPending.
	ValidFrom  *time.Time
	ValidUntil *time.Time

	// Tentative end-of-month stamp for debt placeholders. Informational only:
	// eligibility and refunds look at ValidUntil.
	ExpiresAt *time.Time

	CreatedAt time.Time
}

// Usable reports whether the grant can still fund a booking at all,
// ignoring the month-lock.
func (g Grant) Usable() bool {
	return g.RemainingCredits > 0 &&
		(g.Status == GrantPendingActivation || g.Status == GrantActive)
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "CASH"
	MethodTransfer    PaymentMethod = "TRANSFER"
	MethodCard        PaymentMethod = "CARD"
	MethodOutstanding PaymentMethod = "OUTSTANDING"
)

// Valid reports whether m is one of the known methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard, MethodOutstanding:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type Payment struct {
	ID        PaymentID
	StudentID StudentID
	Amount    decimal.Decimal
	Method    PaymentMethod
	Status    PaymentStatus

	// Set only for single-class debt that is not backed by a grant.
	BookingID BookingID

	CreatedAt time.Time
	SettledAt *time.Time
}

// IsOutstandingDebt reports whether the payment is unpaid "pay later" debt.
func (p Payment) IsOutstandingDebt() bool {
	return p.Method == MethodOutstanding && p.Status == PaymentPending
}

// =============================================================================
// LEDGER ENTRY - Append-only credit movement
// =============================================================================

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is never updated. It is deleted only when the grant it belongs
// to is purged.
type LedgerEntry struct {
	ID        LedgerEntryID
	StudentID StudentID
	GrantID   GrantID
	BookingID BookingID
	Type      EntryType
	Amount    int
	Reason    LedgerReason
	CreatedAt time.Time
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingPending   BookingStatus = "PENDING"
	BookingCancelled BookingStatus = "CANCELLED"
)

// Booking is a student's seat in a class session.
//
// A CONFIRMED booking with a GrantID has DEBIT ledger entries against that
// grant whose amounts add up to CreditsCharged.
type Booking struct {
	ID             BookingID
	StudentID      StudentID
	SessionID      SessionID
	Status         BookingStatus
	GrantID        GrantID
	CreditsCharged int
	ClassStartsAt  time.Time
	BookedAt       time.Time
	CancelledAt    *time.Time
}

// Active reports whether the booking still holds a seat.
func (b Booking) Active() bool {
	return b.Status == BookingConfirmed || b.Status == BookingPending
}

// =============================================================================
// ALLOCATION - Result of a deduction
// =============================================================================

// Allocation records how much a single grant contributed to a deduction.
type Allocation struct {
	GrantID GrantID
	Amount  int
}
