/*
store.go - Unit of work and repository interfaces

PURPOSE:
  Defines the boundary between the engine and the database. Every engine
  function takes a UnitOfWork as an explicit argument; nothing reaches for
  an ambient transaction. A TxStore opens the unit, commits when the
  callback returns nil and rolls back otherwise.

KEY INTERFACES:
  TxStore:           Opens a unit of work (WithTx)
  UnitOfWork:        Typed repositories bound to one transaction
  GrantRepository:   Credit grants (row-locked reads where the store can)
  PaymentRepository: Payments funding grants or single bookings
  LedgerRepository:  Append-only credit movements
  BookingRepository: Bookings and the counts capacity checks need

LEDGER CONTRACT:
  LedgerRepository has Append and reads. DeleteByGrant exists only for the
  purge of a fully reversed debt placeholder (see debt.go UnwindPlan).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default) and Postgres via sqlx
  - credits/store/memory.go: In-memory for tests

SEE ALSO:
  - engine.go: Uses GrantRepository + LedgerRepository
  - booking/service.go: Opens units of work
*/
package credits

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK
// =============================================================================

// TxStore runs fn inside one transaction.
// If fn returns an error the transaction is rolled back and every repository
// write made through the UnitOfWork is discarded.
type TxStore interface {
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error
}

// UnitOfWork exposes repositories that all share one transaction.
type UnitOfWork interface {
	Grants() GrantRepository
	Payments() PaymentRepository
	Ledger() LedgerRepository
	Bookings() BookingRepository
}

// =============================================================================
// REPOSITORIES
// =============================================================================

type GrantRepository interface {
	// Get returns the grant or a NotFoundError.
	Get(ctx context.Context, id GrantID) (*Grant, error)

	// ListUsable returns the student's grants with RemainingCredits > 0 and
	// status PENDING_ACTIVATION or ACTIVE, oldest StartDate first.
	// Stores that support it lock the returned rows until the unit ends.
	ListUsable(ctx context.Context, studentID StudentID) ([]Grant, error)

	// ListByStudent returns every grant of the student, oldest first.
	ListByStudent(ctx context.Context, studentID StudentID) ([]Grant, error)

	// FindOutstanding returns a PENDING_ACTIVATION grant for student+item
	// whose payment is OUTSTANDING and PENDING, or nil.
	FindOutstanding(ctx context.Context, studentID StudentID, itemID CatalogItemID) (*Grant, error)

	Create(ctx context.Context, g Grant) error

	// Update persists balance, status and validity window.
	Update(ctx context.Context, g Grant) error

	Delete(ctx context.Context, id GrantID) error
}

type PaymentRepository interface {
	Get(ctx context.Context, id PaymentID) (*Payment, error)
	Create(ctx context.Context, p Payment) error
	Update(ctx context.Context, p Payment) error
	Delete(ctx context.Context, id PaymentID) error

	// ListByBooking returns payments linked directly to a booking.
	ListByBooking(ctx context.Context, bookingID BookingID) ([]Payment, error)
}

type LedgerRepository interface {
	Append(ctx context.Context, e LedgerEntry) error
	ListByGrant(ctx context.Context, grantID GrantID) ([]LedgerEntry, error)
	ListByStudent(ctx context.Context, studentID StudentID) ([]LedgerEntry, error)
	ListByBooking(ctx context.Context, bookingID BookingID) ([]LedgerEntry, error)

	// DeleteByGrant removes the grant's history. Purge only.
	DeleteByGrant(ctx context.Context, grantID GrantID) error
}

type BookingRepository interface {
	Get(ctx context.Context, id BookingID) (*Booking, error)
	Create(ctx context.Context, b Booking) error
	Update(ctx context.Context, b Booking) error
	Delete(ctx context.Context, id BookingID) error

	// FindConfirmed returns the student's CONFIRMED booking on the session, or nil.
	FindConfirmed(ctx context.Context, studentID StudentID, sessionID SessionID) (*Booking, error)

	// CountActiveForSession counts CONFIRMED and PENDING bookings on a session.
	// Stores that support it lock the session's booking rows.
	CountActiveForSession(ctx context.Context, sessionID SessionID) (int, error)

	// CountActiveForGrant counts CONFIRMED and PENDING bookings funded by a grant.
	CountActiveForGrant(ctx context.Context, grantID GrantID) (int, error)

	// ListConfirmedFrom returns the student's CONFIRMED bookings whose class
	// starts at or after from, earliest first.
	ListConfirmedFrom(ctx context.Context, studentID StudentID, from time.Time) ([]Booking, error)

	// ListByStudent returns all bookings of a student, earliest class first.
	ListByStudent(ctx context.Context, studentID StudentID) ([]Booking, error)

	// DetachGrant clears the grant reference on every booking funded by it.
	DetachGrant(ctx context.Context, grantID GrantID) error
}
