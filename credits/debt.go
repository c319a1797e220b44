/*
debt.go - Outstanding-debt placeholders ("book now, pay later")

PURPOSE:
  When an admin books a student onto classes before the package is paid
  for, a placeholder is created: a PENDING payment with method OUTSTANDING
  and a grant funded by it. Bookings spend that grant like any other.

IDEMPOTENCY WITHIN A BATCH:
  Booking 5 sessions against one new package creates exactly one
  placeholder. ResolveOrCreateDebtGrant first looks for a placeholder of
  the same student and catalog item that has not been used yet.

PURGE:
  A placeholder that has been fully reversed (every credit refunded, no
  active booking still pointing at it) was never real revenue nor a real
  obligation. It is deleted outright, payment included:

    detach bookings ──▶ delete ledger ──▶ delete grant ──▶ delete payment

  The order is fixed by UnwindPlan, not by the call site.

SEE ALSO:
  - engine.go: Refund always accepts OUTSTANDING-backed grants
  - booking/service.go: Calls PurgeIfFullyReversed after refunds
*/
package credits

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/metrics"
)

// =============================================================================
// RESOLVE OR CREATE
// =============================================================================

// ResolveOrCreateDebtGrant returns the student's unused placeholder for
// item, creating one (payment + grant + initial CREDIT entry) if none exists.
func (e *Engine) ResolveOrCreateDebtGrant(ctx context.Context, uow UnitOfWork, student Student, item CatalogItem) (*Grant, error) {
	if item.Trial {
		return nil, ErrTrialNotOutstanding
	}
	if item.CreditCount <= 0 {
		return nil, fmt.Errorf("catalog item %s has no credits", item.ID)
	}

	existing, err := uow.Grants().FindOutstanding(ctx, student.ID, item.ID)
	if err != nil {
		return nil, fmt.Errorf("find outstanding grant: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := e.now()
	price := item.PriceFor(AgeOn(student.DateOfBirth, now))

	payment := Payment{
		ID:        PaymentID(newID()),
		StudentID: student.ID,
		Amount:    price,
		Method:    MethodOutstanding,
		Status:    PaymentPending,
		CreatedAt: now,
	}
	if err := uow.Payments().Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("create outstanding payment: %w", err)
	}

	expires := EndOfMonth(now, e.loc())
	grant := Grant{
		ID:               GrantID(newID()),
		StudentID:        student.ID,
		CatalogItemID:    item.ID,
		PaymentID:        payment.ID,
		TotalCredits:     item.CreditCount,
		RemainingCredits: item.CreditCount,
		Status:           GrantPendingActivation,
		StartDate:        now,
		ExpiresAt:        &expires,
		CreatedAt:        now,
	}
	if err := uow.Grants().Create(ctx, grant); err != nil {
		return nil, fmt.Errorf("create outstanding grant: %w", err)
	}

	entry := LedgerEntry{
		ID:        LedgerEntryID(newID()),
		StudentID: student.ID,
		GrantID:   grant.ID,
		Type:      EntryCredit,
		Amount:    grant.TotalCredits,
		Reason:    ReasonPackagePurchaseOutstanding,
		CreatedAt: now,
	}
	if err := uow.Ledger().Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append outstanding grant entry: %w", err)
	}

	e.log().Info("debt placeholder created",
		zap.String("student_id", string(student.ID)),
		zap.String("grant_id", string(grant.ID)),
		zap.String("amount", price.String()))
	return &grant, nil
}

// CreateSingleClassDebt records what is owed for one booking that no grant
// funds. The payment links to the booking directly.
func (e *Engine) CreateSingleClassDebt(ctx context.Context, uow UnitOfWork, b Booking, price decimal.Decimal) (*Payment, error) {
	p := Payment{
		ID:        PaymentID(newID()),
		StudentID: b.StudentID,
		Amount:    price,
		Method:    MethodOutstanding,
		Status:    PaymentPending,
		BookingID: b.ID,
		CreatedAt: e.now(),
	}
	if err := uow.Payments().Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create single-class debt: %w", err)
	}
	return &p, nil
}

// VoidBookingDebt cancels every OUTSTANDING, PENDING payment linked
// directly to the booking. Returns how many were voided.
func (e *Engine) VoidBookingDebt(ctx context.Context, uow UnitOfWork, bookingID BookingID) (int, error) {
	payments, err := uow.Payments().ListByBooking(ctx, bookingID)
	if err != nil {
		return 0, fmt.Errorf("list booking payments: %w", err)
	}
	voided := 0
	for _, p := range payments {
		if !p.IsOutstandingDebt() {
			continue
		}
		p.Status = PaymentCancelled
		if err := uow.Payments().Update(ctx, p); err != nil {
			return voided, fmt.Errorf("void payment %s: %w", p.ID, err)
		}
		voided++
	}
	return voided, nil
}

// =============================================================================
// PURGE
// =============================================================================

// PurgeIfFullyReversed deletes a debt placeholder and its payment when all
// of its credits are back and no active booking uses it. Grants that are
// not placeholders, or still in use, are left alone. Returns true if the
// grant was deleted.
func (e *Engine) PurgeIfFullyReversed(ctx context.Context, uow UnitOfWork, grantID GrantID) (bool, error) {
	g, err := uow.Grants().Get(ctx, grantID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	p, err := uow.Payments().Get(ctx, g.PaymentID)
	if err != nil {
		if IsNotFound(err) {
			return false, integrityf("grant %s references missing payment %s", g.ID, g.PaymentID)
		}
		return false, err
	}
	if !p.IsOutstandingDebt() {
		return false, nil
	}
	if g.RemainingCredits < g.TotalCredits {
		return false, nil
	}

	active, err := uow.Bookings().CountActiveForGrant(ctx, g.ID)
	if err != nil {
		return false, fmt.Errorf("count bookings on grant %s: %w", g.ID, err)
	}
	if active > 0 {
		return false, nil
	}

	var plan UnwindPlan
	plan.PurgeGrant(*g)
	if err := plan.Execute(ctx, uow); err != nil {
		return false, fmt.Errorf("purge grant %s: %w", g.ID, err)
	}

	metrics.DebtPurged.Inc()
	e.log().Info("debt placeholder purged",
		zap.String("student_id", string(g.StudentID)),
		zap.String("grant_id", string(g.ID)),
		zap.String("payment_id", string(p.ID)))
	return true, nil
}

// =============================================================================
// UNWIND PLAN - Ordered cascading deletes
// =============================================================================

type unwindKind int

// Execution order. Bookings go before the grant they reference, the grant
// before the payment it references.
const (
	unwindDeleteBooking unwindKind = iota
	unwindDetachBookings
	unwindDeleteLedger
	unwindDeleteGrant
	unwindDeletePayment
)

func (k unwindKind) String() string {
	switch k {
	case unwindDeleteBooking:
		return "delete booking"
	case unwindDetachBookings:
		return "detach bookings"
	case unwindDeleteLedger:
		return "delete ledger"
	case unwindDeleteGrant:
		return "delete grant"
	case unwindDeletePayment:
		return "delete payment"
	}
	return "unknown"
}

type UnwindStep struct {
	kind      unwindKind
	BookingID BookingID
	GrantID   GrantID
	PaymentID PaymentID
}

func (s UnwindStep) String() string {
	switch s.kind {
	case unwindDeleteBooking:
		return fmt.Sprintf("%s %s", s.kind, s.BookingID)
	case unwindDeletePayment:
		return fmt.Sprintf("%s %s", s.kind, s.PaymentID)
	default:
		return fmt.Sprintf("%s %s", s.kind, s.GrantID)
	}
}

// UnwindPlan is an ordered list of deletions executed in one unit of work.
// Steps may be added in any order; Execute always runs them in dependency
// order.
type UnwindPlan struct {
	steps []UnwindStep
}

// DeleteBooking adds a hard delete of a booking row.
func (p *UnwindPlan) DeleteBooking(id BookingID) {
	p.steps = append(p.steps, UnwindStep{kind: unwindDeleteBooking, BookingID: id})
}

// PurgeGrant adds the full removal of a grant: remaining booking references,
// its ledger history, the grant row and its payment.
func (p *UnwindPlan) PurgeGrant(g Grant) {
	p.steps = append(p.steps,
		UnwindStep{kind: unwindDetachBookings, GrantID: g.ID},
		UnwindStep{kind: unwindDeleteLedger, GrantID: g.ID},
		UnwindStep{kind: unwindDeleteGrant, GrantID: g.ID},
		UnwindStep{kind: unwindDeletePayment, GrantID: g.ID, PaymentID: g.PaymentID},
	)
}

// Len returns the number of steps.
func (p *UnwindPlan) Len() int { return len(p.steps) }

// Steps returns the steps in execution order.
func (p *UnwindPlan) Steps() []UnwindStep {
	ordered := append([]UnwindStep(nil), p.steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].kind < ordered[j].kind })
	return ordered
}

// Execute runs every step in order, stopping at the first error. The
// caller's unit of work rolls back whatever ran before it.
func (p *UnwindPlan) Execute(ctx context.Context, uow UnitOfWork) error {
	for _, s := range p.Steps() {
		var err error
		switch s.kind {
		case unwindDeleteBooking:
			err = uow.Bookings().Delete(ctx, s.BookingID)
		case unwindDetachBookings:
			err = uow.Bookings().DetachGrant(ctx, s.GrantID)
		case unwindDeleteLedger:
			err = uow.Ledger().DeleteByGrant(ctx, s.GrantID)
		case unwindDeleteGrant:
			err = uow.Grants().Delete(ctx, s.GrantID)
		case unwindDeletePayment:
			err = uow.Payments().Delete(ctx, s.PaymentID)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	return nil
}
