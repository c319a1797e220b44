/*
engine.go - Deduction and refund of credits

PURPOSE:
  Moves credits between "available" (Grant.RemainingCredits) and "spent"
  (DEBIT ledger entries), always inside the caller's unit of work.

DEDUCTION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  resolve eligible ──▶ enough? ──yes──▶ walk oldest-first:        │
  │  (month-locked)          │              activate if pending      │
  │                          no             take min(remaining, need)│
  │                          ▼              DEBIT ledger entry       │
  │               resolve ignoring lock                              │
  │                 enough? ──yes──▶ EXPIRY_WARNING (retry w/ force) │
  │                    │                                             │
  │                    no ──────────▶ INSUFFICIENT_CREDITS           │
  └──────────────────────────────────────────────────────────────────┘

  Both failure outcomes happen before any write.

REFUND ASYMMETRY:
  A refund against a grant whose window has closed is refused, unless the
  grant is backed by an OUTSTANDING payment. Debt placeholders must always
  unwind completely, whatever the calendar says.

EXAMPLE:
  allocs, err := engine.Deduct(ctx, uow, credits.DeductRequest{
      StudentID: "stu-1", Amount: 1, ClassDate: classStart,
      BookingID: "bk-1", Reason: credits.ReasonBookingCreated,
  })

SEE ALSO:
  - eligibility.go: Grant ordering and month-lock filter
  - grant.go:       Activation
*/
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine holds the configuration shared by every credit operation.
// It keeps no state between calls.
type Engine struct {
	// Location is the academy's timezone; month boundaries are computed here.
	Location *time.Location

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *zap.Logger
}

// NewEngine returns an Engine for loc. A nil logger is replaced by a no-op.
func NewEngine(loc *time.Location, logger *zap.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Location: loc, Clock: time.Now, Logger: logger}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().In(e.loc())
	}
	return e.Clock().In(e.loc())
}

func (e *Engine) loc() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Now exposes the engine clock to the orchestrator.
func (e *Engine) Now() time.Time { return e.now() }

func newID() string { return uuid.NewString() }

// =============================================================================
// DEDUCT
// =============================================================================

type DeductRequest struct {
	StudentID        StudentID
	Amount           int
	ClassDate        time.Time
	BookingID        BookingID
	RequestedGrantID GrantID // optional: restrict to one grant
	Reason           LedgerReason
	ForceExpiry      bool // ignore the month-lock
}

// Deduct spends req.Amount credits from the student's eligible grants,
// oldest first, and returns one Allocation per grant touched.
func (e *Engine) Deduct(ctx context.Context, uow UnitOfWork, req DeductRequest) ([]Allocation, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("deduct: unknown ledger reason %q", req.Reason)
	}

	eligible, err := e.ResolveEligible(ctx, uow, req.StudentID, req.ClassDate, req.RequestedGrantID, req.ForceExpiry)
	if err != nil {
		return nil, err
	}

	available := sumRemaining(eligible)
	if available < req.Amount {
		if req.ForceExpiry {
			return nil, &InsufficientCreditsError{StudentID: req.StudentID, Available: available, Requested: req.Amount}
		}
		unlocked, err := e.ResolveEligible(ctx, uow, req.StudentID, req.ClassDate, req.RequestedGrantID, true)
		if err != nil {
			return nil, err
		}
		overall := sumRemaining(unlocked)
		if overall >= req.Amount {
			return nil, &ExpiryWarningError{
				StudentID: req.StudentID,
				ClassDate: req.ClassDate,
				InMonth:   available,
				Locked:    overall,
				Requested: req.Amount,
			}
		}
		return nil, &InsufficientCreditsError{StudentID: req.StudentID, Available: overall, Requested: req.Amount}
	}

	now := e.now()
	needed := req.Amount
	var allocations []Allocation

	for i := range eligible {
		if needed == 0 {
			break
		}
		g := &eligible[i]

		if e.ActivateIfPending(g, req.ClassDate) {
			e.log().Debug("grant activated",
				zap.String("grant_id", string(g.ID)),
				zap.Time("valid_until", *g.ValidUntil))
		}

		take := min(g.RemainingCredits, needed)
		g.RemainingCredits -= take
		if g.RemainingCredits == 0 {
			g.Status = GrantDepleted
		}
		if err := uow.Grants().Update(ctx, *g); err != nil {
			return nil, fmt.Errorf("deduct: update grant %s: %w", g.ID, err)
		}

		entry := LedgerEntry{
			ID:        LedgerEntryID(newID()),
			StudentID: req.StudentID,
			GrantID:   g.ID,
			BookingID: req.BookingID,
			Type:      EntryDebit,
			Amount:    take,
			Reason:    req.Reason,
			CreatedAt: now,
		}
		if err := uow.Ledger().Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("deduct: append ledger entry: %w", err)
		}

		allocations = append(allocations, Allocation{GrantID: g.ID, Amount: take})
		needed -= take
	}

	metrics.CreditsMoved.WithLabelValues(string(EntryDebit)).Add(float64(req.Amount))
	return allocations, nil
}

func sumRemaining(grants []Grant) int {
	total := 0
	for _, g := range grants {
		total += g.RemainingCredits
	}
	return total
}

// =============================================================================
// REFUND
// =============================================================================

type RefundRequest struct {
	StudentID StudentID
	GrantID   GrantID
	Amount    int
	BookingID BookingID
	Reason    LedgerReason
}

// Refund returns req.Amount credits to a grant and writes a CREDIT entry.
// Returns the updated grant.
func (e *Engine) Refund(ctx context.Context, uow UnitOfWork, req RefundRequest) (*Grant, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("refund: unknown ledger reason %q", req.Reason)
	}

	g, err := uow.Grants().Get(ctx, req.GrantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, integrityf("refund references missing grant %s", req.GrantID)
		}
		return nil, err
	}
	if g.StudentID != req.StudentID {
		return nil, integrityf("grant %s belongs to %s, not %s", g.ID, g.StudentID, req.StudentID)
	}

	p, err := uow.Payments().Get(ctx, g.PaymentID)
	if err != nil {
		if IsNotFound(err) {
			return nil, integrityf("grant %s references missing payment %s", g.ID, g.PaymentID)
		}
		return nil, err
	}

	now := e.now()
	if g.ValidUntil != nil && g.ValidUntil.Before(now) && p.Method != MethodOutstanding {
		return nil, &ExpiredRefundError{GrantID: g.ID, ValidUntil: *g.ValidUntil}
	}

	if g.RemainingCredits+req.Amount > g.TotalCredits {
		return nil, integrityf("refund of %d would lift grant %s above its total (%d/%d)",
			req.Amount, g.ID, g.RemainingCredits, g.TotalCredits)
	}
	if req.BookingID != "" {
		charged, err := e.netCharged(ctx, uow, req.BookingID, g.ID)
		if err != nil {
			return nil, err
		}
		if req.Amount > charged {
			return nil, integrityf("refund of %d to grant %s exceeds the %d booking %s still holds",
				req.Amount, g.ID, charged, req.BookingID)
		}
	}

	g.RemainingCredits += req.Amount
	if g.Status == GrantDepleted {
		g.Status = GrantActive
	}
	if err := uow.Grants().Update(ctx, *g); err != nil {
		return nil, fmt.Errorf("refund: update grant %s: %w", g.ID, err)
	}

	entry := LedgerEntry{
		ID:        LedgerEntryID(newID()),
		StudentID: req.StudentID,
		GrantID:   g.ID,
		BookingID: req.BookingID,
		Type:      EntryCredit,
		Amount:    req.Amount,
		Reason:    req.Reason,
		CreatedAt: now,
	}
	if err := uow.Ledger().Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("refund: append ledger entry: %w", err)
	}

	metrics.CreditsMoved.WithLabelValues(string(EntryCredit)).Add(float64(req.Amount))
	return g, nil
}

// netCharged is what a booking has taken from a grant and not yet had back.
func (e *Engine) netCharged(ctx context.Context, uow UnitOfWork, bookingID BookingID, grantID GrantID) (int, error) {
	entries, err := uow.Ledger().ListByBooking(ctx, bookingID)
	if err != nil {
		return 0, fmt.Errorf("refund: booking history %s: %w", bookingID, err)
	}
	net := 0
	for _, en := range entries {
		if en.GrantID != grantID {
			continue
		}
		switch en.Type {
		case EntryDebit:
			net += en.Amount
		case EntryCredit:
			net -= en.Amount
		}
	}
	return net, nil
}
