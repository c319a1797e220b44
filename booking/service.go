/*
Package booking runs class bookings as single units of work.

PURPOSE:
  Every entry point here opens exactly one transaction and combines the
  credits engine (eligibility, deduction, refund, debt placeholders) into an
  all-or-nothing change. A failure anywhere in a call leaves bookings,
  grants, payments and the ledger exactly as they were.

STATE MACHINE (per booking):
  (none) ──create──▶ CONFIRMED ──cancel──▶ CANCELLED
                         │
                         └──delete──▶ (row removed)

ENTRY POINTS:
  CreateBooking             Book a student onto one or more sessions
  ReplaceBookings           Swap all future bookings for a new set
  CancelBooking             Cancel, keep the row for history
  DeleteBooking             Remove an erroneous booking entirely
  BulkDeleteFutureBookings  Remove every booking from today on

FUNDING MODES (CreateBooking):
  standard     Deduct from the student's own grants, FIFO, month-locked
  outstanding  AllowOutstanding + CatalogItemID: one shared debt
               placeholder funds the whole batch
  single-class AllowOutstanding without a package: when the student has
               no credits at all, the booking is recorded with a direct
               OUTSTANDING payment instead of a grant

REFERENCE DATA:
  Students, sessions and catalog items are read before the unit of work
  opens. They are read-only; capacity and balances are read inside it.

AUDIT:
  Records are written after commit and never fail the call.

SEE ALSO:
  - credits/engine.go: Deduct / Refund
  - credits/debt.go:   Placeholders, purge, UnwindPlan
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/credits"
	"github.com/courtside/academy-ledger/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store    credits.TxStore
	Engine   *credits.Engine
	Sessions credits.SessionLookup
	Catalog  credits.CatalogLookup
	Students credits.StudentLookup
	Audit    credits.AuditSink
	Logger   *zap.Logger
}

// Lookups bundles the read-only collaborators.
type Lookups struct {
	Sessions credits.SessionLookup
	Catalog  credits.CatalogLookup
	Students credits.StudentLookup
}

// NewService wires a Service. A nil audit sink or logger is replaced by a no-op.
func NewService(store credits.TxStore, engine *credits.Engine, lookups Lookups, audit credits.AuditSink, logger *zap.Logger) *Service {
	if audit == nil {
		audit = credits.NopAudit{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:    store,
		Engine:   engine,
		Sessions: lookups.Sessions,
		Catalog:  lookups.Catalog,
		Students: lookups.Students,
		Audit:    audit,
		Logger:   logger,
	}
}

// Options control how CreateBooking and ReplaceBookings fund bookings.
// Nothing here is guessed: every override must be asked for.
type Options struct {
	RequestedGrantID credits.GrantID       // spend only this grant
	CatalogItemID    credits.CatalogItemID // package for outstanding mode
	AdminForce       bool                  // ignore session capacity
	AllowOutstanding bool                  // book now, pay later
	ForceExpiry      bool                  // ignore the month-lock
}

// Result is what a caller gets back from every entry point.
type Result struct {
	Outcome      credits.Outcome
	BookingIDs   []credits.BookingID
	DeletedCount int
}

// OK reports whether the operation committed.
func (r Result) OK() bool { return r.Outcome == credits.OutcomeSuccess }

// =============================================================================
// ACTOR - Who is calling (for audit records)
// =============================================================================

type actorKey struct{}

// WithActor returns a context that attributes audit records to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// =============================================================================
// CREATE
// =============================================================================

// createPlan holds reference data resolved before the unit of work opens.
type createPlan struct {
	student  credits.Student
	sessions []credits.Session
	item     *credits.CatalogItem
	opts     Options
}

// debtMode reports whether the batch is funded by a shared placeholder.
func (p createPlan) debtMode() bool {
	return p.opts.AllowOutstanding && p.item != nil && !p.item.Trial
}

// singleClassDebt reports whether an unfunded booking may fall back to a
// direct outstanding payment.
func (p createPlan) singleClassDebt() bool {
	return p.opts.AllowOutstanding && p.opts.CatalogItemID == ""
}

// CreateBooking books studentID onto every session in sessionIDs.
// EXPIRY_WARNING and INSUFFICIENT_CREDITS come back unchanged so the caller
// can prompt and retry with ForceExpiry or AllowOutstanding.
func (s *Service) CreateBooking(ctx context.Context, studentID credits.StudentID, sessionIDs []credits.SessionID, opts Options) (Result, error) {
	started := time.Now()

	plan, err := s.prepareCreate(ctx, studentID, sessionIDs, opts)
	if err != nil {
		return s.finish(ctx, "create", started, Result{}, err)
	}

	var res Result
	err = s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		ids, err := s.createInUnit(ctx, uow, plan)
		res.BookingIDs = ids
		return err
	})
	res, err = s.finish(ctx, "create", started, res, err)
	if err == nil {
		s.record(ctx, credits.AuditBookingCreated, "student:"+string(studentID), map[string]any{
			"booking_ids":       res.BookingIDs,
			"session_ids":       sessionIDs,
			"allow_outstanding": opts.AllowOutstanding,
			"admin_force":       opts.AdminForce,
			"force_expiry":      opts.ForceExpiry,
		})
	}
	return res, err
}

func (s *Service) prepareCreate(ctx context.Context, studentID credits.StudentID, sessionIDs []credits.SessionID, opts Options) (createPlan, error) {
	plan := createPlan{opts: opts}

	student, err := s.Students.Student(ctx, studentID)
	if err != nil {
		return plan, fmt.Errorf("lookup student: %w", err)
	}
	plan.student = *student

	for _, id := range sessionIDs {
		sess, err := s.Sessions.Session(ctx, id)
		if err != nil {
			return plan, fmt.Errorf("lookup session: %w", err)
		}
		plan.sessions = append(plan.sessions, *sess)
	}

	if opts.AllowOutstanding && opts.CatalogItemID != "" {
		item, err := s.Catalog.CatalogItem(ctx, opts.CatalogItemID)
		if err != nil {
			return plan, fmt.Errorf("lookup catalog item: %w", err)
		}
		if item.Trial {
			s.Logger.Info("trial package cannot be booked as outstanding, using student credits",
				zap.String("student_id", string(studentID)),
				zap.String("catalog_item_id", string(item.ID)))
		}
		plan.item = item
	}
	return plan, nil
}

func (s *Service) createInUnit(ctx context.Context, uow credits.UnitOfWork, plan createPlan) ([]credits.BookingID, error) {
	var debt *credits.Grant
	if plan.debtMode() {
		g, err := s.Engine.ResolveOrCreateDebtGrant(ctx, uow, plan.student, *plan.item)
		if err != nil {
			return nil, err
		}
		debt = g
	}

	now := s.Engine.Now()
	ids := make([]credits.BookingID, 0, len(plan.sessions))

	for _, sess := range plan.sessions {
		existing, err := uow.Bookings().FindConfirmed(ctx, plan.student.ID, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("check duplicate booking: %w", err)
		}
		if existing != nil {
			return nil, &credits.DuplicateBookingError{StudentID: plan.student.ID, SessionID: sess.ID, Existing: existing.ID}
		}

		if !plan.opts.AdminForce {
			booked, err := uow.Bookings().CountActiveForSession(ctx, sess.ID)
			if err != nil {
				return nil, fmt.Errorf("count session bookings: %w", err)
			}
			if booked >= sess.Capacity {
				return nil, &credits.CapacityError{SessionID: sess.ID, Capacity: sess.Capacity, Booked: booked}
			}
		}

		b := credits.Booking{
			ID:             credits.BookingID(uuid.NewString()),
			StudentID:      plan.student.ID,
			SessionID:      sess.ID,
			Status:         credits.BookingConfirmed,
			CreditsCharged: 1,
			ClassStartsAt:  sess.StartsAt,
			BookedAt:       now,
		}
		if err := uow.Bookings().Create(ctx, b); err != nil {
			return nil, fmt.Errorf("create booking: %w", err)
		}

		var funding credits.GrantID
		if debt != nil {
			if debt.RemainingCredits < b.CreditsCharged {
				// The shared placeholder is used up; start a fresh one.
				if debt, err = s.Engine.ResolveOrCreateDebtGrant(ctx, uow, plan.student, *plan.item); err != nil {
					return nil, err
				}
			}
			allocs, err := s.Engine.Deduct(ctx, uow, credits.DeductRequest{
				StudentID:        plan.student.ID,
				Amount:           b.CreditsCharged,
				ClassDate:        sess.StartsAt,
				BookingID:        b.ID,
				RequestedGrantID: debt.ID,
				Reason:           credits.ReasonBookingCreated,
				ForceExpiry:      true,
			})
			if err != nil {
				return nil, err
			}
			funding = allocs[0].GrantID
			if debt, err = uow.Grants().Get(ctx, debt.ID); err != nil {
				return nil, err
			}
		} else {
			allocs, err := s.Engine.Deduct(ctx, uow, credits.DeductRequest{
				StudentID:        plan.student.ID,
				Amount:           b.CreditsCharged,
				ClassDate:        sess.StartsAt,
				BookingID:        b.ID,
				RequestedGrantID: plan.opts.RequestedGrantID,
				Reason:           credits.ReasonBookingCreated,
				ForceExpiry:      plan.opts.ForceExpiry,
			})
			switch {
			case err == nil:
				funding = allocs[0].GrantID
			case errors.Is(err, credits.ErrInsufficientCredits) && plan.singleClassDebt():
				price := sess.PriceFor(credits.AgeOn(plan.student.DateOfBirth, sess.StartsAt))
				if _, err := s.Engine.CreateSingleClassDebt(ctx, uow, b, price); err != nil {
					return nil, err
				}
			default:
				return nil, err
			}
		}

		if funding != "" {
			b.GrantID = funding
			if err := uow.Bookings().Update(ctx, b); err != nil {
				return nil, fmt.Errorf("stamp booking funding: %w", err)
			}
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// =============================================================================
// REPLACE
// =============================================================================

// ReplaceBookings drops every future CONFIRMED booking of the student
// (refunding credits and voiding their debt) and books newSessionIDs in
// the same unit of work. It is a full swap, not a diff.
func (s *Service) ReplaceBookings(ctx context.Context, studentID credits.StudentID, newSessionIDs []credits.SessionID, opts Options) (Result, error) {
	started := time.Now()

	plan, err := s.prepareCreate(ctx, studentID, newSessionIDs, opts)
	if err != nil {
		return s.finish(ctx, "replace", started, Result{}, err)
	}

	var res Result
	err = s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		from := credits.StartOfDay(s.Engine.Now(), s.Engine.Location)
		current, err := uow.Bookings().ListConfirmedFrom(ctx, studentID, from)
		if err != nil {
			return fmt.Errorf("list future bookings: %w", err)
		}
		if err := s.unwindBookings(ctx, uow, current, credits.ReasonBookingReplaced); err != nil {
			return err
		}
		res.DeletedCount = len(current)

		ids, err := s.createInUnit(ctx, uow, plan)
		res.BookingIDs = ids
		return err
	})
	res, err = s.finish(ctx, "replace", started, res, err)
	if err == nil {
		s.record(ctx, credits.AuditBookingsReplaced, "student:"+string(studentID), map[string]any{
			"removed":     res.DeletedCount,
			"booking_ids": res.BookingIDs,
			"session_ids": newSessionIDs,
		})
	}
	return res, err
}

// =============================================================================
// CANCEL / DELETE
// =============================================================================

// CancelBooking marks a booking CANCELLED, voids its direct debt, refunds
// the credit it consumed and purges a debt placeholder that is no longer
// needed. Cancelling a cancelled booking changes nothing.
func (s *Service) CancelBooking(ctx context.Context, id credits.BookingID) (Result, error) {
	started := time.Now()
	var alreadyCancelled bool

	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		b, err := uow.Bookings().Get(ctx, id)
		if err != nil {
			return err
		}
		if b.Status == credits.BookingCancelled {
			alreadyCancelled = true
			return nil
		}
		if err := s.releaseBooking(ctx, uow, *b, credits.ReasonBookingCancelled); err != nil {
			return err
		}

		now := s.Engine.Now()
		b.Status = credits.BookingCancelled
		b.CancelledAt = &now
		if err := uow.Bookings().Update(ctx, *b); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}

		if b.GrantID != "" {
			if _, err := s.Engine.PurgeIfFullyReversed(ctx, uow, b.GrantID); err != nil {
				return err
			}
		}
		return nil
	})
	res, err := s.finish(ctx, "cancel", started, Result{}, err)
	if err == nil && !alreadyCancelled {
		s.record(ctx, credits.AuditBookingCancelled, "booking:"+string(id), nil)
	}
	return res, err
}

// DeleteBooking reverses a booking like CancelBooking and then removes the
// row. Used for bookings entered by mistake.
func (s *Service) DeleteBooking(ctx context.Context, id credits.BookingID) (Result, error) {
	started := time.Now()

	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		b, err := uow.Bookings().Get(ctx, id)
		if err != nil {
			return err
		}
		return s.unwindBookings(ctx, uow, []credits.Booking{*b}, credits.ReasonBookingDeleted)
	})
	res, err := s.finish(ctx, "delete", started, Result{DeletedCount: 1}, err)
	if err == nil {
		s.record(ctx, credits.AuditBookingDeleted, "booking:"+string(id), nil)
	}
	return res, err
}

// BulkDeleteFutureBookings deletes every CONFIRMED booking of the student
// whose class starts today or later.
func (s *Service) BulkDeleteFutureBookings(ctx context.Context, studentID credits.StudentID) (Result, error) {
	started := time.Now()
	var res Result

	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		from := credits.StartOfDay(s.Engine.Now(), s.Engine.Location)
		bookings, err := uow.Bookings().ListConfirmedFrom(ctx, studentID, from)
		if err != nil {
			return fmt.Errorf("list future bookings: %w", err)
		}
		if err := s.unwindBookings(ctx, uow, bookings, credits.ReasonBookingDeleted); err != nil {
			return err
		}
		res.DeletedCount = len(bookings)
		return nil
	})
	res, err = s.finish(ctx, "bulk_delete", started, res, err)
	if err == nil {
		s.record(ctx, credits.AuditBookingsBulkDel, "student:"+string(studentID), map[string]any{
			"deleted": res.DeletedCount,
		})
	}
	return res, err
}

// =============================================================================
// SHARED REVERSAL
// =============================================================================

// releaseBooking voids the booking's direct debt and refunds the credits a
// CONFIRMED booking consumed back to the grant recorded on it.
func (s *Service) releaseBooking(ctx context.Context, uow credits.UnitOfWork, b credits.Booking, reason credits.LedgerReason) error {
	if _, err := s.Engine.VoidBookingDebt(ctx, uow, b.ID); err != nil {
		return err
	}
	if b.Status != credits.BookingConfirmed || b.GrantID == "" {
		return nil
	}
	_, err := s.Engine.Refund(ctx, uow, credits.RefundRequest{
		StudentID: b.StudentID,
		GrantID:   b.GrantID,
		Amount:    b.CreditsCharged,
		BookingID: b.ID,
		Reason:    reason,
	})
	return err
}

// unwindBookings releases and hard-deletes bookings, then runs the purge
// check once per distinct grant. Purging waits until every booking in the
// batch has been refunded, so a grant is never removed while a later
// booking in the same batch still owes it a refund.
func (s *Service) unwindBookings(ctx context.Context, uow credits.UnitOfWork, bookings []credits.Booking, reason credits.LedgerReason) error {
	var plan credits.UnwindPlan
	var touched []credits.GrantID
	seen := make(map[credits.GrantID]bool)

	for _, b := range bookings {
		if err := s.releaseBooking(ctx, uow, b, reason); err != nil {
			return err
		}
		plan.DeleteBooking(b.ID)
		if b.GrantID != "" && !seen[b.GrantID] {
			seen[b.GrantID] = true
			touched = append(touched, b.GrantID)
		}
	}

	if err := plan.Execute(ctx, uow); err != nil {
		return err
	}

	for _, g := range touched {
		if _, err := s.Engine.PurgeIfFullyReversed(ctx, uow, g); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// OUTCOME, METRICS, AUDIT
// =============================================================================

func (s *Service) finish(ctx context.Context, op string, started time.Time, res Result, err error) (Result, error) {
	res.Outcome = credits.OutcomeOf(err)
	metrics.BookingOperations.WithLabelValues(op, string(res.Outcome)).Inc()
	metrics.BookingDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())

	if err == nil {
		s.Logger.Debug("booking operation committed",
			zap.String("operation", op),
			zap.Int("bookings", len(res.BookingIDs)),
			zap.Int("deleted", res.DeletedCount))
		return res, nil
	}

	res.BookingIDs = nil
	res.DeletedCount = 0

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("outcome", string(res.Outcome)),
		zap.String("actor", ActorFrom(ctx)),
		zap.Error(err),
	}
	if res.Outcome == credits.OutcomeInternal {
		s.Logger.Error("booking operation failed", fields...)
	} else {
		s.Logger.Info("booking operation rejected", fields...)
	}
	return res, err
}

func (s *Service) record(ctx context.Context, action credits.AuditAction, ref string, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	details["actor"] = ActorFrom(ctx)
	if err := s.Audit.Record(ctx, action, ref, details); err != nil {
		metrics.AuditFailures.Inc()
		s.Logger.Warn("audit record dropped",
			zap.String("action", string(action)),
			zap.String("ref", ref),
			zap.Error(err))
	}
}
