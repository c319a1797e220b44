package credits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/academy-ledger/credits"
	"github.com/courtside/academy-ledger/credits/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const student credits.StudentID = "stu-1"

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mem    *store.Memory
	engine *credits.Engine
	now    time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), mem: store.NewMemory(), now: now}
	f.engine = credits.NewEngine(time.UTC, nil)
	f.engine.Clock = func() time.Time { return f.now }
	f.mem.AddStudent(credits.Student{
		ID:          student,
		Name:        "Lucía",
		DateOfBirth: date(2014, time.May, 1),
	})
	return f
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
}

func pack(n int) credits.CatalogItem {
	return credits.CatalogItem{
		ID:          credits.CatalogItemID("pack-" + string(rune('0'+n))),
		Name:        "pack",
		CreditCount: n,
		FlatPrice:   decimal.NewFromInt(int64(n * 12)),
	}
}

func (f *fixture) tx(fn func(credits.UnitOfWork) error) error {
	return f.mem.WithTx(f.ctx, fn)
}

// purchase sells n credits starting at start and returns the grant.
func (f *fixture) purchase(n int, start time.Time) credits.Grant {
	f.t.Helper()
	var g *credits.Grant
	err := f.tx(func(uow credits.UnitOfWork) error {
		var err error
		g, _, err = f.engine.Purchase(f.ctx, uow, credits.PurchaseRequest{
			StudentID: student,
			Item:      pack(n),
			Method:    credits.MethodCash,
			Amount:    decimal.NewFromInt(int64(n * 12)),
			StartDate: start,
		})
		return err
	})
	require.NoError(f.t, err)
	return *g
}

func (f *fixture) deduct(amount int, class time.Time, force bool) ([]credits.Allocation, error) {
	var allocs []credits.Allocation
	err := f.tx(func(uow credits.UnitOfWork) error {
		var err error
		allocs, err = f.engine.Deduct(f.ctx, uow, credits.DeductRequest{
			StudentID:   student,
			Amount:      amount,
			ClassDate:   class,
			BookingID:   "bk-test",
			Reason:      credits.ReasonBookingCreated,
			ForceExpiry: force,
		})
		return err
	})
	return allocs, err
}

func (f *fixture) refund(g credits.GrantID, amount int) error {
	return f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.Refund(f.ctx, uow, credits.RefundRequest{
			StudentID: student,
			GrantID:   g,
			Amount:    amount,
			BookingID: "bk-test",
			Reason:    credits.ReasonBookingCancelled,
		})
		return err
	})
}

func (f *fixture) grant(id credits.GrantID) credits.Grant {
	f.t.Helper()
	var g *credits.Grant
	require.NoError(f.t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		g, err = uow.Grants().Get(f.ctx, id)
		return err
	}))
	return *g
}

func (f *fixture) reconcile(id credits.GrantID) credits.Reconciliation {
	f.t.Helper()
	var r *credits.Reconciliation
	require.NoError(f.t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		r, err = f.engine.ReconcileGrant(f.ctx, uow, id)
		return err
	}))
	return *r
}

// =============================================================================
// DEDUCTION
// =============================================================================

func TestDeduct_FIFOAcrossGrants(t *testing.T) {
	// GIVEN: A (Jan 3, 1 credit) and B (Jan 10, 5 credits)
	f := newFixture(t, date(2024, time.January, 15))
	b := f.purchase(5, date(2024, time.January, 10))
	a := f.purchase(1, date(2024, time.January, 3))

	// WHEN: 3 credits are deducted for a class on Jan 20
	allocs, err := f.deduct(3, at(2024, time.January, 20, 17), false)

	// THEN: the oldest grant is drained first
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, credits.Allocation{GrantID: a.ID, Amount: 1}, allocs[0])
	assert.Equal(t, credits.Allocation{GrantID: b.ID, Amount: 2}, allocs[1])

	ga, gb := f.grant(a.ID), f.grant(b.ID)
	assert.Equal(t, 0, ga.RemainingCredits)
	assert.Equal(t, credits.GrantDepleted, ga.Status)
	assert.Equal(t, 3, gb.RemainingCredits)
	assert.Equal(t, credits.GrantActive, gb.Status)

	// Both windows come from the class date, not the purchase date
	require.NotNil(t, gb.ValidUntil)
	assert.Equal(t, time.Date(2024, time.January, 31, 23, 59, 59, 999_000_000, time.UTC), *gb.ValidUntil)
	assert.Equal(t, at(2024, time.January, 20, 17), *gb.ValidFrom)
}

func TestDeduct_MonthBoundary(t *testing.T) {
	// GIVEN: a grant activated by a class on Jan 31
	f := newFixture(t, date(2024, time.January, 20))
	g := f.purchase(5, date(2024, time.January, 1))
	_, err := f.deduct(1, at(2024, time.January, 31, 18), false)
	require.NoError(t, err)

	// WHEN: the next class is on Feb 1
	_, err = f.deduct(1, at(2024, time.February, 1, 9), false)

	// THEN: the credits exist but are locked to January
	require.ErrorIs(t, err, credits.ErrExpiryWarning)
	var warn *credits.ExpiryWarningError
	require.True(t, errors.As(err, &warn))
	assert.Equal(t, 0, warn.InMonth)
	assert.Equal(t, 4, warn.Locked)

	// AND: forcing spends them anyway
	allocs, err := f.deduct(1, at(2024, time.February, 1, 9), true)
	require.NoError(t, err)
	assert.Equal(t, g.ID, allocs[0].GrantID)
	assert.Equal(t, 3, f.grant(g.ID).RemainingCredits)
}

func TestActivateIfPending(t *testing.T) {
	engine := credits.NewEngine(time.UTC, nil)
	g := credits.Grant{ID: "g-1", Status: credits.GrantPendingActivation}

	assert.True(t, engine.ActivateIfPending(&g, at(2024, time.February, 29, 17)))
	assert.Equal(t, credits.GrantActive, g.Status)
	require.NotNil(t, g.ValidUntil)
	assert.Equal(t, time.Date(2024, time.February, 29, 23, 59, 59, 999_000_000, time.UTC), *g.ValidUntil)

	// An active grant keeps its window
	assert.False(t, engine.ActivateIfPending(&g, at(2024, time.March, 5, 17)))
	assert.Equal(t, time.February, g.ValidUntil.Month())
}

func TestDeduct_ExpiryWarningWritesNothing(t *testing.T) {
	// GIVEN: a March grant with 3 credits left
	f := newFixture(t, date(2024, time.March, 1))
	g := f.purchase(4, date(2024, time.March, 1))
	_, err := f.deduct(1, at(2024, time.March, 5, 17), false)
	require.NoError(t, err)
	before := len(f.mem.LedgerEntries())

	// WHEN: booking a class on April 2
	_, err = f.deduct(1, at(2024, time.April, 2, 17), false)

	// THEN: EXPIRY_WARNING, and the ledger and grant are untouched
	assert.Equal(t, credits.OutcomeExpiryWarning, credits.OutcomeOf(err))
	assert.Len(t, f.mem.LedgerEntries(), before)
	assert.Equal(t, 3, f.grant(g.ID).RemainingCredits)
}

func TestDeduct_InsufficientCredits(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))

	// No grants at all
	_, err := f.deduct(1, at(2024, time.March, 5, 17), false)
	assert.Equal(t, credits.OutcomeInsufficientCredits, credits.OutcomeOf(err))

	// Not enough even ignoring the month-lock
	f.purchase(1, date(2024, time.March, 1))
	_, err = f.deduct(2, at(2024, time.March, 5, 17), false)
	var short *credits.InsufficientCreditsError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 1, short.Available)
	assert.Equal(t, 2, short.Requested)
	assert.Len(t, f.mem.LedgerEntries(), 1) // purchase only
}

func TestDeduct_RequestedGrantOnly(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	f.purchase(2, date(2024, time.March, 1))
	later := f.purchase(2, date(2024, time.March, 2))

	var allocs []credits.Allocation
	err := f.tx(func(uow credits.UnitOfWork) error {
		var err error
		allocs, err = f.engine.Deduct(f.ctx, uow, credits.DeductRequest{
			StudentID:        student,
			Amount:           1,
			ClassDate:        at(2024, time.March, 5, 17),
			RequestedGrantID: later.ID,
			Reason:           credits.ReasonBookingCreated,
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, later.ID, allocs[0].GrantID)
}

func TestDeduct_RejectsBadInput(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	_, err := f.deduct(0, at(2024, time.March, 5, 17), false)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)

	err = f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.Deduct(f.ctx, uow, credits.DeductRequest{
			StudentID: student, Amount: 1, ClassDate: f.now, Reason: "FREE_TEXT",
		})
		return err
	})
	assert.Error(t, err)
}

// =============================================================================
// REFUND
// =============================================================================

func TestRefund_RoundTrip(t *testing.T) {
	// GIVEN: a 1-credit grant
	f := newFixture(t, date(2024, time.March, 1))
	g := f.purchase(1, date(2024, time.March, 1))

	// WHEN: deducting then refunding the credit
	_, err := f.deduct(1, at(2024, time.March, 5, 17), false)
	require.NoError(t, err)
	assert.Equal(t, credits.GrantDepleted, f.grant(g.ID).Status)
	require.NoError(t, f.refund(g.ID, 1))

	// THEN: balance and status are restored, window kept
	after := f.grant(g.ID)
	assert.Equal(t, 1, after.RemainingCredits)
	assert.Equal(t, credits.GrantActive, after.Status)
	assert.NotNil(t, after.ValidUntil)

	entries := f.mem.LedgerEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, credits.EntryDebit, entries[1].Type)
	assert.Equal(t, credits.EntryCredit, entries[2].Type)
	assert.Equal(t, credits.ReasonBookingCancelled, entries[2].Reason)
}

func TestRefund_ExpiredGrantRefused(t *testing.T) {
	// GIVEN: a paid grant used in January
	f := newFixture(t, date(2024, time.January, 10))
	g := f.purchase(4, date(2024, time.January, 1))
	_, err := f.deduct(1, at(2024, time.January, 15, 17), false)
	require.NoError(t, err)

	// WHEN: the refund comes in February
	f.now = date(2024, time.February, 10)
	err = f.refund(g.ID, 1)

	// THEN: refused, nothing changes
	assert.Equal(t, credits.OutcomeExpiredNoRefund, credits.OutcomeOf(err))
	assert.Equal(t, 3, f.grant(g.ID).RemainingCredits)
}

func TestRefund_ExpiredOutstandingGrantAccepted(t *testing.T) {
	// GIVEN: a debt placeholder used in January
	f := newFixture(t, date(2024, time.January, 10))
	item := pack(4)
	var g *credits.Grant
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		st := credits.Student{ID: student, DateOfBirth: date(2014, time.May, 1)}
		g, err = f.engine.ResolveOrCreateDebtGrant(f.ctx, uow, st, item)
		return err
	}))
	_, err := f.deduct(1, at(2024, time.January, 15, 17), false)
	require.NoError(t, err)

	// WHEN: refunded after its window
	f.now = date(2024, time.March, 1)
	err = f.refund(g.ID, 1)

	// THEN: debt always unwinds
	require.NoError(t, err)
	assert.Equal(t, 4, f.grant(g.ID).RemainingCredits)
}

func TestRefund_IntegrityViolations(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	g := f.purchase(2, date(2024, time.March, 1))

	// Above total
	err := f.refund(g.ID, 1)
	assert.ErrorIs(t, err, credits.ErrIntegrity)
	assert.Equal(t, credits.OutcomeInternal, credits.OutcomeOf(err))

	// Missing grant
	err = f.refund("missing", 1)
	assert.ErrorIs(t, err, credits.ErrIntegrity)
}

func TestRefund_LimitedToWhatTheBookingHolds(t *testing.T) {
	// GIVEN: one credit spent by bk-test on a 4-credit grant
	f := newFixture(t, date(2024, time.March, 1))
	g := f.purchase(4, date(2024, time.March, 1))
	_, err := f.deduct(1, at(2024, time.March, 5, 17), false)
	require.NoError(t, err)

	// WHEN: another booking asks for a refund from the same grant
	err = f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.Refund(f.ctx, uow, credits.RefundRequest{
			StudentID: student,
			GrantID:   g.ID,
			Amount:    1,
			BookingID: "bk-other",
			Reason:    credits.ReasonBookingCancelled,
		})
		return err
	})

	// THEN: refused even though the grant has room
	assert.ErrorIs(t, err, credits.ErrIntegrity)
	assert.Equal(t, 3, f.grant(g.ID).RemainingCredits)

	// AND: bk-test gets its credit back exactly once
	require.NoError(t, f.refund(g.ID, 1))
	assert.ErrorIs(t, f.refund(g.ID, 1), credits.ErrIntegrity)
	assert.Equal(t, 4, f.grant(g.ID).RemainingCredits)
	assert.True(t, f.reconcile(g.ID).Balanced())
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestConservation_AfterMixedOperations(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	a := f.purchase(3, date(2024, time.March, 1))
	b := f.purchase(5, date(2024, time.March, 2))

	_, err := f.deduct(2, at(2024, time.March, 5, 17), false)
	require.NoError(t, err)
	_, err = f.deduct(2, at(2024, time.March, 7, 17), false)
	require.NoError(t, err)
	require.NoError(t, f.refund(b.ID, 1))
	_, err = f.deduct(1, at(2024, time.March, 12, 17), false)
	require.NoError(t, err)

	for _, id := range []credits.GrantID{a.ID, b.ID} {
		r := f.reconcile(id)
		assert.True(t, r.Balanced(), "grant %s drift %d", id, r.Drift)
	}
	assert.Equal(t, 0, f.grant(a.ID).RemainingCredits)
	assert.Equal(t, 4, f.grant(b.ID).RemainingCredits)
}

// =============================================================================
// PURCHASE AND BALANCE
// =============================================================================

func TestPurchase_StartsPendingWithEntry(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	g := f.purchase(8, time.Time{})

	assert.Equal(t, credits.GrantPendingActivation, g.Status)
	assert.Equal(t, 8, g.RemainingCredits)
	assert.Nil(t, g.ValidUntil)
	assert.Equal(t, f.now, g.StartDate)

	entries := f.mem.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, credits.ReasonPackagePurchase, entries[0].Reason)
	assert.Equal(t, 8, entries[0].Amount)
}

func TestPurchase_RejectsOutstandingMethod(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	err := f.tx(func(uow credits.UnitOfWork) error {
		_, _, err := f.engine.Purchase(f.ctx, uow, credits.PurchaseRequest{
			StudentID: student, Item: pack(4), Method: credits.MethodOutstanding,
		})
		return err
	})
	assert.ErrorIs(t, err, credits.ErrInvalidMethod)
	assert.Equal(t, 0, f.mem.GrantCount())
}

func TestBalance_SplitsByMonth(t *testing.T) {
	// GIVEN: a March-locked grant and a pending one
	f := newFixture(t, date(2024, time.March, 1))
	locked := f.purchase(4, date(2024, time.March, 1))
	_, err := f.deduct(1, at(2024, time.March, 5, 17), false)
	require.NoError(t, err)
	f.purchase(8, date(2024, time.March, 20))

	// WHEN: the balance is asked for in April
	var summary *credits.BalanceSummary
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		summary, err = f.engine.Balance(f.ctx, uow, student, date(2024, time.April, 3))
		return err
	}))

	// THEN: only the pending grant is usable now
	assert.Equal(t, 8, summary.UsableThisMonth)
	assert.Equal(t, 11, summary.TotalRemaining)
	require.Len(t, summary.Grants, 2)
	assert.Equal(t, locked.ID, summary.Grants[0].Grant.ID)
	assert.False(t, summary.Grants[0].UsableNow)
	assert.True(t, summary.OutstandingDebt.IsZero())
}
