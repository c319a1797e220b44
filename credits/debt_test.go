package credits_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/academy-ledger/credits"
)

func agedItem() credits.CatalogItem {
	return credits.CatalogItem{
		ID:          "pack-8",
		Name:        "8 classes",
		CreditCount: 8,
		FlatPrice:   decimal.RequireFromString("96.00"),
		PriceByAge: []credits.AgePrice{
			{MinAge: 4, MaxAge: 11, Price: decimal.RequireFromString("80.00")},
		},
	}
}

func (f *fixture) debtGrant(item credits.CatalogItem) credits.Grant {
	f.t.Helper()
	var g *credits.Grant
	require.NoError(f.t, f.tx(func(uow credits.UnitOfWork) error {
		st := credits.Student{ID: student, DateOfBirth: date(2014, time.May, 1)}
		var err error
		g, err = f.engine.ResolveOrCreateDebtGrant(f.ctx, uow, st, item)
		return err
	}))
	return *g
}

func (f *fixture) purge(id credits.GrantID) bool {
	f.t.Helper()
	var purged bool
	require.NoError(f.t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		purged, err = f.engine.PurgeIfFullyReversed(f.ctx, uow, id)
		return err
	}))
	return purged
}

// =============================================================================
// PLACEHOLDERS
// =============================================================================

func TestDebtGrant_CreatedOnceAndPriced(t *testing.T) {
	// GIVEN: a 9-year-old student and an age-priced package
	f := newFixture(t, date(2024, time.March, 10))

	// WHEN: the placeholder is resolved twice
	first := f.debtGrant(agedItem())
	second := f.debtGrant(agedItem())

	// THEN: one grant, one payment, bracket price
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.mem.GrantCount())
	assert.Equal(t, 1, f.mem.PaymentCount())
	assert.Equal(t, credits.GrantPendingActivation, first.Status)
	require.NotNil(t, first.ExpiresAt)
	assert.Nil(t, first.ValidUntil)

	var p *credits.Payment
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		p, err = uow.Payments().Get(f.ctx, first.PaymentID)
		return err
	}))
	assert.True(t, p.IsOutstandingDebt())
	assert.True(t, decimal.RequireFromString("80.00").Equal(p.Amount))

	entries := f.mem.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, credits.ReasonPackagePurchaseOutstanding, entries[0].Reason)
}

func TestDebtGrant_NewOnceActivated(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 10))
	first := f.debtGrant(agedItem())
	_, err := f.deduct(1, at(2024, time.March, 12, 17), false)
	require.NoError(t, err)

	// An activated placeholder is no longer "unused"
	second := f.debtGrant(agedItem())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDebtGrant_TrialRejected(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 10))
	item := agedItem()
	item.Trial = true

	err := f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.ResolveOrCreateDebtGrant(f.ctx, uow, credits.Student{ID: student}, item)
		return err
	})
	assert.ErrorIs(t, err, credits.ErrTrialNotOutstanding)
	assert.Equal(t, 0, f.mem.PaymentCount())
}

// =============================================================================
// PURGE
// =============================================================================

func TestPurge_FullyReversedPlaceholder(t *testing.T) {
	// GIVEN: 4 classes spent from a placeholder, then refunded
	f := newFixture(t, date(2024, time.March, 10))
	g := f.debtGrant(agedItem())
	for day := 12; day <= 21; day += 3 {
		_, err := f.deduct(1, at(2024, time.March, day, 17), false)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, f.grant(g.ID).RemainingCredits)
	assert.False(t, f.purge(g.ID), "partially used placeholder stays")

	for i := 0; i < 4; i++ {
		require.NoError(t, f.refund(g.ID, 1))
	}

	// WHEN: purging
	purged := f.purge(g.ID)

	// THEN: grant, payment and history are gone
	assert.True(t, purged)
	assert.Equal(t, 0, f.mem.GrantCount())
	assert.Equal(t, 0, f.mem.PaymentCount())
	assert.Empty(t, f.mem.LedgerEntries())

	// A second purge is a no-op
	assert.False(t, f.purge(g.ID))
}

func TestPurge_LeavesPaidGrants(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 10))
	g := f.purchase(4, date(2024, time.March, 1))

	assert.False(t, f.purge(g.ID))
	assert.Equal(t, 1, f.mem.GrantCount())
}

func TestPurge_LeavesSettledPlaceholder(t *testing.T) {
	// GIVEN: a placeholder whose debt was paid
	f := newFixture(t, date(2024, time.March, 10))
	g := f.debtGrant(agedItem())
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.SettlePayment(f.ctx, uow, g.PaymentID, credits.MethodCard)
		return err
	}))

	// THEN: it is real revenue and stays
	assert.False(t, f.purge(g.ID))

	// AND: settling twice is refused
	err := f.tx(func(uow credits.UnitOfWork) error {
		_, err := f.engine.SettlePayment(f.ctx, uow, g.PaymentID, credits.MethodCard)
		return err
	})
	assert.ErrorIs(t, err, credits.ErrPaymentNotPending)
}

func TestPurge_KeepsPlaceholderWithActiveBooking(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 10))
	g := f.debtGrant(agedItem())
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		return uow.Bookings().Create(f.ctx, credits.Booking{
			ID:            "bk-1",
			StudentID:     student,
			SessionID:     "sess-1",
			Status:        credits.BookingConfirmed,
			GrantID:       g.ID,
			ClassStartsAt: at(2024, time.March, 12, 17),
		})
	}))

	assert.False(t, f.purge(g.ID))
}

// =============================================================================
// SINGLE-CLASS DEBT
// =============================================================================

func TestVoidBookingDebt(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 10))
	b := credits.Booking{ID: "bk-1", StudentID: student, SessionID: "sess-1"}

	var voided int
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		if _, err := f.engine.CreateSingleClassDebt(f.ctx, uow, b, decimal.RequireFromString("12.00")); err != nil {
			return err
		}
		var err error
		voided, err = f.engine.VoidBookingDebt(f.ctx, uow, b.ID)
		return err
	}))
	assert.Equal(t, 1, voided)

	// Voiding again finds nothing pending
	require.NoError(t, f.tx(func(uow credits.UnitOfWork) error {
		var err error
		voided, err = f.engine.VoidBookingDebt(f.ctx, uow, b.ID)
		return err
	}))
	assert.Equal(t, 0, voided)
}

// =============================================================================
// UNWIND PLAN
// =============================================================================

func TestUnwindPlan_DependencyOrder(t *testing.T) {
	var plan credits.UnwindPlan
	plan.PurgeGrant(credits.Grant{ID: "g-1", PaymentID: "p-1"})
	plan.DeleteBooking("bk-1")
	plan.DeleteBooking("bk-2")

	var got []string
	for _, s := range plan.Steps() {
		got = append(got, s.String())
	}
	assert.Equal(t, []string{
		"delete booking bk-1",
		"delete booking bk-2",
		"detach bookings g-1",
		"delete ledger g-1",
		"delete grant g-1",
		"delete payment p-1",
	}, got)
	assert.Equal(t, 6, plan.Len())
}
