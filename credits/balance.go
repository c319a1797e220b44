package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE VIEW - What the front desk sees
// =============================================================================

type GrantBalance struct {
	Grant       Grant
	UsableNow   bool // spendable on a class in the asOf month without forcing
	Outstanding bool // funded by unpaid debt
}

type BalanceSummary struct {
	StudentID StudentID
	AsOf      time.Time
	Grants    []GrantBalance

	UsableThisMonth int
	TotalRemaining  int

	// OutstandingDebt covers unpaid placeholder packages and single-class
	// debts owed by bookings directly.
	OutstandingDebt decimal.Decimal
}

// Balance summarises every grant of a student as of asOf.
func (e *Engine) Balance(ctx context.Context, uow UnitOfWork, studentID StudentID, asOf time.Time) (*BalanceSummary, error) {
	grants, err := uow.Grants().ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", studentID, err)
	}

	summary := &BalanceSummary{StudentID: studentID, AsOf: asOf, OutstandingDebt: decimal.Zero}
	for _, g := range grants {
		p, err := uow.Payments().Get(ctx, g.PaymentID)
		if err != nil {
			return nil, fmt.Errorf("payment for grant %s: %w", g.ID, err)
		}
		gb := GrantBalance{
			Grant:       g,
			UsableNow:   g.Usable() && e.inClassMonth(g, asOf),
			Outstanding: p.IsOutstandingDebt(),
		}
		if gb.UsableNow {
			summary.UsableThisMonth += g.RemainingCredits
		}
		if g.Usable() {
			summary.TotalRemaining += g.RemainingCredits
		}
		if gb.Outstanding {
			summary.OutstandingDebt = summary.OutstandingDebt.Add(p.Amount)
		}
		summary.Grants = append(summary.Grants, gb)
	}

	bookings, err := uow.Bookings().ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list bookings for %s: %w", studentID, err)
	}
	for _, b := range bookings {
		payments, err := uow.Payments().ListByBooking(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("payments for booking %s: %w", b.ID, err)
		}
		for _, p := range payments {
			if p.IsOutstandingDebt() {
				summary.OutstandingDebt = summary.OutstandingDebt.Add(p.Amount)
			}
		}
	}
	return summary, nil
}

// =============================================================================
// RECONCILIATION - Conservation check from the ledger
// =============================================================================

// Reconciliation compares a grant's balance with its ledger history:
//
//	total = remaining + debits - (credits - initial grant)
type Reconciliation struct {
	GrantID   GrantID
	Total     int
	Remaining int
	Initial   int // CREDIT entries from purchase
	Debited   int
	Refunded  int // CREDIT entries beyond the initial grant
	Drift     int
}

// Balanced reports whether the ledger explains the grant's balance.
func (r Reconciliation) Balanced() bool { return r.Drift == 0 && r.Initial == r.Total }

// ReconcileGrant replays the grant's ledger entries.
func (e *Engine) ReconcileGrant(ctx context.Context, uow UnitOfWork, id GrantID) (*Reconciliation, error) {
	g, err := uow.Grants().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := uow.Ledger().ListByGrant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ledger for grant %s: %w", id, err)
	}

	r := &Reconciliation{GrantID: id, Total: g.TotalCredits, Remaining: g.RemainingCredits}
	for _, entry := range entries {
		switch {
		case entry.Type == EntryDebit:
			r.Debited += entry.Amount
		case entry.Reason == ReasonPackagePurchase || entry.Reason == ReasonPackagePurchaseOutstanding:
			r.Initial += entry.Amount
		default:
			r.Refunded += entry.Amount
		}
	}
	r.Drift = r.Total - (r.Remaining + r.Debited - r.Refunded)
	return r, nil
}
