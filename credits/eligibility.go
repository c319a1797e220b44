/*
eligibility.go - Which grants may fund a booking

PURPOSE:
  Given a student and a class date, returns the grants usable for that
  class, oldest first (FIFO). The first grant in the list is spent first.

MONTH-LOCK:
  An ACTIVE grant only funds classes in the calendar month its ValidUntil
  falls in. A credit bought for "this month's classes" must not quietly pay
  for a class two months later.

  PENDING_ACTIVATION grants always pass: they have no window yet, and the
  booking that spends them first is what decides their month.

  ignoreExpiry turns the month-lock off. Deduct uses it to tell "credits
  exist but are locked" (EXPIRY_WARNING) apart from "no credits"
  (INSUFFICIENT_CREDITS), and admins use it to force a booking.

EXAMPLE:
  Grants (startDate): A (Jan 3, 1 left), B (Jan 10, 5 left)
  Class Jan 20, amount 3  →  [A, B]  →  A gives 1, B gives 2
*/
package credits

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ResolveEligible returns the grants that may fund a class on classDate,
// ordered by StartDate ascending. requestedGrantID, when set, restricts the
// result to that grant.
func (e *Engine) ResolveEligible(
	ctx context.Context,
	uow UnitOfWork,
	studentID StudentID,
	classDate time.Time,
	requestedGrantID GrantID,
	ignoreExpiry bool,
) ([]Grant, error) {
	grants, err := uow.Grants().ListUsable(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list usable grants for %s: %w", studentID, err)
	}

	eligible := grants[:0:0]
	for _, g := range grants {
		if !g.Usable() {
			continue
		}
		if requestedGrantID != "" && g.ID != requestedGrantID {
			continue
		}
		if !ignoreExpiry && !e.inClassMonth(g, classDate) {
			continue
		}
		eligible = append(eligible, g)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return eligible, nil
}

func (e *Engine) inClassMonth(g Grant, classDate time.Time) bool {
	if g.Status == GrantPendingActivation {
		return true
	}
	if g.ValidUntil == nil {
		// Active without a window cannot be produced by ActivateIfPending.
		return false
	}
	return SameMonth(*g.ValidUntil, classDate, e.loc())
}
