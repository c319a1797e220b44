package credits

import "time"

// =============================================================================
// GRANT MANAGER - Activation and the month-lock window
// =============================================================================

// ActivateIfPending moves a PENDING_ACTIVATION grant to ACTIVE and assigns
// its validity window from the date of first use. The window runs to the
// end of that calendar month. Returns false (and changes nothing) for any
// other status.
//
// This is the only place ValidFrom/ValidUntil are written.
func (e *Engine) ActivateIfPending(g *Grant, firstUsage time.Time) bool {
	if g.Status != GrantPendingActivation {
		return false
	}
	from := firstUsage.In(e.loc())
	until := EndOfMonth(from, e.loc())
	g.ValidFrom = &from
	g.ValidUntil = &until
	g.Status = GrantActive
	return true
}
