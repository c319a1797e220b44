package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// GRANTS
// =============================================================================

type grantRow struct {
	ID               string         `db:"id"`
	StudentID        string         `db:"student_id"`
	CatalogItemID    string         `db:"catalog_item_id"`
	PaymentID        string         `db:"payment_id"`
	TotalCredits     int            `db:"total_credits"`
	RemainingCredits int            `db:"remaining_credits"`
	Status           string         `db:"status"`
	StartDate        string         `db:"start_date"`
	ValidFrom        sql.NullString `db:"valid_from"`
	ValidUntil       sql.NullString `db:"valid_until"`
	ExpiresAt        sql.NullString `db:"expires_at"`
	CreatedAt        string         `db:"created_at"`
}

const grantColumns = `id, student_id, catalog_item_id, payment_id, total_credits,
	remaining_credits, status, start_date, valid_from, valid_until, expires_at, created_at`

// FIFO order; ties broken by creation then id so the order is total.
const grantOrder = ` ORDER BY start_date, created_at, id`

func newGrantRow(g credits.Grant) grantRow {
	return grantRow{
		ID:               string(g.ID),
		StudentID:        string(g.StudentID),
		CatalogItemID:    string(g.CatalogItemID),
		PaymentID:        string(g.PaymentID),
		TotalCredits:     g.TotalCredits,
		RemainingCredits: g.RemainingCredits,
		Status:           string(g.Status),
		StartDate:        encodeTime(g.StartDate),
		ValidFrom:        encodeTimePtr(g.ValidFrom),
		ValidUntil:       encodeTimePtr(g.ValidUntil),
		ExpiresAt:        encodeTimePtr(g.ExpiresAt),
		CreatedAt:        encodeTime(g.CreatedAt),
	}
}

func (r grantRow) grant() (credits.Grant, error) {
	g := credits.Grant{
		ID:               credits.GrantID(r.ID),
		StudentID:        credits.StudentID(r.StudentID),
		CatalogItemID:    credits.CatalogItemID(r.CatalogItemID),
		PaymentID:        credits.PaymentID(r.PaymentID),
		TotalCredits:     r.TotalCredits,
		RemainingCredits: r.RemainingCredits,
		Status:           credits.GrantStatus(r.Status),
	}
	var err error
	if g.StartDate, err = decodeTime(r.StartDate); err != nil {
		return g, err
	}
	if g.CreatedAt, err = decodeTime(r.CreatedAt); err != nil {
		return g, err
	}
	if g.ValidFrom, err = decodeTimePtr(r.ValidFrom); err != nil {
		return g, err
	}
	if g.ValidUntil, err = decodeTimePtr(r.ValidUntil); err != nil {
		return g, err
	}
	if g.ExpiresAt, err = decodeTimePtr(r.ExpiresAt); err != nil {
		return g, err
	}
	return g, nil
}

func grantsFromRows(rows []grantRow) ([]credits.Grant, error) {
	out := make([]credits.Grant, 0, len(rows))
	for _, r := range rows {
		g, err := r.grant()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

type grantRepo struct{ u *unit }

func (r grantRepo) Get(ctx context.Context, id credits.GrantID) (*credits.Grant, error) {
	var row grantRow
	query := r.u.forUpdate(`SELECT ` + grantColumns + ` FROM grants WHERE id = ?`)
	if err := r.u.get(ctx, &row, query, id); err != nil {
		return nil, notFoundOr(err, "grant", string(id))
	}
	g, err := row.grant()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r grantRepo) ListUsable(ctx context.Context, studentID credits.StudentID) ([]credits.Grant, error) {
	var rows []grantRow
	query := r.u.forUpdate(`SELECT ` + grantColumns + ` FROM grants
		WHERE student_id = ? AND remaining_credits > 0 AND status IN (?, ?)` + grantOrder)
	err := r.u.selectRows(ctx, &rows, query, studentID,
		credits.GrantPendingActivation, credits.GrantActive)
	if err != nil {
		return nil, fmt.Errorf("list usable grants: %w", err)
	}
	return grantsFromRows(rows)
}

func (r grantRepo) ListByStudent(ctx context.Context, studentID credits.StudentID) ([]credits.Grant, error) {
	var rows []grantRow
	query := `SELECT ` + grantColumns + ` FROM grants WHERE student_id = ?` + grantOrder
	if err := r.u.selectRows(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grantsFromRows(rows)
}

func (r grantRepo) FindOutstanding(ctx context.Context, studentID credits.StudentID, itemID credits.CatalogItemID) (*credits.Grant, error) {
	var rows []grantRow
	query := `SELECT g.id, g.student_id, g.catalog_item_id, g.payment_id, g.total_credits,
			g.remaining_credits, g.status, g.start_date, g.valid_from, g.valid_until,
			g.expires_at, g.created_at
		FROM grants g JOIN payments p ON p.id = g.payment_id
		WHERE g.student_id = ? AND g.catalog_item_id = ? AND g.status = ?
			AND p.method = ? AND p.status = ?
		ORDER BY g.start_date, g.created_at, g.id`
	err := r.u.selectRows(ctx, &rows, query, studentID, itemID,
		credits.GrantPendingActivation, credits.MethodOutstanding, credits.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("find outstanding grant: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	g, err := rows[0].grant()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r grantRepo) Create(ctx context.Context, g credits.Grant) error {
	_, err := r.u.tx.NamedExecContext(ctx, `INSERT INTO grants (`+grantColumns+`)
		VALUES (:id, :student_id, :catalog_item_id, :payment_id, :total_credits,
			:remaining_credits, :status, :start_date, :valid_from, :valid_until,
			:expires_at, :created_at)`, newGrantRow(g))
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (r grantRepo) Update(ctx context.Context, g credits.Grant) error {
	res, err := r.u.tx.NamedExecContext(ctx, `UPDATE grants SET
		remaining_credits = :remaining_credits, status = :status,
		valid_from = :valid_from, valid_until = :valid_until, expires_at = :expires_at
		WHERE id = :id`, newGrantRow(g))
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	return requireRow(res, "grant", string(g.ID))
}

func (r grantRepo) Delete(ctx context.Context, id credits.GrantID) error {
	if _, err := r.u.exec(ctx, `DELETE FROM grants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type paymentRow struct {
	ID        string          `db:"id"`
	StudentID string          `db:"student_id"`
	Amount    decimal.Decimal `db:"amount"`
	Method    string          `db:"method"`
	Status    string          `db:"status"`
	BookingID sql.NullString  `db:"booking_id"`
	CreatedAt string          `db:"created_at"`
	SettledAt sql.NullString  `db:"settled_at"`
}

const paymentColumns = `id, student_id, amount, method, status, booking_id, created_at, settled_at`

func newPaymentRow(p credits.Payment) paymentRow {
	return paymentRow{
		ID:        string(p.ID),
		StudentID: string(p.StudentID),
		Amount:    p.Amount,
		Method:    string(p.Method),
		Status:    string(p.Status),
		BookingID: nullString(string(p.BookingID)),
		CreatedAt: encodeTime(p.CreatedAt),
		SettledAt: encodeTimePtr(p.SettledAt),
	}
}

func (r paymentRow) payment() (credits.Payment, error) {
	p := credits.Payment{
		ID:        credits.PaymentID(r.ID),
		StudentID: credits.StudentID(r.StudentID),
		Amount:    r.Amount,
		Method:    credits.PaymentMethod(r.Method),
		Status:    credits.PaymentStatus(r.Status),
		BookingID: credits.BookingID(r.BookingID.String),
	}
	var err error
	if p.CreatedAt, err = decodeTime(r.CreatedAt); err != nil {
		return p, err
	}
	if p.SettledAt, err = decodeTimePtr(r.SettledAt); err != nil {
		return p, err
	}
	return p, nil
}

type paymentRepo struct{ u *unit }

func (r paymentRepo) Get(ctx context.Context, id credits.PaymentID) (*credits.Payment, error) {
	var row paymentRow
	if err := r.u.get(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id); err != nil {
		return nil, notFoundOr(err, "payment", string(id))
	}
	p, err := row.payment()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r paymentRepo) Create(ctx context.Context, p credits.Payment) error {
	_, err := r.u.tx.NamedExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (:id, :student_id, :amount, :method, :status, :booking_id, :created_at, :settled_at)`,
		newPaymentRow(p))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r paymentRepo) Update(ctx context.Context, p credits.Payment) error {
	res, err := r.u.tx.NamedExecContext(ctx, `UPDATE payments SET
		amount = :amount, method = :method, status = :status,
		booking_id = :booking_id, settled_at = :settled_at
		WHERE id = :id`, newPaymentRow(p))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return requireRow(res, "payment", string(p.ID))
}

func (r paymentRepo) Delete(ctx context.Context, id credits.PaymentID) error {
	if _, err := r.u.exec(ctx, `DELETE FROM payments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return nil
}

func (r paymentRepo) ListByBooking(ctx context.Context, bookingID credits.BookingID) ([]credits.Payment, error) {
	var rows []paymentRow
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = ? ORDER BY created_at, id`
	if err := r.u.selectRows(ctx, &rows, query, bookingID); err != nil {
		return nil, fmt.Errorf("list booking payments: %w", err)
	}
	out := make([]credits.Payment, 0, len(rows))
	for _, row := range rows {
		p, err := row.payment()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

type ledgerRow struct {
	ID        string         `db:"id"`
	StudentID string         `db:"student_id"`
	GrantID   string         `db:"grant_id"`
	BookingID sql.NullString `db:"booking_id"`
	Type      string         `db:"entry_type"`
	Amount    int            `db:"amount"`
	Reason    string         `db:"reason"`
	CreatedAt string         `db:"created_at"`
}

const ledgerColumns = `id, student_id, grant_id, booking_id, entry_type, amount, reason, created_at`

func (r ledgerRow) entry() (credits.LedgerEntry, error) {
	e := credits.LedgerEntry{
		ID:        credits.LedgerEntryID(r.ID),
		StudentID: credits.StudentID(r.StudentID),
		GrantID:   credits.GrantID(r.GrantID),
		BookingID: credits.BookingID(r.BookingID.String),
		Type:      credits.EntryType(r.Type),
		Amount:    r.Amount,
		Reason:    credits.LedgerReason(r.Reason),
	}
	var err error
	e.CreatedAt, err = decodeTime(r.CreatedAt)
	return e, err
}

type ledgerRepo struct{ u *unit }

func (r ledgerRepo) Append(ctx context.Context, e credits.LedgerEntry) error {
	_, err := r.u.exec(ctx, `INSERT INTO ledger_entries (`+ledgerColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries))`,
		e.ID, e.StudentID, e.GrantID, nullString(string(e.BookingID)),
		e.Type, e.Amount, e.Reason, encodeTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (r ledgerRepo) list(ctx context.Context, where string, arg any) ([]credits.LedgerEntry, error) {
	var rows []ledgerRow
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE ` + where + ` ORDER BY seq`
	if err := r.u.selectRows(ctx, &rows, query, arg); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	out := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r ledgerRepo) ListByGrant(ctx context.Context, id credits.GrantID) ([]credits.LedgerEntry, error) {
	return r.list(ctx, "grant_id = ?", id)
}

func (r ledgerRepo) ListByStudent(ctx context.Context, id credits.StudentID) ([]credits.LedgerEntry, error) {
	return r.list(ctx, "student_id = ?", id)
}

func (r ledgerRepo) ListByBooking(ctx context.Context, id credits.BookingID) ([]credits.LedgerEntry, error) {
	return r.list(ctx, "booking_id = ?", id)
}

func (r ledgerRepo) DeleteByGrant(ctx context.Context, id credits.GrantID) error {
	if _, err := r.u.exec(ctx, `DELETE FROM ledger_entries WHERE grant_id = ?`, id); err != nil {
		return fmt.Errorf("delete ledger entries: %w", err)
	}
	return nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

type bookingRow struct {
	ID             string         `db:"id"`
	StudentID      string         `db:"student_id"`
	SessionID      string         `db:"session_id"`
	Status         string         `db:"status"`
	GrantID        sql.NullString `db:"grant_id"`
	CreditsCharged int            `db:"credits_charged"`
	ClassStartsAt  string         `db:"class_starts_at"`
	BookedAt       string         `db:"booked_at"`
	CancelledAt    sql.NullString `db:"cancelled_at"`
}

const bookingColumns = `id, student_id, session_id, status, grant_id, credits_charged,
	class_starts_at, booked_at, cancelled_at`

func newBookingRow(b credits.Booking) bookingRow {
	return bookingRow{
		ID:             string(b.ID),
		StudentID:      string(b.StudentID),
		SessionID:      string(b.SessionID),
		Status:         string(b.Status),
		GrantID:        nullString(string(b.GrantID)),
		CreditsCharged: b.CreditsCharged,
		ClassStartsAt:  encodeTime(b.ClassStartsAt),
		BookedAt:       encodeTime(b.BookedAt),
		CancelledAt:    encodeTimePtr(b.CancelledAt),
	}
}

func (r bookingRow) booking() (credits.Booking, error) {
	b := credits.Booking{
		ID:             credits.BookingID(r.ID),
		StudentID:      credits.StudentID(r.StudentID),
		SessionID:      credits.SessionID(r.SessionID),
		Status:         credits.BookingStatus(r.Status),
		GrantID:        credits.GrantID(r.GrantID.String),
		CreditsCharged: r.CreditsCharged,
	}
	var err error
	if b.ClassStartsAt, err = decodeTime(r.ClassStartsAt); err != nil {
		return b, err
	}
	if b.BookedAt, err = decodeTime(r.BookedAt); err != nil {
		return b, err
	}
	if b.CancelledAt, err = decodeTimePtr(r.CancelledAt); err != nil {
		return b, err
	}
	return b, nil
}

func bookingsFromRows(rows []bookingRow) ([]credits.Booking, error) {
	out := make([]credits.Booking, 0, len(rows))
	for _, r := range rows {
		b, err := r.booking()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type bookingRepo struct{ u *unit }

func (r bookingRepo) Get(ctx context.Context, id credits.BookingID) (*credits.Booking, error) {
	var row bookingRow
	if err := r.u.get(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id); err != nil {
		return nil, notFoundOr(err, "booking", string(id))
	}
	b, err := row.booking()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r bookingRepo) Create(ctx context.Context, b credits.Booking) error {
	_, err := r.u.tx.NamedExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (:id, :student_id, :session_id, :status, :grant_id, :credits_charged,
			:class_starts_at, :booked_at, :cancelled_at)`, newBookingRow(b))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &credits.DuplicateBookingError{StudentID: b.StudentID, SessionID: b.SessionID}
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r bookingRepo) Update(ctx context.Context, b credits.Booking) error {
	res, err := r.u.tx.NamedExecContext(ctx, `UPDATE bookings SET
		status = :status, grant_id = :grant_id, credits_charged = :credits_charged,
		cancelled_at = :cancelled_at
		WHERE id = :id`, newBookingRow(b))
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	return requireRow(res, "booking", string(b.ID))
}

// Delete removes the booking and unlinks any payment that pointed at it.
func (r bookingRepo) Delete(ctx context.Context, id credits.BookingID) error {
	if _, err := r.u.exec(ctx, `UPDATE payments SET booking_id = NULL WHERE booking_id = ?`, id); err != nil {
		return fmt.Errorf("unlink booking payments: %w", err)
	}
	if _, err := r.u.exec(ctx, `DELETE FROM bookings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	return nil
}

func (r bookingRepo) FindConfirmed(ctx context.Context, studentID credits.StudentID, sessionID credits.SessionID) (*credits.Booking, error) {
	var rows []bookingRow
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE student_id = ? AND session_id = ? AND status = ?`
	if err := r.u.selectRows(ctx, &rows, query, studentID, sessionID, credits.BookingConfirmed); err != nil {
		return nil, fmt.Errorf("find confirmed booking: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	b, err := rows[0].booking()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r bookingRepo) CountActiveForSession(ctx context.Context, sessionID credits.SessionID) (int, error) {
	if r.u.locking {
		// Lock the session row so concurrent units queue behind this check.
		var id string
		if err := r.u.get(ctx, &id, r.u.forUpdate(`SELECT id FROM class_sessions WHERE id = ?`), sessionID); err != nil {
			return 0, notFoundOr(err, "session", string(sessionID))
		}
	}
	var n int
	err := r.u.get(ctx, &n, `SELECT COUNT(*) FROM bookings WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, credits.BookingConfirmed, credits.BookingPending)
	if err != nil {
		return 0, fmt.Errorf("count session bookings: %w", err)
	}
	return n, nil
}

func (r bookingRepo) CountActiveForGrant(ctx context.Context, grantID credits.GrantID) (int, error) {
	var n int
	err := r.u.get(ctx, &n, `SELECT COUNT(*) FROM bookings WHERE grant_id = ? AND status IN (?, ?)`,
		grantID, credits.BookingConfirmed, credits.BookingPending)
	if err != nil {
		return 0, fmt.Errorf("count grant bookings: %w", err)
	}
	return n, nil
}

func (r bookingRepo) ListConfirmedFrom(ctx context.Context, studentID credits.StudentID, from time.Time) ([]credits.Booking, error) {
	var rows []bookingRow
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE student_id = ? AND status = ? AND class_starts_at >= ?
		ORDER BY class_starts_at, id`
	if err := r.u.selectRows(ctx, &rows, query, studentID, credits.BookingConfirmed, encodeTime(from)); err != nil {
		return nil, fmt.Errorf("list future bookings: %w", err)
	}
	return bookingsFromRows(rows)
}

func (r bookingRepo) ListByStudent(ctx context.Context, studentID credits.StudentID) ([]credits.Booking, error) {
	var rows []bookingRow
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE student_id = ? ORDER BY class_starts_at, id`
	if err := r.u.selectRows(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookingsFromRows(rows)
}

func (r bookingRepo) DetachGrant(ctx context.Context, grantID credits.GrantID) error {
	if _, err := r.u.exec(ctx, `UPDATE bookings SET grant_id = NULL WHERE grant_id = ?`, grantID); err != nil {
		return fmt.Errorf("detach bookings: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credits.NotFound(kind, id)
	}
	return nil
}
