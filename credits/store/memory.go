// Package store provides in-memory implementations of the credits storage
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credits.TxStore and the reference-data lookups.
// WithTx calls are serialised; a failed unit restores the state captured
// when it started.
type Memory struct {
	mu sync.Mutex
	state

	students map[credits.StudentID]credits.Student
	catalog  map[credits.CatalogItemID]credits.CatalogItem
	sessions map[credits.SessionID]credits.Session
}

type state struct {
	grants   map[credits.GrantID]credits.Grant
	payments map[credits.PaymentID]credits.Payment
	bookings map[credits.BookingID]credits.Booking
	ledger   []credits.LedgerEntry
}

func NewMemory() *Memory {
	return &Memory{
		state: state{
			grants:   make(map[credits.GrantID]credits.Grant),
			payments: make(map[credits.PaymentID]credits.Payment),
			bookings: make(map[credits.BookingID]credits.Booking),
		},
		students: make(map[credits.StudentID]credits.Student),
		catalog:  make(map[credits.CatalogItemID]credits.CatalogItem),
		sessions: make(map[credits.SessionID]credits.Session),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(credits.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryUnit{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := state{
		grants:   make(map[credits.GrantID]credits.Grant, len(s.grants)),
		payments: make(map[credits.PaymentID]credits.Payment, len(s.payments)),
		bookings: make(map[credits.BookingID]credits.Booking, len(s.bookings)),
		ledger:   append([]credits.LedgerEntry(nil), s.ledger...),
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	return c
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (m *Memory) AddStudent(s credits.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
}

func (m *Memory) AddCatalogItem(c credits.CatalogItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[c.ID] = c
}

func (m *Memory) AddSession(s credits.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Memory) Student(_ context.Context, id credits.StudentID) (*credits.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return nil, credits.NotFound("student", string(id))
	}
	return &s, nil
}

func (m *Memory) CatalogItem(_ context.Context, id credits.CatalogItemID) (*credits.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.catalog[id]
	if !ok {
		return nil, credits.NotFound("catalog item", string(id))
	}
	return &c, nil
}

func (m *Memory) Session(_ context.Context, id credits.SessionID) (*credits.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, credits.NotFound("session", string(id))
	}
	return &s, nil
}

// =============================================================================
// INSPECTION (tests)
// =============================================================================

func (m *Memory) LedgerEntries() []credits.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]credits.LedgerEntry(nil), m.ledger...)
}

func (m *Memory) BookingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}

func (m *Memory) PaymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *Memory) GrantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

// =============================================================================
// UNIT OF WORK VIEW
// =============================================================================

type memoryUnit struct {
	s *state
}

func (u *memoryUnit) Grants() credits.GrantRepository     { return grantRepo{u.s} }
func (u *memoryUnit) Payments() credits.PaymentRepository { return paymentRepo{u.s} }
func (u *memoryUnit) Ledger() credits.LedgerRepository    { return ledgerRepo{u.s} }
func (u *memoryUnit) Bookings() credits.BookingRepository { return bookingRepo{u.s} }

// ─── Grants ─────────────────────────────────────────────────────────────────

type grantRepo struct{ s *state }

func (r grantRepo) Get(_ context.Context, id credits.GrantID) (*credits.Grant, error) {
	g, ok := r.s.grants[id]
	if !ok {
		return nil, credits.NotFound("grant", string(id))
	}
	return &g, nil
}

func (r grantRepo) ListUsable(_ context.Context, studentID credits.StudentID) ([]credits.Grant, error) {
	var out []credits.Grant
	for _, g := range r.s.grants {
		if g.StudentID == studentID && g.Usable() {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (r grantRepo) ListByStudent(_ context.Context, studentID credits.StudentID) ([]credits.Grant, error) {
	var out []credits.Grant
	for _, g := range r.s.grants {
		if g.StudentID == studentID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (r grantRepo) FindOutstanding(_ context.Context, studentID credits.StudentID, itemID credits.CatalogItemID) (*credits.Grant, error) {
	var found []credits.Grant
	for _, g := range r.s.grants {
		if g.StudentID != studentID || g.CatalogItemID != itemID || g.Status != credits.GrantPendingActivation {
			continue
		}
		if p, ok := r.s.payments[g.PaymentID]; ok && p.IsOutstandingDebt() {
			found = append(found, g)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	sortGrants(found)
	return &found[0], nil
}

func (r grantRepo) Create(_ context.Context, g credits.Grant) error {
	if _, ok := r.s.payments[g.PaymentID]; !ok {
		return credits.NotFound("payment", string(g.PaymentID))
	}
	r.s.grants[g.ID] = g
	return nil
}

func (r grantRepo) Update(_ context.Context, g credits.Grant) error {
	if _, ok := r.s.grants[g.ID]; !ok {
		return credits.NotFound("grant", string(g.ID))
	}
	r.s.grants[g.ID] = g
	return nil
}

func (r grantRepo) Delete(_ context.Context, id credits.GrantID) error {
	delete(r.s.grants, id)
	return nil
}

func sortGrants(gs []credits.Grant) {
	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].StartDate.Equal(gs[j].StartDate) {
			return gs[i].StartDate.Before(gs[j].StartDate)
		}
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.Before(gs[j].CreatedAt)
		}
		return gs[i].ID < gs[j].ID
	})
}

// ─── Payments ───────────────────────────────────────────────────────────────

type paymentRepo struct{ s *state }

func (r paymentRepo) Get(_ context.Context, id credits.PaymentID) (*credits.Payment, error) {
	p, ok := r.s.payments[id]
	if !ok {
		return nil, credits.NotFound("payment", string(id))
	}
	return &p, nil
}

func (r paymentRepo) Create(_ context.Context, p credits.Payment) error {
	r.s.payments[p.ID] = p
	return nil
}

func (r paymentRepo) Update(_ context.Context, p credits.Payment) error {
	if _, ok := r.s.payments[p.ID]; !ok {
		return credits.NotFound("payment", string(p.ID))
	}
	r.s.payments[p.ID] = p
	return nil
}

func (r paymentRepo) Delete(_ context.Context, id credits.PaymentID) error {
	delete(r.s.payments, id)
	return nil
}

func (r paymentRepo) ListByBooking(_ context.Context, bookingID credits.BookingID) ([]credits.Payment, error) {
	var out []credits.Payment
	for _, p := range r.s.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

type ledgerRepo struct{ s *state }

func (r ledgerRepo) Append(_ context.Context, e credits.LedgerEntry) error {
	r.s.ledger = append(r.s.ledger, e)
	return nil
}

func (r ledgerRepo) filter(keep func(credits.LedgerEntry) bool) []credits.LedgerEntry {
	var out []credits.LedgerEntry
	for _, e := range r.s.ledger {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (r ledgerRepo) ListByGrant(_ context.Context, id credits.GrantID) ([]credits.LedgerEntry, error) {
	return r.filter(func(e credits.LedgerEntry) bool { return e.GrantID == id }), nil
}

func (r ledgerRepo) ListByStudent(_ context.Context, id credits.StudentID) ([]credits.LedgerEntry, error) {
	return r.filter(func(e credits.LedgerEntry) bool { return e.StudentID == id }), nil
}

func (r ledgerRepo) ListByBooking(_ context.Context, id credits.BookingID) ([]credits.LedgerEntry, error) {
	return r.filter(func(e credits.LedgerEntry) bool { return e.BookingID == id }), nil
}

func (r ledgerRepo) DeleteByGrant(_ context.Context, id credits.GrantID) error {
	r.s.ledger = r.filter(func(e credits.LedgerEntry) bool { return e.GrantID != id })
	return nil
}

// ─── Bookings ───────────────────────────────────────────────────────────────

type bookingRepo struct{ s *state }

func (r bookingRepo) Get(_ context.Context, id credits.BookingID) (*credits.Booking, error) {
	b, ok := r.s.bookings[id]
	if !ok {
		return nil, credits.NotFound("booking", string(id))
	}
	return &b, nil
}

func (r bookingRepo) Create(_ context.Context, b credits.Booking) error {
	r.s.bookings[b.ID] = b
	return nil
}

func (r bookingRepo) Update(_ context.Context, b credits.Booking) error {
	if _, ok := r.s.bookings[b.ID]; !ok {
		return credits.NotFound("booking", string(b.ID))
	}
	r.s.bookings[b.ID] = b
	return nil
}

func (r bookingRepo) Delete(_ context.Context, id credits.BookingID) error {
	delete(r.s.bookings, id)
	for pid, p := range r.s.payments {
		if p.BookingID == id {
			p.BookingID = ""
			r.s.payments[pid] = p
		}
	}
	return nil
}

func (r bookingRepo) FindConfirmed(_ context.Context, studentID credits.StudentID, sessionID credits.SessionID) (*credits.Booking, error) {
	for _, b := range r.s.bookings {
		if b.StudentID == studentID && b.SessionID == sessionID && b.Status == credits.BookingConfirmed {
			return &b, nil
		}
	}
	return nil, nil
}

func (r bookingRepo) CountActiveForSession(_ context.Context, sessionID credits.SessionID) (int, error) {
	n := 0
	for _, b := range r.s.bookings {
		if b.SessionID == sessionID && b.Active() {
			n++
		}
	}
	return n, nil
}

func (r bookingRepo) CountActiveForGrant(_ context.Context, grantID credits.GrantID) (int, error) {
	n := 0
	for _, b := range r.s.bookings {
		if b.GrantID == grantID && b.Active() {
			n++
		}
	}
	return n, nil
}

func (r bookingRepo) ListConfirmedFrom(_ context.Context, studentID credits.StudentID, from time.Time) ([]credits.Booking, error) {
	var out []credits.Booking
	for _, b := range r.s.bookings {
		if b.StudentID == studentID && b.Status == credits.BookingConfirmed && !b.ClassStartsAt.Before(from) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (r bookingRepo) ListByStudent(_ context.Context, studentID credits.StudentID) ([]credits.Booking, error) {
	var out []credits.Booking
	for _, b := range r.s.bookings {
		if b.StudentID == studentID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (r bookingRepo) DetachGrant(_ context.Context, grantID credits.GrantID) error {
	for id, b := range r.s.bookings {
		if b.GrantID == grantID {
			b.GrantID = ""
			r.s.bookings[id] = b
		}
	}
	return nil
}

func sortBookings(bs []credits.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].ClassStartsAt.Equal(bs[j].ClassStartsAt) {
			return bs[i].ClassStartsAt.Before(bs[j].ClassStartsAt)
		}
		return bs[i].ID < bs[j].ID
	})
}
