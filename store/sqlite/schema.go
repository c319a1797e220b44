package sqlite

import (
	"context"
	"fmt"
)

// schema is valid in both SQLite and PostgreSQL. Statements are executed
// one at a time, in order, so referenced tables exist first.
var schema = []string{
	// Reference data
	`CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		date_of_birth TEXT NOT NULL,
		skill_level TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credit_count INTEGER NOT NULL,
		flat_price TEXT NOT NULL,
		trial INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_prices (
		catalog_item_id TEXT NOT NULL REFERENCES catalog_items(id) ON DELETE CASCADE,
		min_age INTEGER NOT NULL,
		max_age INTEGER NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (catalog_item_id, min_age)
	)`,
	`CREATE TABLE IF NOT EXISTS class_sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		flat_price TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_prices (
		session_id TEXT NOT NULL REFERENCES class_sessions(id) ON DELETE CASCADE,
		min_age INTEGER NOT NULL,
		max_age INTEGER NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (session_id, min_age)
	)`,

	// Money and credits
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		booking_id TEXT,
		created_at TEXT NOT NULL,
		settled_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_booking
		ON payments(booking_id) WHERE booking_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		catalog_item_id TEXT NOT NULL,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		total_credits INTEGER NOT NULL,
		remaining_credits INTEGER NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		valid_from TEXT,
		valid_until TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		CHECK (remaining_credits >= 0 AND remaining_credits <= total_credits)
	)`,
	// FIFO scan (hot path)
	`CREATE INDEX IF NOT EXISTS idx_grants_student_start
		ON grants(student_id, start_date, created_at)`,

	// Append-only; rows are removed only when their grant is purged.
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		grant_id TEXT NOT NULL REFERENCES grants(id),
		booking_id TEXT,
		entry_type TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_grant ON ledger_entries(grant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_student ON ledger_entries(student_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_booking
		ON ledger_entries(booking_id) WHERE booking_id IS NOT NULL`,

	// Bookings
	`CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		session_id TEXT NOT NULL REFERENCES class_sessions(id),
		status TEXT NOT NULL,
		grant_id TEXT REFERENCES grants(id),
		credits_charged INTEGER NOT NULL,
		class_starts_at TEXT NOT NULL,
		booked_at TEXT NOT NULL,
		cancelled_at TEXT
	)`,
	// At most one CONFIRMED booking per student and session.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_unique_confirmed
		ON bookings(student_id, session_id) WHERE status = 'CONFIRMED'`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_session ON bookings(session_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_grant ON bookings(grant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_student_start
		ON bookings(student_id, class_starts_at)`,

	// Audit
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_ref TEXT NOT NULL,
		actor TEXT NOT NULL,
		details_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_ref)`,
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

// Reset deletes every row, children first. Used by scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"audit_log",
		"bookings",
		"ledger_entries",
		"grants",
		"payments",
		"session_prices",
		"class_sessions",
		"catalog_prices",
		"catalog_items",
		"students",
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
