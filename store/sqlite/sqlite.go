/*
Package sqlite provides the SQL-backed implementation of the credits storage
interfaces.

PURPOSE:
  Implements credits.TxStore (grants, payments, ledger, bookings), the
  read-only reference lookups (students, catalog, sessions) and the audit
  sink. SQLite is the default; the same code runs on PostgreSQL, only the
  placeholder style and row locking differ.

INTERFACES IMPLEMENTED:
  credits.TxStore:       Units of work over one *sqlx.Tx
  credits.SessionLookup: class_sessions + session_prices
  credits.CatalogLookup: catalog_items + catalog_prices
  credits.StudentLookup: students
  credits.AuditSink:     audit_log

KEY TABLES:
  payments:       What funded a grant, or what is still owed
  grants:         Credit batches with remaining balance and month window
  ledger_entries: Append-only credit movements (deleted only by purge)
  bookings:       Seats in class sessions
  audit_log:      Who did what, written after commit

DIALECTS:
  Queries are written with ? placeholders and passed through sqlx Rebind.
  On PostgreSQL the grant reads and the session capacity check take row
  locks (SELECT ... FOR UPDATE). On SQLite the pool holds one connection,
  so units of work are serialised by the driver.

TIME ENCODING:
  Timestamps are stored as fixed-width UTC text (2006-01-02T15:04:05.000Z)
  so lexical order is chronological order in both dialects.

USAGE:
  store, err := sqlite.New("./data/academy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - credits/store.go: Interface definitions
  - credits/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/credits"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements the credits storage interfaces on a SQL database.
type Store struct {
	db     *sqlx.DB
	driver string
	log    *zap.Logger
}

// Options configure Open.
type Options struct {
	Driver string // DriverSQLite (default) or DriverPostgres
	DSN    string
	Logger *zap.Logger
}

// New opens (or creates) a SQLite database at path and migrates it.
// Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	s, err := Open(Options{Driver: DriverSQLite, DSN: path})
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Open connects to the database described by opts. It does not migrate.
func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := opts.DSN
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: serialises writers and keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
	}

	return &Store{db: db, driver: driver, log: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// =============================================================================
// TRANSACTIONAL STORE (credits.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credits.UnitOfWork) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&unit{tx: tx, locking: s.driver == DriverPostgres}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// unit is one transaction's view of the repositories.
type unit struct {
	tx      *sqlx.Tx
	locking bool
}

func (u *unit) Grants() credits.GrantRepository     { return grantRepo{u} }
func (u *unit) Payments() credits.PaymentRepository { return paymentRepo{u} }
func (u *unit) Ledger() credits.LedgerRepository    { return ledgerRepo{u} }
func (u *unit) Bookings() credits.BookingRepository { return bookingRepo{u} }

func (u *unit) get(ctx context.Context, dest any, query string, args ...any) error {
	return u.tx.GetContext(ctx, dest, u.tx.Rebind(query), args...)
}

func (u *unit) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	return u.tx.SelectContext(ctx, dest, u.tx.Rebind(query), args...)
}

func (u *unit) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return u.tx.ExecContext(ctx, u.tx.Rebind(query), args...)
}

// forUpdate appends a row lock on dialects that have one.
func (u *unit) forUpdate(query string) string {
	if u.locking {
		return query + " FOR UPDATE"
	}
	return query
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000Z"

var timeNow = time.Now

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFoundOr maps sql.ErrNoRows to a credits.NotFoundError.
func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return credits.NotFound(kind, id)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
