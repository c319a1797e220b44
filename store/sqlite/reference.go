package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// STUDENTS
// =============================================================================

type studentRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	DateOfBirth string `db:"date_of_birth"`
	SkillLevel  string `db:"skill_level"`
}

// SaveStudent inserts or updates a student.
func (s *Store) SaveStudent(ctx context.Context, st credits.Student) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO students (id, name, date_of_birth, skill_level) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name,
			date_of_birth = excluded.date_of_birth, skill_level = excluded.skill_level`),
		st.ID, st.Name, encodeTime(st.DateOfBirth), st.SkillLevel)
	if err != nil {
		return fmt.Errorf("save student: %w", err)
	}
	return nil
}

// Student implements credits.StudentLookup.
func (s *Store) Student(ctx context.Context, id credits.StudentID) (*credits.Student, error) {
	var row studentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, name, date_of_birth, skill_level FROM students WHERE id = ?`), id)
	if err != nil {
		return nil, notFoundOr(err, "student", string(id))
	}
	dob, err := decodeTime(row.DateOfBirth)
	if err != nil {
		return nil, err
	}
	return &credits.Student{
		ID:          credits.StudentID(row.ID),
		Name:        row.Name,
		DateOfBirth: dob,
		SkillLevel:  row.SkillLevel,
	}, nil
}

// ListStudents returns every student ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]credits.Student, error) {
	var rows []studentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, date_of_birth, skill_level FROM students ORDER BY name, id`); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	out := make([]credits.Student, 0, len(rows))
	for _, row := range rows {
		dob, err := decodeTime(row.DateOfBirth)
		if err != nil {
			return nil, err
		}
		out = append(out, credits.Student{
			ID:          credits.StudentID(row.ID),
			Name:        row.Name,
			DateOfBirth: dob,
			SkillLevel:  row.SkillLevel,
		})
	}
	return out, nil
}

// =============================================================================
// AGE-BRACKET PRICES (shared by catalog items and sessions)
// =============================================================================

type priceRow struct {
	MinAge int             `db:"min_age"`
	MaxAge int             `db:"max_age"`
	Price  decimal.Decimal `db:"price"`
}

func (s *Store) loadPrices(ctx context.Context, table, ownerColumn, ownerID string) ([]credits.AgePrice, error) {
	var rows []priceRow
	query := s.db.Rebind(`SELECT min_age, max_age, price FROM ` + table +
		` WHERE ` + ownerColumn + ` = ? ORDER BY min_age`)
	if err := s.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	var out []credits.AgePrice
	for _, r := range rows {
		out = append(out, credits.AgePrice{MinAge: r.MinAge, MaxAge: r.MaxAge, Price: r.Price})
	}
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

type catalogRow struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	CreditCount int             `db:"credit_count"`
	FlatPrice   decimal.Decimal `db:"flat_price"`
	Trial       int             `db:"trial"`
}

// SaveCatalogItem inserts or updates a catalog item and replaces its
// age-bracket prices.
func (s *Store) SaveCatalogItem(ctx context.Context, item credits.CatalogItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO catalog_items (id, name, credit_count, flat_price, trial) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, credit_count = excluded.credit_count,
			flat_price = excluded.flat_price, trial = excluded.trial`),
		item.ID, item.Name, item.CreditCount, item.FlatPrice, boolToInt(item.Trial))
	if err != nil {
		return fmt.Errorf("save catalog item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM catalog_prices WHERE catalog_item_id = ?`), item.ID); err != nil {
		return fmt.Errorf("clear catalog prices: %w", err)
	}
	for _, p := range item.PriceByAge {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO catalog_prices (catalog_item_id, min_age, max_age, price) VALUES (?, ?, ?, ?)`),
			item.ID, p.MinAge, p.MaxAge, p.Price)
		if err != nil {
			return fmt.Errorf("save catalog price: %w", err)
		}
	}
	return tx.Commit()
}

// CatalogItem implements credits.CatalogLookup.
func (s *Store) CatalogItem(ctx context.Context, id credits.CatalogItemID) (*credits.CatalogItem, error) {
	var row catalogRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, name, credit_count, flat_price, trial FROM catalog_items WHERE id = ?`), id)
	if err != nil {
		return nil, notFoundOr(err, "catalog item", string(id))
	}
	prices, err := s.loadPrices(ctx, "catalog_prices", "catalog_item_id", row.ID)
	if err != nil {
		return nil, err
	}
	return &credits.CatalogItem{
		ID:          credits.CatalogItemID(row.ID),
		Name:        row.Name,
		CreditCount: row.CreditCount,
		FlatPrice:   row.FlatPrice,
		PriceByAge:  prices,
		Trial:       row.Trial != 0,
	}, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

type sessionRow struct {
	ID        string          `db:"id"`
	Name      string          `db:"name"`
	StartsAt  string          `db:"starts_at"`
	Capacity  int             `db:"capacity"`
	FlatPrice decimal.Decimal `db:"flat_price"`
}

// SaveSession inserts or updates a class session and replaces its prices.
func (s *Store) SaveSession(ctx context.Context, sess credits.Session) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO class_sessions (id, name, starts_at, capacity, flat_price) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, starts_at = excluded.starts_at,
			capacity = excluded.capacity, flat_price = excluded.flat_price`),
		sess.ID, sess.Name, encodeTime(sess.StartsAt), sess.Capacity, sess.FlatPrice)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_prices WHERE session_id = ?`), sess.ID); err != nil {
		return fmt.Errorf("clear session prices: %w", err)
	}
	for _, p := range sess.PriceByAge {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_prices (session_id, min_age, max_age, price) VALUES (?, ?, ?, ?)`),
			sess.ID, p.MinAge, p.MaxAge, p.Price)
		if err != nil {
			return fmt.Errorf("save session price: %w", err)
		}
	}
	return tx.Commit()
}

// Session implements credits.SessionLookup.
func (s *Store) Session(ctx context.Context, id credits.SessionID) (*credits.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, name, starts_at, capacity, flat_price FROM class_sessions WHERE id = ?`), id)
	if err != nil {
		return nil, notFoundOr(err, "session", string(id))
	}
	startsAt, err := decodeTime(row.StartsAt)
	if err != nil {
		return nil, err
	}
	prices, err := s.loadPrices(ctx, "session_prices", "session_id", row.ID)
	if err != nil {
		return nil, err
	}
	return &credits.Session{
		ID:         credits.SessionID(row.ID),
		Name:       row.Name,
		StartsAt:   startsAt,
		Capacity:   row.Capacity,
		FlatPrice:  row.FlatPrice,
		PriceByAge: prices,
	}, nil
}

// =============================================================================
// AUDIT (credits.AuditSink)
// =============================================================================

// AuditRecord is one row of audit_log.
type AuditRecord struct {
	ID          string `db:"id" json:"id"`
	Action      string `db:"action" json:"action"`
	EntityRef   string `db:"entity_ref" json:"entity_ref"`
	Actor       string `db:"actor" json:"actor"`
	DetailsJSON string `db:"details_json" json:"details"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// Record implements credits.AuditSink. The actor is taken from
// details["actor"] when present.
func (s *Store) Record(ctx context.Context, action credits.AuditAction, entityRef string, details map[string]any) error {
	actor := "system"
	if a, ok := details["actor"].(string); ok && a != "" {
		actor = a
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (id, action, entity_ref, actor, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), action, entityRef, actor, string(payload), encodeTime(timeNow()))
	if err != nil {
		s.log.Debug("audit insert failed", zap.String("action", string(action)), zap.Error(err))
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// AuditLog returns the newest audit records for entityRef, or for every
// entity when entityRef is empty.
func (s *Store) AuditLog(ctx context.Context, entityRef string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []AuditRecord
	var err error
	if entityRef == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT id, action, entity_ref, actor, details_json, created_at FROM audit_log
			ORDER BY created_at DESC, id LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT id, action, entity_ref, actor, details_json, created_at FROM audit_log
			WHERE entity_ref = ? ORDER BY created_at DESC, id LIMIT ?`), entityRef, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return rows, nil
}
