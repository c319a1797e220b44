/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	academy data: students, a catalog, a timetable of sessions, and the
	purchases and bookings that show one engine behaviour each.

AVAILABLE SCENARIOS:

	new-package:    A paid 8-class package, not yet activated
	month-boundary: A package activated this month; next month's classes warn
	pay-later:      Four classes booked before paying; one debt placeholder
	full-class:     A session at capacity; only an admin can add a student

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed the shared catalog and timetable
 3. Create the scenario's students
 4. Purchase packages and book classes through booking.Service, so every
    ledger entry is produced by the real engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pay-later"}

USAGE VIA CLI:

	academyd seed pay-later

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Booking handlers exercised by the demo data
  - cmd/server/main.go: seed command
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/credits"
)

// SeedStore writes reference data. The SQL store implements it.
type SeedStore interface {
	Reset(ctx context.Context) error
	SaveStudent(ctx context.Context, s credits.Student) error
	SaveCatalogItem(ctx context.Context, item credits.CatalogItem) error
	SaveSession(ctx context.Context, s credits.Session) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-package",
		Name:        "New Package",
		Description: "Paid 8-class package waiting for its first booking",
	},
	{
		ID:          "month-boundary",
		Name:        "Month Boundary",
		Description: "Package locked to this month; booking next month needs a force",
	},
	{
		ID:          "pay-later",
		Name:        "Pay Later",
		Description: "Four classes booked on one outstanding package",
	},
	{
		ID:          "full-class",
		Name:        "Full Class",
		Description: "Session at capacity; admin force required",
	},
}

// Scenarios returns the available scenarios.
func Scenarios() []ScenarioDTO {
	return append([]ScenarioDTO(nil), scenarios...)
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Seeds == nil {
		writeError(w, http.StatusNotFound, "Scenarios are disabled", nil)
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := LoadScenario(r.Context(), h.Seeds, h.Service, req.ScenarioID); err != nil {
		h.Logger.Warn("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// LoadScenario resets the store and loads scenario id.
func LoadScenario(ctx context.Context, seeds SeedStore, svc *booking.Service, id string) error {
	var load func(context.Context, *scenarioLoader) error
	switch id {
	case "new-package":
		load = loadNewPackageScenario
	case "month-boundary":
		load = loadMonthBoundaryScenario
	case "pay-later":
		load = loadPayLaterScenario
	case "full-class":
		load = loadFullClassScenario
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}

	if err := seeds.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	l := &scenarioLoader{seeds: seeds, svc: svc, now: svc.Engine.Now(), loc: svc.Engine.Location}
	if err := l.seedAcademy(ctx); err != nil {
		return err
	}
	return load(ctx, l)
}

// =============================================================================
// SHARED ACADEMY DATA
// =============================================================================

type scenarioLoader struct {
	seeds SeedStore
	svc   *booking.Service
	now   time.Time
	loc   *time.Location
}

// Catalog and timetable shared by every scenario.
const (
	pack8      credits.CatalogItemID = "pack-8"
	pack4      credits.CatalogItemID = "pack-4"
	trialClass credits.CatalogItemID = "trial"
)

func (l *scenarioLoader) seedAcademy(ctx context.Context) error {
	items := []credits.CatalogItem{
		{
			ID: pack8, Name: "8 classes", CreditCount: 8,
			FlatPrice: decimal.RequireFromString("96.00"),
			PriceByAge: []credits.AgePrice{
				{MinAge: 4, MaxAge: 11, Price: decimal.RequireFromString("80.00")},
				{MinAge: 12, MaxAge: 17, Price: decimal.RequireFromString("88.00")},
			},
		},
		{ID: pack4, Name: "4 classes", CreditCount: 4, FlatPrice: decimal.RequireFromString("52.00")},
		{ID: trialClass, Name: "Trial class", CreditCount: 1, FlatPrice: decimal.Zero, Trial: true},
	}
	for _, item := range items {
		if err := l.seeds.SaveCatalogItem(ctx, item); err != nil {
			return err
		}
	}

	// Two classes a week (Tuesday and Thursday, 17:30) for the next eight weeks.
	for _, s := range l.timetable(8) {
		if err := l.seeds.SaveSession(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (l *scenarioLoader) timetable(weeks int) []credits.Session {
	start := credits.StartOfDay(l.now, l.loc)
	var out []credits.Session
	for day := 1; day <= weeks*7; day++ {
		d := start.AddDate(0, 0, day)
		if d.Weekday() != time.Tuesday && d.Weekday() != time.Thursday {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), 17, 30, 0, 0, l.loc)
		out = append(out, credits.Session{
			ID:        sessionIDFor(at),
			Name:      "Junior tennis " + at.Format("Mon 02 Jan"),
			StartsAt:  at,
			Capacity:  6,
			FlatPrice: decimal.RequireFromString("14.00"),
			PriceByAge: []credits.AgePrice{
				{MinAge: 4, MaxAge: 11, Price: decimal.RequireFromString("12.00")},
			},
		})
	}
	return out
}

func sessionIDFor(at time.Time) credits.SessionID {
	return credits.SessionID("sess-" + at.Format("2006-01-02"))
}

func (l *scenarioLoader) student(ctx context.Context, id, name string, age int) (credits.StudentID, error) {
	st := credits.Student{
		ID:          credits.StudentID(id),
		Name:        name,
		DateOfBirth: l.now.AddDate(-age, -1, 0),
		SkillLevel:  "beginner",
	}
	return st.ID, l.seeds.SaveStudent(ctx, st)
}

// sessionsIn returns the timetable sessions in the month of t.
func (l *scenarioLoader) sessionsIn(t time.Time) []credits.SessionID {
	var out []credits.SessionID
	for _, s := range l.timetable(8) {
		if credits.SameMonth(s.StartsAt, t, l.loc) {
			out = append(out, s.ID)
		}
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func loadNewPackageScenario(ctx context.Context, l *scenarioLoader) error {
	lucia, err := l.student(ctx, "stu-lucia", "Lucía Romero", 9)
	if err != nil {
		return err
	}
	_, _, err = l.svc.Purchase(ctx, booking.PurchaseRequest{
		StudentID:     lucia,
		CatalogItemID: pack8,
		Method:        credits.MethodCard,
		Amount:        decimal.RequireFromString("80.00"),
	})
	return err
}

func loadMonthBoundaryScenario(ctx context.Context, l *scenarioLoader) error {
	marc, err := l.student(ctx, "stu-marc", "Marc Vidal", 13)
	if err != nil {
		return err
	}
	if _, _, err := l.svc.Purchase(ctx, booking.PurchaseRequest{
		StudentID:     marc,
		CatalogItemID: pack4,
		Method:        credits.MethodCash,
		Amount:        decimal.RequireFromString("52.00"),
	}); err != nil {
		return err
	}

	// Book the first class of the timetable: the package locks to its month.
	thisMonth := l.sessionsIn(l.timetable(8)[0].StartsAt)
	if len(thisMonth) == 0 {
		return nil
	}
	_, err = l.svc.CreateBooking(ctx, marc, thisMonth[:1], booking.Options{})
	return err
}

func loadPayLaterScenario(ctx context.Context, l *scenarioLoader) error {
	nora, err := l.student(ctx, "stu-nora", "Nora Sánchez", 11)
	if err != nil {
		return err
	}
	sessions := l.timetable(8)
	if len(sessions) < 4 {
		return fmt.Errorf("timetable has %d sessions, need 4", len(sessions))
	}
	ids := []credits.SessionID{sessions[0].ID, sessions[1].ID, sessions[2].ID, sessions[3].ID}
	_, err = l.svc.CreateBooking(ctx, nora, ids, booking.Options{
		CatalogItemID:    pack8,
		AllowOutstanding: true,
	})
	return err
}

func loadFullClassScenario(ctx context.Context, l *scenarioLoader) error {
	first := l.timetable(8)[0]
	for i := 1; i <= first.Capacity; i++ {
		id, err := l.student(ctx, fmt.Sprintf("stu-%02d", i), fmt.Sprintf("Student %02d", i), 10)
		if err != nil {
			return err
		}
		if _, _, err := l.svc.Purchase(ctx, booking.PurchaseRequest{
			StudentID:     id,
			CatalogItemID: pack4,
			Method:        credits.MethodTransfer,
			Amount:        decimal.RequireFromString("52.00"),
		}); err != nil {
			return err
		}
		if _, err := l.svc.CreateBooking(ctx, id, []credits.SessionID{first.ID}, booking.Options{}); err != nil {
			return err
		}
	}
	// The student waiting for a seat has credits but the class is full.
	late, err := l.student(ctx, "stu-late", "Pau Ferrer", 10)
	if err != nil {
		return err
	}
	_, _, err = l.svc.Purchase(ctx, booking.PurchaseRequest{
		StudentID:     late,
		CatalogItemID: pack4,
		Method:        credits.MethodCash,
		Amount:        decimal.RequireFromString("52.00"),
	})
	return err
}
