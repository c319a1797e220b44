/*
handlers_test.go - HTTP tests for the booking API

Tests for:
- Outcome to status mapping (409 / 402 / 404)
- Request validation (400)
- Expiry warning and forced retry
- Purchases, settlement and audit attribution
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/credits"
	"github.com/courtside/academy-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	svc    *booking.Service
	router *chi.Mux
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := credits.NewEngine(time.UTC, nil)
	svc := booking.NewService(store, engine, booking.Lookups{
		Sessions: store,
		Catalog:  store,
		Students: store,
	}, store, nil)
	h := NewHandler(svc, store, zap.NewNop())

	return &testServer{t: t, store: store, svc: svc, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) load(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

// timetable returns the sessions the scenarios seeded.
func (s *testServer) timetable() []credits.Session {
	l := &scenarioLoader{now: s.svc.Engine.Now(), loc: s.svc.Engine.Location}
	return l.timetable(8)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// STATUS MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := map[credits.Outcome]int{
		credits.OutcomeSuccess:             http.StatusOK,
		credits.OutcomeNotFound:            http.StatusNotFound,
		credits.OutcomeDuplicateBooking:    http.StatusConflict,
		credits.OutcomeCapacityFull:        http.StatusConflict,
		credits.OutcomeExpiryWarning:       http.StatusConflict,
		credits.OutcomeExpiredNoRefund:     http.StatusConflict,
		credits.OutcomeInsufficientCredits: http.StatusPaymentRequired,
		credits.OutcomeUnauthorized:        http.StatusUnauthorized,
		credits.OutcomeInternal:            http.StatusInternalServerError,
	}
	for outcome, want := range tests {
		assert.Equal(t, want, statusFor(outcome), outcome)
	}
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestCreateBookings_Validation(t *testing.T) {
	s := setupTestServer(t)
	s.load("new-package")

	rec := s.do(http.MethodPost, "/api/students/stu-lucia/bookings", CreateBookingsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/students/stu-lucia/bookings", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateBookings_CapacityAndForce(t *testing.T) {
	// GIVEN: the first class is full
	s := setupTestServer(t)
	s.load("full-class")
	first := string(s.timetable()[0].ID)

	// WHEN: the waiting student asks for a seat
	rec := s.do(http.MethodPost, "/api/students/stu-late/bookings", CreateBookingsRequest{SessionIDs: []string{first}})

	// THEN: 409 CAPACITY_FULL, then an admin override succeeds
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(credits.OutcomeCapacityFull), decodeBody[ErrorResponse](t, rec).Outcome)

	rec = s.do(http.MethodPost, "/api/students/stu-late/bookings", CreateBookingsRequest{
		SessionIDs:        []string{first},
		BookingOptionsDTO: BookingOptionsDTO{AdminForce: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[BookingResultDTO](t, rec)
	assert.Equal(t, string(credits.OutcomeSuccess), res.Outcome)
	assert.Len(t, res.BookingIDs, 1)
}

func TestCreateBookings_ExpiryWarningCanForce(t *testing.T) {
	// GIVEN: Marc's package is locked to the month of his first class
	s := setupTestServer(t)
	s.load("month-boundary")
	sessions := s.timetable()
	var nextMonth string
	for _, sess := range sessions {
		if !credits.SameMonth(sess.StartsAt, sessions[0].StartsAt, time.UTC) {
			nextMonth = string(sess.ID)
			break
		}
	}
	require.NotEmpty(t, nextMonth)

	// WHEN: booking next month
	rec := s.do(http.MethodPost, "/api/students/stu-marc/bookings", CreateBookingsRequest{SessionIDs: []string{nextMonth}})

	// THEN: a forceable warning
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, string(credits.OutcomeExpiryWarning), body.Outcome)
	assert.True(t, body.CanForce)

	rec = s.do(http.MethodPost, "/api/students/stu-marc/bookings", CreateBookingsRequest{
		SessionIDs:        []string{nextMonth},
		BookingOptionsDTO: BookingOptionsDTO{ForceExpiry: true},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateBookings_InsufficientCredits(t *testing.T) {
	s := setupTestServer(t)
	s.load("new-package")
	require.NoError(t, s.store.SaveStudent(context.Background(), credits.Student{
		ID: "stu-new", Name: "New Kid", DateOfBirth: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	first := string(s.timetable()[0].ID)

	rec := s.do(http.MethodPost, "/api/students/stu-new/bookings", CreateBookingsRequest{SessionIDs: []string{first}})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, string(credits.OutcomeInsufficientCredits), body.Outcome)
	assert.False(t, body.CanForce)
}

func TestCancelAndDelete_NotFound(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/api/bookings/bk-nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/api/bookings/bk-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBookingLifecycle(t *testing.T) {
	s := setupTestServer(t)
	s.load("new-package")
	sessions := s.timetable()

	rec := s.do(http.MethodPost, "/api/students/stu-lucia/bookings", CreateBookingsRequest{
		SessionIDs:        []string{string(sessions[0].ID), string(sessions[1].ID)},
		BookingOptionsDTO: BookingOptionsDTO{ForceExpiry: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[BookingResultDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/bookings/"+created.BookingIDs[0]+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/students/stu-lucia/bookings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bookings := decodeBody[[]BookingDTO](t, rec)
	require.Len(t, bookings, 2)
	assert.Equal(t, string(credits.BookingCancelled), bookings[0].Status)

	rec = s.do(http.MethodGet, "/api/students/stu-lucia/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 4)
	assert.Equal(t, "Booking cancelled", entries[3].Label)

	rec = s.do(http.MethodDelete, "/api/students/stu-lucia/bookings/future", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[BookingResultDTO](t, rec).DeletedCount)

	rec = s.do(http.MethodGet, "/api/students/stu-lucia/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, decodeBody[BalanceDTO](t, rec).TotalRemaining)
}

// =============================================================================
// PURCHASES AND PAYMENTS
// =============================================================================

func TestPurchase_ValidatesAndAttributes(t *testing.T) {
	s := setupTestServer(t)
	s.load("new-package")

	rec := s.do(http.MethodPost, "/api/students/stu-lucia/purchases", PurchaseRequest{
		CatalogItemID: "pack-4", Method: "OUTSTANDING", Amount: "52.00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/students/stu-lucia/purchases", PurchaseRequest{
		CatalogItemID: "pack-4", Method: "CASH", Amount: "lots",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/students/stu-lucia/purchases", PurchaseRequest{
		CatalogItemID: "pack-4", Method: "CASH", Amount: "52.00",
	}, ActorHeader, "desk-anna")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decodeBody[PurchaseDTO](t, rec)
	assert.Equal(t, 4, purchase.Grant.TotalCredits)
	assert.Equal(t, string(credits.GrantPendingActivation), purchase.Grant.Status)

	audit, err := s.store.AuditLog(context.Background(), "student:stu-lucia", 10)
	require.NoError(t, err)
	var actors []string
	for _, a := range audit {
		actors = append(actors, a.Actor)
	}
	assert.ElementsMatch(t, []string{"system", "desk-anna"}, actors)
}

func TestSettlePayment_OnlyOnce(t *testing.T) {
	// GIVEN: Nora's pay-later package
	s := setupTestServer(t)
	s.load("pay-later")
	rec := s.do(http.MethodGet, "/api/students/stu-nora/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[BalanceDTO](t, rec)
	require.Len(t, balance.Grants, 1)
	assert.True(t, balance.Grants[0].Outstanding)
	assert.Equal(t, 4, balance.Grants[0].RemainingCredits)
	paymentID := balance.Grants[0].PaymentID

	// WHEN: paid by card
	rec = s.do(http.MethodPost, "/api/payments/"+paymentID+"/settle", SettlePaymentRequest{Method: "CARD"})

	// THEN: completed, and a second settle conflicts
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(credits.PaymentCompleted), decodeBody[PaymentDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/payments/"+paymentID+"/settle", SettlePaymentRequest{Method: "CARD"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/grants/"+balance.Grants[0].ID+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[ReconciliationDTO](t, rec).Balanced)
}
