/*
handlers.go - HTTP API handlers for the academy ledger

PURPOSE:
  Exposes the booking orchestrator and the front desk via REST API. Handles
  HTTP request/response, JSON serialization and validation, and delegates
  to booking.Service.

ENDPOINTS:
  Bookings:
    POST   /api/students/{id}/bookings        Book sessions
    PUT    /api/students/{id}/bookings        Replace future bookings
    DELETE /api/students/{id}/bookings/future Delete future bookings
    GET    /api/students/{id}/bookings        List bookings
    POST   /api/bookings/{id}/cancel          Cancel a booking
    DELETE /api/bookings/{id}                 Delete a booking

  Credits:
    POST   /api/students/{id}/purchases       Sell a package
    POST   /api/payments/{id}/settle          Settle outstanding debt
    GET    /api/students/{id}/balance         Balance per grant
    GET    /api/students/{id}/ledger          Ledger history
    GET    /api/grants/{id}/reconcile         Conservation check

OUTCOME → STATUS:
  SUCCESS               200 / 201
  NOT_FOUND             404
  DUPLICATE_BOOKING     409
  CAPACITY_FULL         409
  EXPIRED_NO_REFUND     409
  EXPIRY_WARNING        409 with "can_force": true
  INSUFFICIENT_CREDITS  402
  UNAUTHORIZED          401
  INTERNAL              500

ACTOR:
  An optional X-Actor header is attached to the request context and ends
  up in audit records. There is no authentication here.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *booking.Service
	Seeds   SeedStore
	Logger  *zap.Logger

	// Audit is the background ledger audit; nil disables its endpoints.
	Audit *LedgerAuditScheduler

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. seeds may be nil, which disables scenarios.
func NewHandler(svc *booking.Service, seeds SeedStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		Seeds:    seeds,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBookings books the student onto every requested session, all or nothing.
func (h *Handler) CreateBookings(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	res, err := h.Service.CreateBooking(r.Context(), studentID, sessionIDs(req.SessionIDs), req.options())
	if err != nil {
		writeOutcomeError(w, "Booking failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResultDTO(res))
}

// ReplaceBookings swaps the student's future bookings for the given sessions.
func (h *Handler) ReplaceBookings(w http.ResponseWriter, r *http.Request) {
	var req ReplaceBookingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	res, err := h.Service.ReplaceBookings(r.Context(), studentID, sessionIDs(req.SessionIDs), req.options())
	if err != nil {
		writeOutcomeError(w, "Replacing bookings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResultDTO(res))
}

// BulkDeleteFutureBookings removes every booking from today on.
func (h *Handler) BulkDeleteFutureBookings(w http.ResponseWriter, r *http.Request) {
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	res, err := h.Service.BulkDeleteFutureBookings(r.Context(), studentID)
	if err != nil {
		writeOutcomeError(w, "Deleting future bookings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResultDTO(res))
}

// ListBookings returns every booking of a student.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	bookings, err := h.Service.Bookings(r.Context(), studentID)
	if err != nil {
		writeOutcomeError(w, "Failed to list bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// CancelBooking cancels one booking and refunds its credit.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := credits.BookingID(chi.URLParam(r, "id"))

	res, err := h.Service.CancelBooking(r.Context(), id)
	if err != nil {
		writeOutcomeError(w, "Cancelling booking failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResultDTO(res))
}

// DeleteBooking removes one booking and refunds its credit.
func (h *Handler) DeleteBooking(w http.ResponseWriter, r *http.Request) {
	id := credits.BookingID(chi.URLParam(r, "id"))

	res, err := h.Service.DeleteBooking(r.Context(), id)
	if err != nil {
		writeOutcomeError(w, "Deleting booking failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResultDTO(res))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// Purchase sells a package to the student.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	purchase := booking.PurchaseRequest{
		StudentID:     credits.StudentID(chi.URLParam(r, "id")),
		CatalogItemID: credits.CatalogItemID(req.CatalogItemID),
		Method:        credits.PaymentMethod(req.Method),
		Amount:        amount,
	}
	if req.StartDate != nil {
		purchase.StartDate = *req.StartDate
	}

	grant, payment, err := h.Service.Purchase(r.Context(), purchase)
	if err != nil {
		writeOutcomeError(w, "Purchase failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseDTO{Grant: toGrantDTO(*grant), Payment: toPaymentDTO(*payment)})
}

// SettlePayment marks an outstanding payment as paid.
func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	var req SettlePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := credits.PaymentID(chi.URLParam(r, "id"))

	payment, err := h.Service.SettlePayment(r.Context(), id, credits.PaymentMethod(req.Method))
	if err != nil {
		writeOutcomeError(w, "Settling payment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// GetBalance returns the student's balance per grant.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	summary, err := h.Service.Balance(r.Context(), studentID)
	if err != nil {
		writeOutcomeError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*summary))
}

// GetLedger returns the student's credit movements.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	studentID := credits.StudentID(chi.URLParam(r, "id"))

	entries, err := h.Service.Ledger(r.Context(), studentID)
	if err != nil {
		writeOutcomeError(w, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTOs(entries))
}

// ReconcileGrant checks a grant's balance against its ledger.
func (h *Handler) ReconcileGrant(w http.ResponseWriter, r *http.Request) {
	id := credits.GrantID(chi.URLParam(r, "id"))

	rec, err := h.Service.Reconcile(r.Context(), id)
	if err != nil {
		writeOutcomeError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "Invalid field "+verrs[0].Field(), err)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func sessionIDs(ids []string) []credits.SessionID {
	out := make([]credits.SessionID, len(ids))
	for i, id := range ids {
		out[i] = credits.SessionID(id)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeOutcomeError maps err to its outcome and HTTP status.
func writeOutcomeError(w http.ResponseWriter, message string, err error) {
	outcome := credits.OutcomeOf(err)
	status := statusFor(outcome)

	switch {
	case errors.Is(err, credits.ErrInvalidMethod), errors.Is(err, credits.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, credits.ErrPaymentNotPending), errors.Is(err, credits.ErrTrialNotOutstanding):
		status = http.StatusConflict
	}

	writeJSON(w, status, ErrorResponse{
		Error:    message,
		Outcome:  string(outcome),
		Details:  err.Error(),
		CanForce: outcome == credits.OutcomeExpiryWarning,
	})
}

func statusFor(o credits.Outcome) int {
	switch o {
	case credits.OutcomeSuccess:
		return http.StatusOK
	case credits.OutcomeNotFound:
		return http.StatusNotFound
	case credits.OutcomeDuplicateBooking, credits.OutcomeCapacityFull,
		credits.OutcomeExpiredNoRefund, credits.OutcomeExpiryWarning:
		return http.StatusConflict
	case credits.OutcomeInsufficientCredits:
		return http.StatusPaymentRequired
	case credits.OutcomeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
