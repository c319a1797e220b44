/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the credits model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.decode, which rejects invalid bodies with 400.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// REQUESTS
// =============================================================================

// BookingOptionsDTO mirrors booking.Options.
type BookingOptionsDTO struct {
	RequestedGrantID string `json:"requested_grant_id,omitempty"`
	CatalogItemID    string `json:"catalog_item_id,omitempty"`
	AdminForce       bool   `json:"admin_force"`
	AllowOutstanding bool   `json:"allow_outstanding"`
	ForceExpiry      bool   `json:"force_expiry"`
}

func (o BookingOptionsDTO) options() booking.Options {
	return booking.Options{
		RequestedGrantID: credits.GrantID(o.RequestedGrantID),
		CatalogItemID:    credits.CatalogItemID(o.CatalogItemID),
		AdminForce:       o.AdminForce,
		AllowOutstanding: o.AllowOutstanding,
		ForceExpiry:      o.ForceExpiry,
	}
}

// CreateBookingsRequest books one or more sessions.
type CreateBookingsRequest struct {
	SessionIDs []string `json:"session_ids" validate:"required,min=1,dive,required"`
	BookingOptionsDTO
}

// ReplaceBookingsRequest swaps the student's future bookings. An empty
// list clears them.
type ReplaceBookingsRequest struct {
	SessionIDs []string `json:"session_ids" validate:"dive,required"`
	BookingOptionsDTO
}

// PurchaseRequest sells a package. Amount is a decimal string.
type PurchaseRequest struct {
	CatalogItemID string     `json:"catalog_item_id" validate:"required"`
	Method        string     `json:"method" validate:"required,oneof=CASH TRANSFER CARD"`
	Amount        string     `json:"amount" validate:"required,numeric"`
	StartDate     *time.Time `json:"start_date,omitempty"`
}

// SettlePaymentRequest records how a debt was paid.
type SettlePaymentRequest struct {
	Method string `json:"method" validate:"required,oneof=CASH TRANSFER CARD"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BookingResultDTO is returned by every booking operation that commits.
type BookingResultDTO struct {
	Outcome      string   `json:"outcome"`
	BookingIDs   []string `json:"booking_ids"`
	DeletedCount int      `json:"deleted_count"`
}

func toBookingResultDTO(res booking.Result) BookingResultDTO {
	ids := make([]string, len(res.BookingIDs))
	for i, id := range res.BookingIDs {
		ids[i] = string(id)
	}
	return BookingResultDTO{Outcome: string(res.Outcome), BookingIDs: ids, DeletedCount: res.DeletedCount}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Outcome  string `json:"outcome,omitempty"`
	Details  string `json:"details,omitempty"`
	CanForce bool   `json:"can_force,omitempty"`
}

type GrantDTO struct {
	ID               string     `json:"id"`
	CatalogItemID    string     `json:"catalog_item_id"`
	PaymentID        string     `json:"payment_id"`
	TotalCredits     int        `json:"total_credits"`
	RemainingCredits int        `json:"remaining_credits"`
	Status           string     `json:"status"`
	StartDate        time.Time  `json:"start_date"`
	ValidFrom        *time.Time `json:"valid_from,omitempty"`
	ValidUntil       *time.Time `json:"valid_until,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	UsableNow        bool       `json:"usable_now"`
	Outstanding      bool       `json:"outstanding"`
}

func toGrantDTO(g credits.Grant) GrantDTO {
	return GrantDTO{
		ID:               string(g.ID),
		CatalogItemID:    string(g.CatalogItemID),
		PaymentID:        string(g.PaymentID),
		TotalCredits:     g.TotalCredits,
		RemainingCredits: g.RemainingCredits,
		Status:           string(g.Status),
		StartDate:        g.StartDate,
		ValidFrom:        g.ValidFrom,
		ValidUntil:       g.ValidUntil,
		ExpiresAt:        g.ExpiresAt,
	}
}

type PaymentDTO struct {
	ID        string     `json:"id"`
	Amount    string     `json:"amount"`
	Method    string     `json:"method"`
	Status    string     `json:"status"`
	BookingID string     `json:"booking_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

func toPaymentDTO(p credits.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		Amount:    p.Amount.StringFixed(2),
		Method:    string(p.Method),
		Status:    string(p.Status),
		BookingID: string(p.BookingID),
		CreatedAt: p.CreatedAt,
		SettledAt: p.SettledAt,
	}
}

// PurchaseDTO is the response to a package sale.
type PurchaseDTO struct {
	Grant   GrantDTO   `json:"grant"`
	Payment PaymentDTO `json:"payment"`
}

type BalanceDTO struct {
	StudentID       string     `json:"student_id"`
	AsOf            time.Time  `json:"as_of"`
	UsableThisMonth int        `json:"usable_this_month"`
	TotalRemaining  int        `json:"total_remaining"`
	OutstandingDebt string     `json:"outstanding_debt"`
	Grants          []GrantDTO `json:"grants"`
}

func toBalanceDTO(s credits.BalanceSummary) BalanceDTO {
	dto := BalanceDTO{
		StudentID:       string(s.StudentID),
		AsOf:            s.AsOf,
		UsableThisMonth: s.UsableThisMonth,
		TotalRemaining:  s.TotalRemaining,
		OutstandingDebt: s.OutstandingDebt.StringFixed(2),
		Grants:          make([]GrantDTO, 0, len(s.Grants)),
	}
	for _, gb := range s.Grants {
		g := toGrantDTO(gb.Grant)
		g.UsableNow = gb.UsableNow
		g.Outstanding = gb.Outstanding
		dto.Grants = append(dto.Grants, g)
	}
	return dto
}

type LedgerEntryDTO struct {
	ID        string    `json:"id"`
	GrantID   string    `json:"grant_id"`
	BookingID string    `json:"booking_id,omitempty"`
	Type      string    `json:"type"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

func toLedgerDTOs(entries []credits.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:        string(e.ID),
			GrantID:   string(e.GrantID),
			BookingID: string(e.BookingID),
			Type:      string(e.Type),
			Amount:    e.Amount,
			Reason:    string(e.Reason),
			Label:     e.Reason.Label(),
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

type ReconciliationDTO struct {
	GrantID   string `json:"grant_id"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
	Initial   int    `json:"initial"`
	Debited   int    `json:"debited"`
	Refunded  int    `json:"refunded"`
	Drift     int    `json:"drift"`
	Balanced  bool   `json:"balanced"`
}

func toReconciliationDTO(r credits.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		GrantID:   string(r.GrantID),
		Total:     r.Total,
		Remaining: r.Remaining,
		Initial:   r.Initial,
		Debited:   r.Debited,
		Refunded:  r.Refunded,
		Drift:     r.Drift,
		Balanced:  r.Balanced(),
	}
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type BookingDTO struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Status         string     `json:"status"`
	GrantID        string     `json:"grant_id,omitempty"`
	CreditsCharged int        `json:"credits_charged"`
	ClassStartsAt  time.Time  `json:"class_starts_at"`
	BookedAt       time.Time  `json:"booked_at"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func toBookingDTOs(bookings []credits.Booking) []BookingDTO {
	out := make([]BookingDTO, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, BookingDTO{
			ID:             string(b.ID),
			SessionID:      string(b.SessionID),
			Status:         string(b.Status),
			GrantID:        string(b.GrantID),
			CreditsCharged: b.CreditsCharged,
			ClassStartsAt:  b.ClassStartsAt,
			BookedAt:       b.BookedAt,
			CancelledAt:    b.CancelledAt,
		})
	}
	return out
}
