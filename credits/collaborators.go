package credits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERENCE DATA - Read-only collaborators
// =============================================================================

// Student is the part of a student record pricing needs.
type Student struct {
	ID          StudentID
	Name        string
	DateOfBirth time.Time
	SkillLevel  string
}

// AgePrice is a price that applies to ages MinAge..MaxAge inclusive.
type AgePrice struct {
	MinAge int
	MaxAge int
	Price  decimal.Decimal
}

// PriceForAge returns the first bracket matching age.
func PriceForAge(brackets []AgePrice, age int) (decimal.Decimal, bool) {
	for _, b := range brackets {
		if age >= b.MinAge && age <= b.MaxAge {
			return b.Price, true
		}
	}
	return decimal.Zero, false
}

// CatalogItem is a purchasable package of credits.
type CatalogItem struct {
	ID          CatalogItemID
	Name        string
	CreditCount int
	FlatPrice   decimal.Decimal
	PriceByAge  []AgePrice
	Trial       bool
}

// PriceFor returns the bracket price for age, or the flat price.
func (c CatalogItem) PriceFor(age int) decimal.Decimal {
	if p, ok := PriceForAge(c.PriceByAge, age); ok {
		return p
	}
	return c.FlatPrice
}

// Session is a materialised class session.
type Session struct {
	ID         SessionID
	Name       string
	StartsAt   time.Time
	Capacity   int
	FlatPrice  decimal.Decimal
	PriceByAge []AgePrice
}

// PriceFor returns the single-class price for age, or the flat price.
func (s Session) PriceFor(age int) decimal.Decimal {
	if p, ok := PriceForAge(s.PriceByAge, age); ok {
		return p
	}
	return s.FlatPrice
}

type SessionLookup interface {
	Session(ctx context.Context, id SessionID) (*Session, error)
}

type CatalogLookup interface {
	CatalogItem(ctx context.Context, id CatalogItemID) (*CatalogItem, error)
}

type StudentLookup interface {
	Student(ctx context.Context, id StudentID) (*Student, error)
}

// =============================================================================
// AUDIT SINK - Fire-and-forget
// =============================================================================

type AuditAction string

const (
	AuditBookingCreated   AuditAction = "booking_created"
	AuditBookingsReplaced AuditAction = "bookings_replaced"
	AuditBookingCancelled AuditAction = "booking_cancelled"
	AuditBookingDeleted   AuditAction = "booking_deleted"
	AuditBookingsBulkDel  AuditAction = "bookings_bulk_deleted"
	AuditPackagePurchased AuditAction = "package_purchased"
	AuditPaymentSettled   AuditAction = "payment_settled"
	AuditDebtPurged       AuditAction = "debt_purged"
)

// AuditSink records who did what. Failures never affect the booking that
// triggered the record.
type AuditSink interface {
	Record(ctx context.Context, action AuditAction, entityRef string, details map[string]any) error
}

// NopAudit discards every record.
type NopAudit struct{}

func (NopAudit) Record(context.Context, AuditAction, string, map[string]any) error { return nil }
