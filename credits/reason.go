package credits

// LedgerReason is the closed set of reasons a ledger entry can carry.
// Branching code compares these values; Label is for display only.
type LedgerReason string

const (
	ReasonPackagePurchase            LedgerReason = "PACKAGE_PURCHASE"
	ReasonPackagePurchaseOutstanding LedgerReason = "PACKAGE_PURCHASE_OUTSTANDING"
	ReasonBookingCreated             LedgerReason = "BOOKING_CREATED"
	ReasonBookingCancelled           LedgerReason = "BOOKING_CANCELLED"
	ReasonBookingDeleted             LedgerReason = "BOOKING_DELETED"
	ReasonBookingReplaced            LedgerReason = "BOOKING_REPLACED"
)

var reasonLabels = map[LedgerReason]string{
	ReasonPackagePurchase:            "Package purchase",
	ReasonPackagePurchaseOutstanding: "Package booked, payment outstanding",
	ReasonBookingCreated:             "Class booked",
	ReasonBookingCancelled:           "Booking cancelled",
	ReasonBookingDeleted:             "Booking removed",
	ReasonBookingReplaced:            "Schedule changed",
}

// Valid reports whether r is a known reason.
func (r LedgerReason) Valid() bool {
	_, ok := reasonLabels[r]
	return ok
}

// Label returns the human-readable text for r.
func (r LedgerReason) Label() string {
	if l, ok := reasonLabels[r]; ok {
		return l
	}
	return string(r)
}
