package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURCHASE DESK - Paid packages and settling debt
// =============================================================================

var (
	ErrInvalidMethod     = errors.New("invalid payment method")
	ErrPaymentNotPending = errors.New("payment is not outstanding")
)

type PurchaseRequest struct {
	StudentID StudentID
	Item      CatalogItem
	Method    PaymentMethod
	Amount    decimal.Decimal // what was actually paid; never derived here
	StartDate time.Time       // FIFO position; zero means now
}

// Purchase records a completed payment and the grant it buys. The grant
// starts PENDING_ACTIVATION; its month is decided by its first booking.
func (e *Engine) Purchase(ctx context.Context, uow UnitOfWork, req PurchaseRequest) (*Grant, *Payment, error) {
	if !req.Method.Valid() || req.Method == MethodOutstanding {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if req.Amount.IsNegative() {
		return nil, nil, fmt.Errorf("purchase amount %s is negative", req.Amount)
	}
	if req.Item.CreditCount <= 0 {
		return nil, nil, fmt.Errorf("catalog item %s has no credits", req.Item.ID)
	}

	now := e.now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}

	payment := Payment{
		ID:        PaymentID(newID()),
		StudentID: req.StudentID,
		Amount:    req.Amount,
		Method:    req.Method,
		Status:    PaymentCompleted,
		CreatedAt: now,
		SettledAt: &now,
	}
	if err := uow.Payments().Create(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("create payment: %w", err)
	}

	grant := Grant{
		ID:               GrantID(newID()),
		StudentID:        req.StudentID,
		CatalogItemID:    req.Item.ID,
		PaymentID:        payment.ID,
		TotalCredits:     req.Item.CreditCount,
		RemainingCredits: req.Item.CreditCount,
		Status:           GrantPendingActivation,
		StartDate:        start,
		CreatedAt:        now,
	}
	if err := uow.Grants().Create(ctx, grant); err != nil {
		return nil, nil, fmt.Errorf("create grant: %w", err)
	}

	entry := LedgerEntry{
		ID:        LedgerEntryID(newID()),
		StudentID: req.StudentID,
		GrantID:   grant.ID,
		Type:      EntryCredit,
		Amount:    grant.TotalCredits,
		Reason:    ReasonPackagePurchase,
		CreatedAt: now,
	}
	if err := uow.Ledger().Append(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("append purchase entry: %w", err)
	}
	return &grant, &payment, nil
}

// SettlePayment marks an outstanding payment as collected with method.
// A grant funded by it stops being a debt placeholder and will no longer
// be purged.
func (e *Engine) SettlePayment(ctx context.Context, uow UnitOfWork, id PaymentID, method PaymentMethod) (*Payment, error) {
	if !method.Valid() || method == MethodOutstanding {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	p, err := uow.Payments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOutstandingDebt() {
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrPaymentNotPending, p.ID, p.Method, p.Status)
	}
	now := e.now()
	p.Method = method
	p.Status = PaymentCompleted
	p.SettledAt = &now
	if err := uow.Payments().Update(ctx, *p); err != nil {
		return nil, fmt.Errorf("settle payment %s: %w", id, err)
	}
	return p, nil
}
