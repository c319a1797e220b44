package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/credits"
)

// =============================================================================
// FRONT DESK - Purchases, settlement and read views
// =============================================================================

// PurchaseRequest describes a paid package sale.
type PurchaseRequest struct {
	StudentID     credits.StudentID
	CatalogItemID credits.CatalogItemID
	Method        credits.PaymentMethod
	Amount        decimal.Decimal
	StartDate     time.Time
}

// Purchase sells a package: a completed payment plus a grant waiting for
// its first booking.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*credits.Grant, *credits.Payment, error) {
	if _, err := s.Students.Student(ctx, req.StudentID); err != nil {
		return nil, nil, fmt.Errorf("lookup student: %w", err)
	}
	item, err := s.Catalog.CatalogItem(ctx, req.CatalogItemID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup catalog item: %w", err)
	}

	var grant *credits.Grant
	var payment *credits.Payment
	err = s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		grant, payment, err = s.Engine.Purchase(ctx, uow, credits.PurchaseRequest{
			StudentID: req.StudentID,
			Item:      *item,
			Method:    req.Method,
			Amount:    req.Amount,
			StartDate: req.StartDate,
		})
		return err
	})
	if err != nil {
		s.Logger.Info("purchase rejected",
			zap.String("student_id", string(req.StudentID)),
			zap.String("catalog_item_id", string(req.CatalogItemID)),
			zap.Error(err))
		return nil, nil, err
	}

	s.record(ctx, credits.AuditPackagePurchased, "student:"+string(req.StudentID), map[string]any{
		"grant_id":   grant.ID,
		"payment_id": payment.ID,
		"credits":    grant.TotalCredits,
		"amount":     payment.Amount.String(),
		"method":     payment.Method,
	})
	return grant, payment, nil
}

// SettlePayment records that an outstanding debt has been paid.
func (s *Service) SettlePayment(ctx context.Context, id credits.PaymentID, method credits.PaymentMethod) (*credits.Payment, error) {
	var payment *credits.Payment
	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		payment, err = s.Engine.SettlePayment(ctx, uow, id, method)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, credits.AuditPaymentSettled, "payment:"+string(id), map[string]any{
		"method": method,
		"amount": payment.Amount.String(),
	})
	return payment, nil
}

// Balance returns the student's grants as seen today.
func (s *Service) Balance(ctx context.Context, studentID credits.StudentID) (*credits.BalanceSummary, error) {
	if _, err := s.Students.Student(ctx, studentID); err != nil {
		return nil, err
	}
	var summary *credits.BalanceSummary
	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		summary, err = s.Engine.Balance(ctx, uow, studentID, s.Engine.Now())
		return err
	})
	return summary, err
}

// Ledger returns the student's credit movements, oldest first.
func (s *Service) Ledger(ctx context.Context, studentID credits.StudentID) ([]credits.LedgerEntry, error) {
	if _, err := s.Students.Student(ctx, studentID); err != nil {
		return nil, err
	}
	var entries []credits.LedgerEntry
	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		entries, err = uow.Ledger().ListByStudent(ctx, studentID)
		return err
	})
	return entries, err
}

// Bookings returns every booking of the student, earliest class first.
func (s *Service) Bookings(ctx context.Context, studentID credits.StudentID) ([]credits.Booking, error) {
	var bookings []credits.Booking
	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		bookings, err = uow.Bookings().ListByStudent(ctx, studentID)
		return err
	})
	return bookings, err
}

// Reconcile checks that a grant's ledger explains its balance. Drift is
// logged at error level.
func (s *Service) Reconcile(ctx context.Context, id credits.GrantID) (*credits.Reconciliation, error) {
	var rec *credits.Reconciliation
	err := s.Store.WithTx(ctx, func(uow credits.UnitOfWork) error {
		var err error
		rec, err = s.Engine.ReconcileGrant(ctx, uow, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !rec.Balanced() {
		s.Logger.Error("grant ledger drift",
			zap.String("grant_id", string(id)),
			zap.Int("total", rec.Total),
			zap.Int("remaining", rec.Remaining),
			zap.Int("drift", rec.Drift))
	}
	return rec, nil
}
