package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/settlement"
	"kasirinaja/memberpos/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIRINAJA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRINAJA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestCheckoutDebitsGiftCardAndPoints(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: fmt.Sprintf("IT Customer %d", stamp), LoyaltyPoints: 500})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	card, err := s.CreateGiftCard(ctx, domain.GiftCard{Code: fmt.Sprintf("IT-%d", stamp), Balance: decimal.NewFromInt(30), Active: true})
	if err != nil {
		t.Fatalf("create gift card: %v", err)
	}
	idempotencyKey := fmt.Sprintf("idem-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transactions WHERE idempotency_key = $1`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM gift_cards WHERE id = $1`, card.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customer.ID)
	})

	total := decimal.RequireFromString("12.50")
	tx := domain.Transaction{
		IdempotencyKey: idempotencyKey,
		StoreID:        "main-store",
		CashierID:      "cashier",
		CustomerID:     customer.ID,
		PaymentMethod:  string(settlement.TenderGiftCard),
		GiftCardID:     card.ID,
		Subtotal:       total,
		Total:          total,
		PointsRedeemed: 100,
		PointsEarned:   12,
		Items:          []domain.TransactionLine{{SKU: "SKU-IT", Name: "Item", Qty: 1, UnitPrice: total}},
	}
	if _, err := s.CreateCheckout(ctx, tx); err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	replayed, err := s.CreateCheckout(ctx, tx)
	if err != nil {
		t.Fatalf("replay checkout: %v", err)
	}
	if replayed.IdempotencyKey != idempotencyKey {
		t.Fatalf("expected replayed transaction, got %+v", replayed)
	}

	gotCard, err := s.GetGiftCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get gift card: %v", err)
	}
	if gotCard.Balance.StringFixed(2) != "17.50" {
		t.Fatalf("expected gift card balance 17.50, got %s", gotCard.Balance.StringFixed(2))
	}
	gotCustomer, err := s.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if gotCustomer.LoyaltyPoints != 412 {
		t.Fatalf("expected 412 loyalty points, got %d", gotCustomer.LoyaltyPoints)
	}
}

func TestMembershipVersionAndInvoiceUniqueness(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	plan, err := s.CreatePlan(ctx, domain.MembershipPlan{
		Name:            fmt.Sprintf("IT Plan %d", stamp),
		Price:           decimal.RequireFromString("19.99"),
		BillingType:     membership.BillingTypeRecurring,
		BillingInterval: membership.IntervalMonthly,
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	m, err := membership.Start(plan.Lifecycle(), fmt.Sprintf("cust-it-%d", stamp), time.Now())
	if err != nil {
		t.Fatalf("start membership: %v", err)
	}
	created, err := s.CreateMembership(ctx, m)
	if err != nil {
		t.Fatalf("create membership: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM membership_invoices WHERE membership_id = $1`, created.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customer_memberships WHERE id = $1`, created.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM membership_plans WHERE id = $1`, plan.ID)
	})

	cancelled, err := membership.Transition(*created, membership.EventCancel, time.Now())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	updated, err := s.UpdateMembership(ctx, cancelled, created.Version)
	if err != nil {
		t.Fatalf("update membership: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Fatalf("expected version %d, got %d", created.Version+1, updated.Version)
	}
	if _, err := s.UpdateMembership(ctx, cancelled, created.Version); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	inv := domain.Invoice{
		MembershipID: created.ID,
		CustomerID:   created.CustomerID,
		PlanID:       plan.ID,
		PeriodStart:  created.NextBillingDate,
		PeriodEnd:    membership.AddInterval(created.NextBillingDate, plan.BillingInterval),
		Amount:       plan.Price,
		Total:        plan.Price,
		DueDate:      created.NextBillingDate.AddDate(0, 0, 3),
	}
	if _, err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, err := s.CreateInvoice(ctx, inv); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate invoice error, got %v", err)
	}
}
