package store

import (
	"context"
	"errors"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("version conflict")
	ErrDuplicate           = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

type Repository interface {
	CheckoutStore
	MembershipStore

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type CheckoutStore interface {
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	CreateGiftCard(ctx context.Context, card domain.GiftCard) (*domain.GiftCard, error)
	GetGiftCard(ctx context.Context, id string) (*domain.GiftCard, error)
	GetGiftCardByCode(ctx context.Context, code string) (*domain.GiftCard, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	// CreateCheckout persists tx and applies its side effects in one unit:
	// gift card debits, redeemed points and earned points. It fails with
	// ErrInsufficientBalance without writing anything when a card or the
	// customer's points cannot cover the amounts.
	CreateCheckout(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetDailyReport(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error)
}

type MembershipStore interface {
	ListPlans(ctx context.Context) ([]domain.MembershipPlan, error)
	GetPlan(ctx context.Context, id string) (*domain.MembershipPlan, error)
	CreatePlan(ctx context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error)
	UpdatePlan(ctx context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error)
	DeletePlan(ctx context.Context, id string) error
	ListBenefits(ctx context.Context) ([]domain.Benefit, error)
	CreateBenefit(ctx context.Context, benefit domain.Benefit) (*domain.Benefit, error)
	AddPlanLocations(ctx context.Context, planID string, locationIDs []string, at time.Time) ([]domain.PlanLocation, error)
	ListPlanLocations(ctx context.Context, planID string) ([]domain.PlanLocation, error)

	CreateMembership(ctx context.Context, m membership.Membership) (*membership.Membership, error)
	GetMembership(ctx context.Context, id string) (*membership.Membership, error)
	ListMemberships(ctx context.Context) ([]membership.Membership, error)
	ListMembershipsByCustomer(ctx context.Context, customerID string) ([]membership.Membership, error)
	// UpdateMembership writes m only if the stored version still equals
	// expectedVersion and returns the saved row with its version bumped.
	// A stale version yields ErrConflict.
	UpdateMembership(ctx context.Context, m membership.Membership, expectedVersion int64) (*membership.Membership, error)

	GetBillingSettings(ctx context.Context) (domain.BillingSettings, error)
	UpdateBillingSettings(ctx context.Context, settings domain.BillingSettings) (domain.BillingSettings, error)
	CreateUsageRecord(ctx context.Context, record domain.UsageRecord) (*domain.UsageRecord, error)
	ListUsageRecords(ctx context.Context, filter domain.UsageFilter) ([]domain.UsageRecord, error)
	// CreateInvoice fails with ErrDuplicate when an invoice for the same
	// membership and period start already exists.
	CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error)
	MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) (*domain.Invoice, error)
}
