package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/membership"
)

type MembershipPlan struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Price           decimal.Decimal        `json:"price"`
	BillingType     membership.BillingType `json:"billing_type"`
	BillingInterval membership.Interval    `json:"billing_interval"`
	TrialDays       int                    `json:"trial_days"`
	BenefitIDs      []string               `json:"benefit_ids"`
	IsActive        bool                   `json:"is_active"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Lifecycle returns the subset of p the billing state machine needs.
func (p MembershipPlan) Lifecycle() membership.Plan {
	return membership.Plan{
		ID:              p.ID,
		Price:           p.Price,
		BillingType:     p.BillingType,
		BillingInterval: p.BillingInterval,
		TrialDays:       p.TrialDays,
	}
}

type Benefit struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	BenefitType string          `json:"benefit_type"`
	Value       decimal.Decimal `json:"value"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PlanLocation struct {
	PlanID     string    `json:"plan_id"`
	LocationID string    `json:"location_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// MembershipView is a customer membership joined with its plan.
type MembershipView struct {
	membership.Membership
	PlanName  string          `json:"plan_name"`
	PlanPrice decimal.Decimal `json:"plan_price"`
}

type BillingSettings struct {
	GracePeriodDays     int             `json:"grace_period_days"`
	AutoCancelAfterDays int             `json:"auto_cancel_after_days"`
	TaxRatePercent      decimal.Decimal `json:"tax_rate_percent"`
	InvoicePrefix       string          `json:"invoice_prefix"`
	AutoBillingEnabled  bool            `json:"auto_billing_enabled"`
	Currency            string          `json:"currency"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func DefaultBillingSettings() BillingSettings {
	return BillingSettings{
		GracePeriodDays:     3,
		AutoCancelAfterDays: 30,
		TaxRatePercent:      decimal.Zero,
		InvoicePrefix:       "INV",
		AutoBillingEnabled:  false,
		Currency:            "USD",
	}
}

type UsageRecord struct {
	ID            string          `json:"id"`
	MembershipID  string          `json:"membership_id"`
	CustomerID    string          `json:"customer_id"`
	BenefitID     string          `json:"benefit_id"`
	Quantity      int             `json:"quantity"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	UsedAt        time.Time       `json:"used_at"`
}

type UsageFilter struct {
	MembershipID string
	CustomerID   string
	Limit        int
}

type Invoice struct {
	ID           string          `json:"id"`
	Number       string          `json:"number"`
	MembershipID string          `json:"membership_id"`
	CustomerID   string          `json:"customer_id"`
	PlanID       string          `json:"plan_id"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	Amount       decimal.Decimal `json:"amount"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	Total        decimal.Decimal `json:"total"`
	Status       string          `json:"status"`
	DueDate      time.Time       `json:"due_date"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Overdue reports whether inv is still open after its due date.
func (inv Invoice) Overdue(asOf time.Time) bool {
	return inv.Status == InvoiceStatusOpen && inv.DueDate.Before(asOf)
}

type InvoiceFilter struct {
	MembershipID string
	Status       string
	Limit        int
}

const (
	InvoiceStatusOpen = "open"
	InvoiceStatusPaid = "paid"
)

type BillingRunIssue struct {
	MembershipID string `json:"membership_id"`
	Error        string `json:"error"`
}

type BillingRunResult struct {
	RunID          string            `json:"run_id"`
	AsOf           string            `json:"as_of"`
	DryRun         bool              `json:"dry_run"`
	Examined       int               `json:"examined"`
	InvoicesIssued int               `json:"invoices_issued"`
	MarkedPastDue  int               `json:"marked_past_due"`
	Cancelled      int               `json:"cancelled"`
	Expired        int               `json:"expired"`
	Skipped        int               `json:"skipped"`
	Issues         []BillingRunIssue `json:"issues"`
	FinishedAt     time.Time         `json:"finished_at"`
}

type DashboardStats struct {
	TotalMembers            int             `json:"total_members"`
	TrialMembers            int             `json:"trial_members"`
	ActiveMembers           int             `json:"active_members"`
	PastDueMembers          int             `json:"past_due_members"`
	CancelledMembers        int             `json:"cancelled_members"`
	ExpiredMembers          int             `json:"expired_members"`
	MonthlyRecurringRevenue decimal.Decimal `json:"monthly_recurring_revenue"`
	OpenInvoiceTotal        decimal.Decimal `json:"open_invoice_total"`
	OverdueInvoiceTotal     decimal.Decimal `json:"overdue_invoice_total"`
	RevenueThisMonth        decimal.Decimal `json:"revenue_this_month"`
	RenewalsNext7Days       int             `json:"renewals_next_7_days"`
	ChurnRate30Days         float64         `json:"churn_rate_30_days"`
	GeneratedAt             time.Time       `json:"generated_at"`
}

type PlanCreateRequest struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Price           decimal.Decimal        `json:"price"`
	BillingType     membership.BillingType `json:"billing_type"`
	BillingInterval membership.Interval    `json:"billing_interval"`
	TrialDays       int                    `json:"trial_days"`
	BenefitIDs      []string               `json:"benefit_ids"`
	IsActive        *bool                  `json:"is_active,omitempty"`
}

// PlanUpdateRequest changes only the fields that are set.
type PlanUpdateRequest struct {
	PlanID          string                  `json:"plan_id"`
	Name            *string                 `json:"name,omitempty"`
	Description     *string                 `json:"description,omitempty"`
	Price           *decimal.Decimal        `json:"price,omitempty"`
	BillingType     *membership.BillingType `json:"billing_type,omitempty"`
	BillingInterval *membership.Interval    `json:"billing_interval,omitempty"`
	TrialDays       *int                    `json:"trial_days,omitempty"`
	BenefitIDs      *[]string               `json:"benefit_ids,omitempty"`
	IsActive        *bool                   `json:"is_active,omitempty"`
}

type PlanLocationsRequest struct {
	PlanID      string   `json:"plan_id"`
	LocationIDs []string `json:"location_ids"`
}

type BenefitCreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	BenefitType string          `json:"benefit_type"`
	Value       decimal.Decimal `json:"value"`
	IsActive    *bool           `json:"is_active,omitempty"`
}

type MembershipCreateRequest struct {
	CustomerID string `json:"customer_id"`
	PlanID     string `json:"plan_id"`
	LocationID string `json:"location_id"`
	StartDate  string `json:"start_date"`
}

// MembershipUpdateRequest is an administrative change to one membership.
// Status and BillingStatus name the target state; the change is applied as
// the lifecycle event that leads there.
type MembershipUpdateRequest struct {
	MembershipID    string                    `json:"membership_id"`
	Status          *membership.Status        `json:"status,omitempty"`
	BillingStatus   *membership.BillingStatus `json:"billing_status,omitempty"`
	NextBillingDate *string                   `json:"next_billing_date,omitempty"`
	Reactivate      bool                      `json:"reactivate"`
	ManagerPIN      string                    `json:"manager_pin,omitempty"`
	ExpectedVersion *int64                    `json:"expected_version,omitempty"`
}

type BillingSettingsUpdateRequest struct {
	GracePeriodDays     *int             `json:"grace_period_days,omitempty"`
	AutoCancelAfterDays *int             `json:"auto_cancel_after_days,omitempty"`
	TaxRatePercent      *decimal.Decimal `json:"tax_rate_percent,omitempty"`
	InvoicePrefix       *string          `json:"invoice_prefix,omitempty"`
	AutoBillingEnabled  *bool            `json:"auto_billing_enabled,omitempty"`
	Currency            *string          `json:"currency,omitempty"`
}

type UsageRecordRequest struct {
	MembershipID  string          `json:"membership_id"`
	BenefitID     string          `json:"benefit_id"`
	Quantity      int             `json:"quantity"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
}

type BillingRunRequest struct {
	AsOf   string `json:"as_of"`
	DryRun bool   `json:"dry_run"`
}
