// Package membership owns the billing lifecycle of a customer membership.
// All status changes go through Transition so that the allowed moves are
// defined in one table instead of at every call site.
package membership

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BillingStatus string

const (
	BillingTrial     BillingStatus = "trial"
	BillingActive    BillingStatus = "active"
	BillingPastDue   BillingStatus = "past_due"
	BillingCancelled BillingStatus = "cancelled"
	BillingExpired   BillingStatus = "expired"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type BillingType string

const (
	BillingTypeRecurring BillingType = "recurring"
	BillingTypeHybrid    BillingType = "hybrid"
	BillingTypeOneTime   BillingType = "one_time"
)

type Interval string

const (
	IntervalWeekly    Interval = "weekly"
	IntervalMonthly   Interval = "monthly"
	IntervalQuarterly Interval = "quarterly"
	IntervalYearly    Interval = "yearly"
)

var ErrInvalidPlan = errors.New("invalid membership plan")

// Plan carries the fields of a membership plan the lifecycle depends on.
type Plan struct {
	ID              string          `json:"id"`
	Price           decimal.Decimal `json:"price"`
	BillingType     BillingType     `json:"billing_type"`
	BillingInterval Interval        `json:"billing_interval"`
	TrialDays       int             `json:"trial_days"`
}

func (p Plan) Validate() error {
	if p.ID == "" || p.Price.IsNegative() || p.TrialDays < 0 {
		return ErrInvalidPlan
	}
	if !ValidBillingType(p.BillingType) || !ValidInterval(p.BillingInterval) {
		return ErrInvalidPlan
	}
	return nil
}

type Membership struct {
	ID                string        `json:"id"`
	CustomerID        string        `json:"customer_id"`
	PlanID            string        `json:"plan_id"`
	LocationID        string        `json:"location_id,omitempty"`
	Status            Status        `json:"status"`
	BillingStatus     BillingStatus `json:"billing_status"`
	BillingInterval   Interval      `json:"billing_interval"`
	StartDate         time.Time     `json:"start_date"`
	TrialEndDate      *time.Time    `json:"trial_end_date,omitempty"`
	NextBillingDate   time.Time     `json:"next_billing_date"`
	CancelledAt       *time.Time    `json:"cancelled_at,omitempty"`
	CancelAtPeriodEnd bool          `json:"cancel_at_period_end"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Terminal reports whether no billing happens for m any more without an
// explicit reactivation.
func (m Membership) Terminal() bool {
	return m.BillingStatus == BillingCancelled || m.BillingStatus == BillingExpired
}

// Start builds a new membership on plan for customerID. Hybrid plans with
// trial days begin in trial and bill when the trial ends; everything else
// is active immediately and bills one interval later.
func Start(plan Plan, customerID string, now time.Time) (Membership, error) {
	if err := plan.Validate(); err != nil {
		return Membership{}, err
	}
	if customerID == "" {
		return Membership{}, fmt.Errorf("customer id is required")
	}

	today := NormalizeBillingDate(now)
	m := Membership{
		CustomerID:      customerID,
		PlanID:          plan.ID,
		Status:          StatusActive,
		BillingInterval: plan.BillingInterval,
		StartDate:       today,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}

	if plan.BillingType == BillingTypeHybrid && plan.TrialDays > 0 {
		trialEnd := today.AddDate(0, 0, plan.TrialDays)
		m.BillingStatus = BillingTrial
		m.TrialEndDate = &trialEnd
		m.NextBillingDate = trialEnd
		return m, nil
	}

	m.BillingStatus = BillingActive
	m.NextBillingDate = AddInterval(today, plan.BillingInterval)
	return m, nil
}

// AddInterval moves t forward by one billing interval. Month based
// intervals land on the last day of the target month when t's day does not
// exist there, so Jan 31 is followed by Feb 28/29.
func AddInterval(t time.Time, interval Interval) time.Time {
	switch interval {
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalQuarterly:
		return addMonthsClamped(t, 3)
	case IntervalYearly:
		return addMonthsClamped(t, 12)
	default:
		return addMonthsClamped(t, 1)
	}
}

// MonthlyEquivalent normalises a plan price to one month.
func MonthlyEquivalent(price decimal.Decimal, interval Interval) decimal.Decimal {
	switch interval {
	case IntervalWeekly:
		return price.Mul(decimal.NewFromInt(52)).Div(decimal.NewFromInt(12)).Round(2)
	case IntervalQuarterly:
		return price.Div(decimal.NewFromInt(3)).Round(2)
	case IntervalYearly:
		return price.Div(decimal.NewFromInt(12)).Round(2)
	default:
		return price.Round(2)
	}
}

// NormalizeBillingDate returns UTC midnight of t's calendar date in UTC.
func NormalizeBillingDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func ValidInterval(interval Interval) bool {
	switch interval {
	case IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	}
	return false
}

func ValidBillingType(bt BillingType) bool {
	switch bt {
	case BillingTypeRecurring, BillingTypeHybrid, BillingTypeOneTime:
		return true
	}
	return false
}

func ValidBillingStatus(s BillingStatus) bool {
	switch s {
	case BillingTrial, BillingActive, BillingPastDue, BillingCancelled, BillingExpired:
		return true
	}
	return false
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}
