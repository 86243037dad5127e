package memory

import (
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
)

func seedCatalog(s *Store, now time.Time) {
	for _, c := range []domain.Customer{
		{ID: "cust-dewi", Name: "Dewi Lestari", Phone: "+62811000001", Email: "dewi@example.com", LoyaltyPoints: 1500},
		{ID: "cust-budi", Name: "Budi Santoso", Phone: "+62811000002", LoyaltyPoints: 40},
		{ID: "cust-sari", Name: "Sari Wulandari", Email: "sari@example.com"},
	} {
		c.CreatedAt = now
		s.customers[c.ID] = c
	}

	for _, g := range []domain.GiftCard{
		{ID: "gc-demo-100", Code: "GIFT-100", Balance: decimal.NewFromInt(100), Active: true},
		{ID: "gc-demo-25", Code: "GIFT-25", Balance: decimal.NewFromInt(25), Active: true},
		{ID: "gc-demo-off", Code: "GIFT-OFF", Balance: decimal.NewFromInt(50), Active: false},
	} {
		g.IssuedAt = now
		s.giftCards[g.ID] = g
		s.giftCardIDByCode[g.Code] = g.ID
	}

	for _, b := range []domain.Benefit{
		{ID: "ben-coffee", Name: "Free weekly coffee", BenefitType: "free_item", Value: decimal.RequireFromString("3.50")},
		{ID: "ben-discount", Name: "Member discount", BenefitType: "percentage_discount", Value: decimal.NewFromInt(10)},
		{ID: "ben-delivery", Name: "Free delivery", BenefitType: "free_service", Value: decimal.NewFromInt(5)},
	} {
		b.IsActive = true
		b.CreatedAt = now
		s.benefits[b.ID] = b
	}

	for _, p := range []domain.MembershipPlan{
		{
			ID: "plan-basic", Name: "Basic", Description: "Member pricing on every visit",
			Price: decimal.RequireFromString("9.99"), BillingType: membership.BillingTypeRecurring,
			BillingInterval: membership.IntervalMonthly, BenefitIDs: []string{"ben-discount"},
		},
		{
			ID: "plan-gold", Name: "Gold", Description: "Two week trial, then monthly",
			Price: decimal.RequireFromString("29.99"), BillingType: membership.BillingTypeHybrid,
			BillingInterval: membership.IntervalMonthly, TrialDays: 14,
			BenefitIDs: []string{"ben-coffee", "ben-discount", "ben-delivery"},
		},
		{
			ID: "plan-annual", Name: "Annual", Description: "Yearly membership",
			Price: decimal.NewFromInt(99), BillingType: membership.BillingTypeRecurring,
			BillingInterval: membership.IntervalYearly, BenefitIDs: []string{"ben-discount", "ben-delivery"},
		},
	} {
		p.IsActive = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.plans[p.ID] = p
	}
}
