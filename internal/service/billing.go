package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

const dashboardTTL = 30 * time.Second

func (s *Service) GetBillingSettings(ctx context.Context) (domain.BillingSettings, error) {
	return cached(ctx, s, cacheKeyBillingSettings, s.cacheTTL, s.repo.GetBillingSettings)
}

func (s *Service) UpdateBillingSettings(ctx context.Context, req domain.BillingSettingsUpdateRequest) (domain.BillingSettings, error) {
	settings, err := s.repo.GetBillingSettings(ctx)
	if err != nil {
		return domain.BillingSettings{}, err
	}

	if req.GracePeriodDays != nil {
		if *req.GracePeriodDays < 0 {
			return domain.BillingSettings{}, invalid("grace_period_days must not be negative")
		}
		settings.GracePeriodDays = *req.GracePeriodDays
	}
	if req.AutoCancelAfterDays != nil {
		if *req.AutoCancelAfterDays < 0 {
			return domain.BillingSettings{}, invalid("auto_cancel_after_days must not be negative")
		}
		settings.AutoCancelAfterDays = *req.AutoCancelAfterDays
	}
	if req.TaxRatePercent != nil {
		if req.TaxRatePercent.IsNegative() || req.TaxRatePercent.GreaterThan(decimal.NewFromInt(100)) {
			return domain.BillingSettings{}, invalid("tax_rate_percent must be between 0 and 100")
		}
		settings.TaxRatePercent = *req.TaxRatePercent
	}
	if req.InvoicePrefix != nil {
		prefix := strings.ToUpper(strings.TrimSpace(*req.InvoicePrefix))
		if prefix == "" {
			return domain.BillingSettings{}, invalid("invoice_prefix must not be empty")
		}
		settings.InvoicePrefix = prefix
	}
	if req.AutoBillingEnabled != nil {
		settings.AutoBillingEnabled = *req.AutoBillingEnabled
	}
	if req.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if len(currency) != 3 {
			return domain.BillingSettings{}, invalid("currency must be a 3 letter code")
		}
		settings.Currency = currency
	}
	settings.UpdatedAt = s.now()

	updated, err := s.repo.UpdateBillingSettings(ctx, settings)
	if err != nil {
		return domain.BillingSettings{}, err
	}

	s.invalidate(ctx, cacheKeyBillingSettings)
	s.logAudit(ctx, "", "billing_settings_update", "billing_settings", "default",
		fmt.Sprintf("grace=%d,auto_cancel=%d,tax=%s,auto_billing=%t", updated.GracePeriodDays, updated.AutoCancelAfterDays, updated.TaxRatePercent.String(), updated.AutoBillingEnabled))
	return updated, nil
}

func (s *Service) GetUsageTracking(ctx context.Context, filter domain.UsageFilter) ([]domain.UsageRecord, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListUsageRecords(ctx, filter)
}

func (s *Service) RecordBenefitUsage(ctx context.Context, req domain.UsageRecordRequest) (domain.UsageRecord, error) {
	if strings.TrimSpace(req.MembershipID) == "" || strings.TrimSpace(req.BenefitID) == "" {
		return domain.UsageRecord{}, invalid("membership_id and benefit_id are required")
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		return domain.UsageRecord{}, invalid("quantity must be positive")
	}
	if req.Amount.IsNegative() {
		return domain.UsageRecord{}, invalid("amount must not be negative")
	}

	m, err := s.repo.GetMembership(ctx, req.MembershipID)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	if m.Terminal() {
		return domain.UsageRecord{}, fmt.Errorf("membership %s is %s: %w", m.ID, m.BillingStatus, store.ErrConflict)
	}

	created, err := s.repo.CreateUsageRecord(ctx, domain.UsageRecord{
		MembershipID:  req.MembershipID,
		BenefitID:     req.BenefitID,
		Quantity:      req.Quantity,
		Amount:        req.Amount.Round(2),
		TransactionID: strings.TrimSpace(req.TransactionID),
		UsedAt:        s.now(),
	})
	if err != nil {
		return domain.UsageRecord{}, err
	}

	s.logAudit(ctx, m.LocationID, "membership_benefit_usage", "membership", m.ID,
		fmt.Sprintf("benefit=%s,qty=%d,amount=%s", created.BenefitID, created.Quantity, created.Amount.StringFixed(2)))
	return *created, nil
}

func (s *Service) GetBillingInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	if filter.Status != "" && filter.Status != domain.InvoiceStatusOpen && filter.Status != domain.InvoiceStatusPaid {
		return nil, invalid("status must be open or paid")
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListInvoices(ctx, filter)
}

// RecordInvoicePayment marks an open invoice paid. A past due membership
// is recovered once it holds no other overdue invoice.
func (s *Service) RecordInvoicePayment(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return domain.Invoice{}, invalid("invoice_id is required")
	}

	paid, err := s.repo.MarkInvoicePaid(ctx, invoiceID, s.now())
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "", "invoice_payment", "invoice", paid.ID,
		fmt.Sprintf("number=%s,total=%s", paid.Number, paid.Total.StringFixed(2)))
	s.invalidate(ctx, cacheKeyDashboard)

	// A concurrent billing run may bump the version between read and write.
	for attempt := 0; attempt < 3; attempt++ {
		err = s.recoverIfSettled(ctx, paid.MembershipID)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Warn("membership recovery after payment failed",
			zap.String("invoice", paid.Number),
			zap.String("membership", paid.MembershipID),
			zap.Error(err),
		)
	}
	return *paid, nil
}

func (s *Service) recoverIfSettled(ctx context.Context, membershipID string) error {
	m, err := s.repo.GetMembership(ctx, membershipID)
	if err != nil {
		return err
	}
	if m.BillingStatus != membership.BillingPastDue {
		return nil
	}

	open, err := s.repo.ListInvoices(ctx, domain.InvoiceFilter{MembershipID: membershipID, Status: domain.InvoiceStatusOpen})
	if err != nil {
		return err
	}
	now := s.now()
	for _, inv := range open {
		if inv.Overdue(now) {
			return nil
		}
	}
	_, err = s.applyEvent(ctx, *m, membership.EventPaymentRecovered, m.Version, nil)
	return err
}

// RunBilling issues due invoices and moves memberships through the
// past_due, cancel and expire steps for asOf. Only one run executes per
// process at a time. Every membership write is checked against the version
// read at the start of the run; a conflict is reported and that membership
// is left for the next run.
func (s *Service) RunBilling(ctx context.Context, req domain.BillingRunRequest) (domain.BillingRunResult, error) {
	if !s.billingMu.TryLock() {
		return domain.BillingRunResult{}, ErrBillingRunInProgress
	}
	defer s.billingMu.Unlock()

	asOf := membership.NormalizeBillingDate(s.now())
	if strings.TrimSpace(req.AsOf) != "" {
		parsed, err := parseDate(req.AsOf, "as_of")
		if err != nil {
			return domain.BillingRunResult{}, err
		}
		asOf = parsed
	}

	settings, err := s.repo.GetBillingSettings(ctx)
	if err != nil {
		return domain.BillingRunResult{}, err
	}
	plans, err := s.repo.ListPlans(ctx)
	if err != nil {
		return domain.BillingRunResult{}, err
	}
	memberships, err := s.repo.ListMemberships(ctx)
	if err != nil {
		return domain.BillingRunResult{}, err
	}
	openInvoices, err := s.repo.ListInvoices(ctx, domain.InvoiceFilter{Status: domain.InvoiceStatusOpen})
	if err != nil {
		return domain.BillingRunResult{}, err
	}

	run := &billingRun{
		svc:      s,
		asOf:     asOf,
		settings: settings,
		plans:    make(map[string]domain.MembershipPlan, len(plans)),
		open:     make(map[string][]domain.Invoice),
		result: domain.BillingRunResult{
			RunID:  xid.New("run"),
			AsOf:   asOf.Format(time.DateOnly),
			DryRun: req.DryRun,
			Issues: []domain.BillingRunIssue{},
		},
	}
	for _, plan := range plans {
		run.plans[plan.ID] = plan
	}
	for _, inv := range openInvoices {
		run.open[inv.MembershipID] = append(run.open[inv.MembershipID], inv)
	}

	for _, m := range memberships {
		if err := ctx.Err(); err != nil {
			s.metrics.ObserveBillingRun("aborted", run.result.InvoicesIssued)
			return run.result, err
		}
		run.process(ctx, m)
	}
	run.result.FinishedAt = s.now()

	outcome := "ok"
	switch {
	case req.DryRun:
		outcome = "dry_run"
	case len(run.result.Issues) > 0:
		outcome = "partial"
	}
	s.metrics.ObserveBillingRun(outcome, run.result.InvoicesIssued)

	if !req.DryRun {
		s.invalidate(ctx, cacheKeyDashboard)
		s.logAudit(ctx, "", "billing_run", "billing_run", run.result.RunID,
			fmt.Sprintf("as_of=%s,examined=%d,invoices=%d,past_due=%d,cancelled=%d,expired=%d,issues=%d",
				run.result.AsOf, run.result.Examined, run.result.InvoicesIssued, run.result.MarkedPastDue,
				run.result.Cancelled, run.result.Expired, len(run.result.Issues)))
	}
	s.logger.Info("billing run finished",
		zap.String("run_id", run.result.RunID),
		zap.String("as_of", run.result.AsOf),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("examined", run.result.Examined),
		zap.Int("invoices_issued", run.result.InvoicesIssued),
		zap.Int("issues", len(run.result.Issues)),
	)
	return run.result, nil
}

type billingRun struct {
	svc      *Service
	asOf     time.Time
	settings domain.BillingSettings
	plans    map[string]domain.MembershipPlan
	open     map[string][]domain.Invoice
	result   domain.BillingRunResult
}

func (r *billingRun) process(ctx context.Context, m membership.Membership) {
	r.result.Examined++

	plan, ok := r.plans[m.PlanID]
	if !ok {
		r.issue(m.ID, fmt.Errorf("plan %s: %w", m.PlanID, store.ErrNotFound))
		return
	}

	current := m
	var err error

	if (current.BillingStatus == membership.BillingTrial || current.BillingStatus == membership.BillingActive) &&
		!current.NextBillingDate.After(r.asOf) {
		if plan.BillingType == membership.BillingTypeOneTime {
			r.result.Skipped++
		} else {
			issued, err := r.issueInvoice(ctx, current, plan)
			if err != nil {
				r.issue(m.ID, err)
				return
			}
			if current, err = r.apply(ctx, current, membership.EventRenew); err != nil {
				r.issue(m.ID, err)
				return
			}
			if issued {
				r.result.InvoicesIssued++
			}
		}
	}

	if current.BillingStatus == membership.BillingActive && r.oldestOverdue(current.ID) != nil {
		if current, err = r.apply(ctx, current, membership.EventPaymentFailed); err != nil {
			r.issue(m.ID, err)
			return
		}
		r.result.MarkedPastDue++
	}

	if current.BillingStatus == membership.BillingPastDue && r.settings.AutoCancelAfterDays > 0 {
		if oldest := r.oldestOverdue(current.ID); oldest != nil &&
			oldest.DueDate.AddDate(0, 0, r.settings.AutoCancelAfterDays).Before(r.asOf) {
			if current, err = r.apply(ctx, current, membership.EventCancel); err != nil {
				r.issue(m.ID, err)
				return
			}
			r.result.Cancelled++
		}
	}

	if current.BillingStatus == membership.BillingCancelled && current.CancelAtPeriodEnd &&
		!current.NextBillingDate.After(r.asOf) {
		if _, err = r.apply(ctx, current, membership.EventExpire); err != nil {
			r.issue(m.ID, err)
			return
		}
		r.result.Expired++
	}
}

// issueInvoice bills the period starting at m's next billing date. It
// reports false when that period was already invoiced by an earlier run.
func (r *billingRun) issueInvoice(ctx context.Context, m membership.Membership, plan domain.MembershipPlan) (bool, error) {
	periodStart := m.NextBillingDate
	amount := plan.Price.Round(2)
	tax := amount.Mul(r.settings.TaxRatePercent).Div(decimal.NewFromInt(100)).Round(2)
	inv := domain.Invoice{
		ID:           xid.New("inv"),
		MembershipID: m.ID,
		CustomerID:   m.CustomerID,
		PlanID:       plan.ID,
		PeriodStart:  periodStart,
		PeriodEnd:    membership.AddInterval(periodStart, m.BillingInterval),
		Amount:       amount,
		TaxAmount:    tax,
		Total:        amount.Add(tax),
		Status:       domain.InvoiceStatusOpen,
		DueDate:      periodStart.AddDate(0, 0, r.settings.GracePeriodDays),
		CreatedAt:    r.svc.now(),
	}

	for _, existing := range r.open[m.ID] {
		if existing.PeriodStart.Equal(periodStart) {
			return false, nil
		}
	}
	if r.result.DryRun {
		r.open[m.ID] = append(r.open[m.ID], inv)
		return true, nil
	}

	created, err := r.svc.repo.CreateInvoice(ctx, inv)
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.open[m.ID] = append(r.open[m.ID], *created)
	return true, nil
}

func (r *billingRun) apply(ctx context.Context, m membership.Membership, ev membership.Event) (membership.Membership, error) {
	if r.result.DryRun {
		return membership.Transition(m, ev, r.svc.now())
	}
	return r.svc.applyEvent(ctx, m, ev, m.Version, nil)
}

func (r *billingRun) oldestOverdue(membershipID string) *domain.Invoice {
	var oldest *domain.Invoice
	for i, inv := range r.open[membershipID] {
		if !inv.Overdue(r.asOf) {
			continue
		}
		if oldest == nil || inv.DueDate.Before(oldest.DueDate) {
			oldest = &r.open[membershipID][i]
		}
	}
	return oldest
}

func (r *billingRun) issue(membershipID string, err error) {
	r.result.Issues = append(r.result.Issues, domain.BillingRunIssue{MembershipID: membershipID, Error: err.Error()})
	r.svc.logger.Warn("billing run skipped membership", zap.String("membership", membershipID), zap.Error(err))
}

func (s *Service) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	return cached(ctx, s, cacheKeyDashboard, min(s.cacheTTL, dashboardTTL), s.computeDashboardStats)
}

func (s *Service) computeDashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	memberships, err := s.repo.ListMemberships(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	plans, err := s.repo.ListPlans(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	invoices, err := s.repo.ListInvoices(ctx, domain.InvoiceFilter{})
	if err != nil {
		return domain.DashboardStats{}, err
	}

	planByID := make(map[string]domain.MembershipPlan, len(plans))
	for _, plan := range plans {
		planByID[plan.ID] = plan
	}

	now := s.now()
	today := membership.NormalizeBillingDate(now)
	renewalHorizon := today.AddDate(0, 0, 7)
	churnSince := now.AddDate(0, 0, -30)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	stats := domain.DashboardStats{
		TotalMembers:            len(memberships),
		MonthlyRecurringRevenue: decimal.Zero,
		OpenInvoiceTotal:        decimal.Zero,
		OverdueInvoiceTotal:     decimal.Zero,
		RevenueThisMonth:        decimal.Zero,
		GeneratedAt:             now,
	}

	churned := 0
	for _, m := range memberships {
		switch m.BillingStatus {
		case membership.BillingTrial:
			stats.TrialMembers++
		case membership.BillingActive:
			stats.ActiveMembers++
		case membership.BillingPastDue:
			stats.PastDueMembers++
		case membership.BillingCancelled:
			stats.CancelledMembers++
		case membership.BillingExpired:
			stats.ExpiredMembers++
		}

		plan, ok := planByID[m.PlanID]
		if ok && plan.BillingType != membership.BillingTypeOneTime &&
			(m.BillingStatus == membership.BillingActive || m.BillingStatus == membership.BillingPastDue) {
			stats.MonthlyRecurringRevenue = stats.MonthlyRecurringRevenue.Add(membership.MonthlyEquivalent(plan.Price, plan.BillingInterval))
		}

		if !m.Terminal() && !m.NextBillingDate.Before(today) && m.NextBillingDate.Before(renewalHorizon) {
			stats.RenewalsNext7Days++
		}
		if m.CancelledAt != nil && m.CancelledAt.After(churnSince) {
			churned++
		}
	}

	for _, inv := range invoices {
		switch inv.Status {
		case domain.InvoiceStatusOpen:
			stats.OpenInvoiceTotal = stats.OpenInvoiceTotal.Add(inv.Total)
			if inv.Overdue(today) {
				stats.OverdueInvoiceTotal = stats.OverdueInvoiceTotal.Add(inv.Total)
			}
		case domain.InvoiceStatusPaid:
			if inv.PaidAt != nil && !inv.PaidAt.Before(monthStart) {
				stats.RevenueThisMonth = stats.RevenueThisMonth.Add(inv.Total)
			}
		}
	}

	// Churn is measured against members live now plus those lost in the window.
	live := stats.TrialMembers + stats.ActiveMembers + stats.PastDueMembers
	if base := live + churned; base > 0 {
		stats.ChurnRate30Days = math.Round(float64(churned)/float64(base)*10000) / 10000
	}
	return stats, nil
}
