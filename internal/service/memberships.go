package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/store"
)

func (s *Service) GetCustomerMemberships(ctx context.Context, customerID string) ([]domain.MembershipView, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, invalid("customer_id is required")
	}

	memberships, err := s.repo.ListMembershipsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	plans, err := s.planIndex(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]domain.MembershipView, 0, len(memberships))
	for _, m := range memberships {
		view := domain.MembershipView{Membership: m}
		if plan, ok := plans[m.PlanID]; ok {
			view.PlanName = plan.Name
			view.PlanPrice = plan.Price
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]domain.MembershipPlan, error) {
	return cached(ctx, s, cacheKeyPlans, s.cacheTTL, s.repo.ListPlans)
}

func (s *Service) ListBenefits(ctx context.Context) ([]domain.Benefit, error) {
	return cached(ctx, s, cacheKeyBenefits, s.cacheTTL, s.repo.ListBenefits)
}

func (s *Service) CreatePlan(ctx context.Context, req domain.PlanCreateRequest) (domain.MembershipPlan, error) {
	plan := domain.MembershipPlan{
		Name:            strings.TrimSpace(req.Name),
		Description:     strings.TrimSpace(req.Description),
		Price:           req.Price.Round(2),
		BillingType:     req.BillingType,
		BillingInterval: req.BillingInterval,
		TrialDays:       req.TrialDays,
		BenefitIDs:      req.BenefitIDs,
		IsActive:        true,
		CreatedAt:       s.now(),
	}
	if req.IsActive != nil {
		plan.IsActive = *req.IsActive
	}
	if plan.BillingInterval == "" {
		plan.BillingInterval = membership.IntervalMonthly
	}
	if err := s.validatePlan(ctx, plan); err != nil {
		return domain.MembershipPlan{}, err
	}

	created, err := s.repo.CreatePlan(ctx, plan)
	if err != nil {
		return domain.MembershipPlan{}, err
	}

	s.invalidate(ctx, cacheKeyPlans, cacheKeyDashboard)
	s.logAudit(ctx, "", "membership_plan_create", "membership_plan", created.ID,
		fmt.Sprintf("name=%s,price=%s,billing=%s/%s", created.Name, created.Price.StringFixed(2), created.BillingType, created.BillingInterval))
	return *created, nil
}

func (s *Service) UpdatePlan(ctx context.Context, req domain.PlanUpdateRequest) (domain.MembershipPlan, error) {
	if strings.TrimSpace(req.PlanID) == "" {
		return domain.MembershipPlan{}, invalid("plan_id is required")
	}
	existing, err := s.repo.GetPlan(ctx, req.PlanID)
	if err != nil {
		return domain.MembershipPlan{}, err
	}

	plan := *existing
	if req.Name != nil {
		plan.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		plan.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price != nil {
		plan.Price = req.Price.Round(2)
	}
	if req.BillingType != nil {
		plan.BillingType = *req.BillingType
	}
	if req.BillingInterval != nil {
		plan.BillingInterval = *req.BillingInterval
	}
	if req.TrialDays != nil {
		plan.TrialDays = *req.TrialDays
	}
	if req.BenefitIDs != nil {
		plan.BenefitIDs = *req.BenefitIDs
	}
	if req.IsActive != nil {
		plan.IsActive = *req.IsActive
	}
	plan.UpdatedAt = s.now()
	if err := s.validatePlan(ctx, plan); err != nil {
		return domain.MembershipPlan{}, err
	}

	updated, err := s.repo.UpdatePlan(ctx, plan)
	if err != nil {
		return domain.MembershipPlan{}, err
	}

	s.invalidate(ctx, cacheKeyPlans, cacheKeyDashboard)
	s.logAudit(ctx, "", "membership_plan_update", "membership_plan", updated.ID,
		fmt.Sprintf("price=%s,active=%t", updated.Price.StringFixed(2), updated.IsActive))
	return *updated, nil
}

func (s *Service) DeletePlan(ctx context.Context, planID string) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return invalid("plan_id is required")
	}
	if err := s.repo.DeletePlan(ctx, planID); err != nil {
		return err
	}

	s.invalidate(ctx, cacheKeyPlans, cacheKeyDashboard)
	s.logAudit(ctx, "", "membership_plan_delete", "membership_plan", planID, "")
	return nil
}

func (s *Service) CreateBenefit(ctx context.Context, req domain.BenefitCreateRequest) (domain.Benefit, error) {
	benefit := domain.Benefit{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		BenefitType: strings.TrimSpace(req.BenefitType),
		Value:       req.Value,
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if req.IsActive != nil {
		benefit.IsActive = *req.IsActive
	}
	if benefit.Name == "" {
		return domain.Benefit{}, invalid("name is required")
	}
	if benefit.BenefitType == "" {
		return domain.Benefit{}, invalid("benefit_type is required")
	}
	if benefit.Value.IsNegative() {
		return domain.Benefit{}, invalid("value must not be negative")
	}

	created, err := s.repo.CreateBenefit(ctx, benefit)
	if err != nil {
		return domain.Benefit{}, err
	}

	s.invalidate(ctx, cacheKeyBenefits)
	s.logAudit(ctx, "", "membership_benefit_create", "membership_benefit", created.ID, "type="+created.BenefitType)
	return *created, nil
}

func (s *Service) AddPlanLocations(ctx context.Context, req domain.PlanLocationsRequest) ([]domain.PlanLocation, error) {
	if strings.TrimSpace(req.PlanID) == "" {
		return nil, invalid("plan_id is required")
	}
	if len(req.LocationIDs) == 0 {
		return nil, invalid("location_ids must not be empty")
	}

	locations, err := s.repo.AddPlanLocations(ctx, req.PlanID, req.LocationIDs, s.now())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "", "membership_plan_locations_add", "membership_plan", req.PlanID, strings.Join(req.LocationIDs, ","))
	return locations, nil
}

func (s *Service) GetPlanLocations(ctx context.Context, planID string) ([]domain.PlanLocation, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, invalid("plan_id is required")
	}
	return s.repo.ListPlanLocations(ctx, planID)
}

func (s *Service) AddCustomerMembership(ctx context.Context, req domain.MembershipCreateRequest) (membership.Membership, error) {
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.PlanID) == "" {
		return membership.Membership{}, invalid("customer_id and plan_id are required")
	}
	if _, err := s.repo.GetCustomer(ctx, req.CustomerID); err != nil {
		return membership.Membership{}, fmt.Errorf("customer %s: %w", req.CustomerID, err)
	}
	plan, err := s.repo.GetPlan(ctx, req.PlanID)
	if err != nil {
		return membership.Membership{}, fmt.Errorf("plan %s: %w", req.PlanID, err)
	}
	if !plan.IsActive {
		return membership.Membership{}, invalid("plan %s is not active", plan.ID)
	}

	start := s.now()
	if strings.TrimSpace(req.StartDate) != "" {
		if start, err = parseDate(req.StartDate, "start_date"); err != nil {
			return membership.Membership{}, err
		}
	}

	m, err := membership.Start(plan.Lifecycle(), req.CustomerID, start)
	if err != nil {
		return membership.Membership{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	m.LocationID = strings.TrimSpace(req.LocationID)

	created, err := s.repo.CreateMembership(ctx, m)
	if err != nil {
		return membership.Membership{}, err
	}

	s.metrics.ObserveTransition("start", string(created.BillingStatus))
	s.invalidate(ctx, cacheKeyDashboard)
	s.logAudit(ctx, created.LocationID, "membership_create", "membership", created.ID,
		fmt.Sprintf("customer=%s,plan=%s,billing_status=%s", created.CustomerID, created.PlanID, created.BillingStatus))
	return *created, nil
}

func (s *Service) CancelCustomerMembership(ctx context.Context, membershipID string) (membership.Membership, error) {
	if strings.TrimSpace(membershipID) == "" {
		return membership.Membership{}, invalid("membership_id is required")
	}
	current, err := s.repo.GetMembership(ctx, membershipID)
	if err != nil {
		return membership.Membership{}, err
	}
	return s.applyEvent(ctx, *current, membership.EventCancel, current.Version, nil)
}

// UpdateCustomerMembership applies an administrative status change. The
// target status is translated into the lifecycle event that reaches it, so
// moves the state machine forbids are rejected here as well. Manager PIN
// checks for reactivation happen at the HTTP boundary.
func (s *Service) UpdateCustomerMembership(ctx context.Context, req domain.MembershipUpdateRequest) (membership.Membership, error) {
	if strings.TrimSpace(req.MembershipID) == "" {
		return membership.Membership{}, invalid("membership_id is required")
	}
	current, err := s.repo.GetMembership(ctx, req.MembershipID)
	if err != nil {
		return membership.Membership{}, err
	}

	expected := current.Version
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	var nextBilling *string
	if req.NextBillingDate != nil && strings.TrimSpace(*req.NextBillingDate) != "" {
		nextBilling = req.NextBillingDate
	}

	target := current.BillingStatus
	switch {
	case req.BillingStatus != nil:
		if !membership.ValidBillingStatus(*req.BillingStatus) {
			return membership.Membership{}, invalid("unknown billing_status %q", *req.BillingStatus)
		}
		target = *req.BillingStatus
	case req.Status != nil:
		target = membership.BillingStatusFor(current.BillingStatus, *req.Status)
	case req.Reactivate:
		target = membership.BillingActive
	}

	if target == current.BillingStatus && !req.Reactivate {
		if nextBilling == nil {
			return membership.Membership{}, invalid("nothing to update")
		}
		return s.applyEvent(ctx, *current, "", expected, nextBilling)
	}

	ev, err := membership.EventFor(current.BillingStatus, target, req.Reactivate)
	if err != nil {
		return membership.Membership{}, err
	}
	return s.applyEvent(ctx, *current, ev, expected, nextBilling)
}

// applyEvent runs ev through the state machine and writes the result with a
// version check. An empty ev only applies the billing date override.
func (s *Service) applyEvent(ctx context.Context, current membership.Membership, ev membership.Event, expectedVersion int64, nextBilling *string) (membership.Membership, error) {
	next := current
	if ev != "" {
		var err error
		if next, err = membership.Transition(current, ev, s.now()); err != nil {
			return membership.Membership{}, err
		}
	} else {
		next.UpdatedAt = s.now()
	}
	if nextBilling != nil {
		date, err := parseDate(*nextBilling, "next_billing_date")
		if err != nil {
			return membership.Membership{}, err
		}
		next.NextBillingDate = membership.NormalizeBillingDate(date)
	}

	saved, err := s.repo.UpdateMembership(ctx, next, expectedVersion)
	if err != nil {
		return membership.Membership{}, err
	}

	action := "membership_update"
	if ev != "" {
		action = "membership_" + string(ev)
		s.metrics.ObserveTransition(string(ev), string(saved.BillingStatus))
	}
	s.invalidate(ctx, cacheKeyDashboard)
	s.logAudit(ctx, saved.LocationID, action, "membership", saved.ID,
		fmt.Sprintf("billing_status=%s->%s,next_billing=%s,version=%d", current.BillingStatus, saved.BillingStatus, saved.NextBillingDate.Format(time.DateOnly), saved.Version))
	return *saved, nil
}

func (s *Service) validatePlan(ctx context.Context, plan domain.MembershipPlan) error {
	if plan.Name == "" {
		return invalid("name is required")
	}
	if plan.Price.IsNegative() {
		return invalid("price must not be negative")
	}
	if !membership.ValidBillingType(plan.BillingType) {
		return invalid("billing_type must be one of recurring, hybrid, one_time")
	}
	if !membership.ValidInterval(plan.BillingInterval) {
		return invalid("billing_interval must be one of weekly, monthly, quarterly, yearly")
	}
	if plan.TrialDays < 0 {
		return invalid("trial_days must not be negative")
	}
	if len(plan.BenefitIDs) == 0 {
		return nil
	}

	benefits, err := s.ListBenefits(ctx)
	if err != nil {
		return err
	}
	for _, id := range plan.BenefitIDs {
		if !slices.ContainsFunc(benefits, func(b domain.Benefit) bool { return b.ID == id }) {
			return invalid("unknown benefit %q", id)
		}
	}
	return nil
}

func (s *Service) planIndex(ctx context.Context) (map[string]domain.MembershipPlan, error) {
	plans, err := s.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]domain.MembershipPlan, len(plans))
	for _, plan := range plans {
		index[plan.ID] = plan
	}
	return index, nil
}
