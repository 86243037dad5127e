package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

func (s *Store) ListPlans(_ context.Context) ([]domain.MembershipPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MembershipPlan, 0, len(s.plans))
	for _, plan := range s.plans {
		result = append(result, clonePlan(plan))
	}
	slices.SortFunc(result, func(a, b domain.MembershipPlan) int {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*domain.MembershipPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	plan = clonePlan(plan)
	return &plan, nil
}

func (s *Store) CreatePlan(_ context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(plan.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if plan.ID == "" {
		plan.ID = xid.New("plan")
	}
	if _, exists := s.plans[plan.ID]; exists {
		return nil, store.ErrDuplicate
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = plan.CreatedAt
	if err := plan.Lifecycle().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	plan = clonePlan(plan)
	s.plans[plan.ID] = plan
	plan = clonePlan(plan)
	return &plan, nil
}

func (s *Store) UpdatePlan(_ context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.plans[plan.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(plan.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if err := plan.Lifecycle().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	plan.CreatedAt = existing.CreatedAt
	if plan.UpdatedAt.IsZero() {
		plan.UpdatedAt = time.Now().UTC()
	}
	plan = clonePlan(plan)
	s.plans[plan.ID] = plan
	plan = clonePlan(plan)
	return &plan, nil
}

// DeletePlan refuses while a non-terminal membership still references the
// plan; deleting it would orphan future billing.
func (s *Store) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return store.ErrNotFound
	}
	for _, m := range s.memberships {
		if m.PlanID == id && !m.Terminal() {
			return fmt.Errorf("plan %s has live memberships: %w", id, store.ErrConflict)
		}
	}
	delete(s.plans, id)
	delete(s.planLocations, id)
	return nil
}

func (s *Store) ListBenefits(_ context.Context) ([]domain.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Benefit, 0, len(s.benefits))
	for _, benefit := range s.benefits {
		result = append(result, benefit)
	}
	slices.SortFunc(result, func(a, b domain.Benefit) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateBenefit(_ context.Context, benefit domain.Benefit) (*domain.Benefit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(benefit.Name) == "" || benefit.Value.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if benefit.ID == "" {
		benefit.ID = xid.New("ben")
	}
	if _, exists := s.benefits[benefit.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if benefit.CreatedAt.IsZero() {
		benefit.CreatedAt = time.Now().UTC()
	}
	s.benefits[benefit.ID] = benefit
	return &benefit, nil
}

// AddPlanLocations links the plan to each location once; repeated ids are
// ignored. It returns the full location list of the plan.
func (s *Store) AddPlanLocations(_ context.Context, planID string, locationIDs []string, at time.Time) ([]domain.PlanLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[planID]; !ok {
		return nil, store.ErrNotFound
	}
	current := s.planLocations[planID]
	for _, locationID := range locationIDs {
		locationID = strings.TrimSpace(locationID)
		if locationID == "" {
			return nil, store.ErrInvalidInput
		}
		if slices.ContainsFunc(current, func(l domain.PlanLocation) bool { return l.LocationID == locationID }) {
			continue
		}
		current = append(current, domain.PlanLocation{PlanID: planID, LocationID: locationID, CreatedAt: at.UTC()})
	}
	s.planLocations[planID] = current
	return slices.Clone(current), nil
}

func (s *Store) ListPlanLocations(_ context.Context, planID string) ([]domain.PlanLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.plans[planID]; !ok {
		return nil, store.ErrNotFound
	}
	result := slices.Clone(s.planLocations[planID])
	if result == nil {
		result = []domain.PlanLocation{}
	}
	return result, nil
}

func (s *Store) CreateMembership(_ context.Context, m membership.Membership) (*membership.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CustomerID == "" || !membership.ValidBillingStatus(m.BillingStatus) {
		return nil, store.ErrInvalidInput
	}
	if _, ok := s.plans[m.PlanID]; !ok {
		return nil, fmt.Errorf("plan %s: %w", m.PlanID, store.ErrNotFound)
	}
	if m.ID == "" {
		m.ID = xid.New("mem")
	}
	if _, exists := s.memberships[m.ID]; exists {
		return nil, store.ErrDuplicate
	}
	m.Version = 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	s.memberships[m.ID] = cloneMembership(m)
	out := cloneMembership(m)
	return &out, nil
}

func (s *Store) GetMembership(_ context.Context, id string) (*membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneMembership(m)
	return &out, nil
}

func (s *Store) ListMemberships(_ context.Context) ([]membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectMemberships(func(membership.Membership) bool { return true }), nil
}

func (s *Store) ListMembershipsByCustomer(_ context.Context, customerID string) ([]membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectMemberships(func(m membership.Membership) bool { return m.CustomerID == customerID }), nil
}

func (s *Store) UpdateMembership(_ context.Context, m membership.Membership, expectedVersion int64) (*membership.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.memberships[m.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return nil, fmt.Errorf("membership %s at version %d, expected %d: %w", m.ID, existing.Version, expectedVersion, store.ErrConflict)
	}
	if !membership.ValidBillingStatus(m.BillingStatus) {
		return nil, store.ErrInvalidInput
	}
	m.Version = existing.Version + 1
	m.CreatedAt = existing.CreatedAt
	m.CustomerID = existing.CustomerID
	s.memberships[m.ID] = cloneMembership(m)
	out := cloneMembership(m)
	return &out, nil
}

func (s *Store) collectMemberships(keep func(membership.Membership) bool) []membership.Membership {
	result := make([]membership.Membership, 0, len(s.memberships))
	for _, m := range s.memberships {
		if keep(m) {
			result = append(result, cloneMembership(m))
		}
	}
	slices.SortFunc(result, func(a, b membership.Membership) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

func clonePlan(p domain.MembershipPlan) domain.MembershipPlan {
	p.BenefitIDs = slices.Clone(p.BenefitIDs)
	if p.BenefitIDs == nil {
		p.BenefitIDs = []string{}
	}
	return p
}

func cloneMembership(m membership.Membership) membership.Membership {
	if m.TrialEndDate != nil {
		t := *m.TrialEndDate
		m.TrialEndDate = &t
	}
	if m.CancelledAt != nil {
		t := *m.CancelledAt
		m.CancelledAt = &t
	}
	return m
}
