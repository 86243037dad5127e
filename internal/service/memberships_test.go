package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/store"
)

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T {
	return &v
}

func TestAddCustomerMembershipStartsHybridTrial(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	m, err := svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{
		CustomerID: "cust-sari",
		PlanID:     "plan-gold",
		LocationID: "store-north",
		StartDate:  "2024-01-01",
	})
	require.NoError(t, err)

	assert.Equal(t, membership.BillingTrial, m.BillingStatus)
	assert.Equal(t, day(2024, 1, 15), m.NextBillingDate)
	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, "store-north", m.LocationID)

	views, err := svc.GetCustomerMemberships(ctx, "cust-sari")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Gold", views[0].PlanName)
	assertMoney(t, "29.99", views[0].PlanPrice)
}

func TestAddCustomerMembershipValidatesReferences(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	_, err := svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-ghost", PlanID: "plan-basic"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-sari", PlanID: "plan-ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.UpdatePlan(ctx, domain.PlanUpdateRequest{PlanID: "plan-basic", IsActive: ptr(false)})
	require.NoError(t, err)
	_, err = svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-sari", PlanID: "plan-basic"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-sari", PlanID: "plan-gold", StartDate: "tomorrow"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestUpdateCustomerMembershipGoesThroughStateMachine(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	m, err := svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-dewi", PlanID: "plan-basic", StartDate: "2024-01-01"})
	require.NoError(t, err)
	require.Equal(t, membership.BillingActive, m.BillingStatus)

	cancelled, err := svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{
		MembershipID: m.ID,
		Status:       ptr(membership.StatusCancelled),
	})
	require.NoError(t, err)
	assert.Equal(t, membership.BillingCancelled, cancelled.BillingStatus)
	assert.Equal(t, membership.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(2), cancelled.Version)

	_, err = svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{
		MembershipID:  m.ID,
		BillingStatus: ptr(membership.BillingActive),
	})
	var terr *membership.TransitionError
	assert.ErrorAs(t, err, &terr, "cancelled needs an explicit reactivation")

	_, err = svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{
		MembershipID:    m.ID,
		Reactivate:      true,
		ExpectedVersion: ptr(int64(1)),
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	reactivated, err := svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{
		MembershipID: m.ID,
		Reactivate:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, membership.BillingActive, reactivated.BillingStatus)
	assert.Nil(t, reactivated.CancelledAt)
	assert.Equal(t, day(2024, 2, 1), reactivated.NextBillingDate)
	assert.Equal(t, int64(3), reactivated.Version)

	moved, err := svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{
		MembershipID:    m.ID,
		NextBillingDate: ptr("2024-03-10"),
	})
	require.NoError(t, err)
	assert.Equal(t, day(2024, 3, 10), moved.NextBillingDate)
	assert.Equal(t, membership.BillingActive, moved.BillingStatus)

	_, err = svc.UpdateCustomerMembership(ctx, domain.MembershipUpdateRequest{MembershipID: m.ID})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCancelCustomerMembershipTwiceIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	m, err := svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-dewi", PlanID: "plan-gold"})
	require.NoError(t, err)

	cancelled, err := svc.CancelCustomerMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelAtPeriodEnd)

	_, err = svc.CancelCustomerMembership(ctx, m.ID)
	var terr *membership.TransitionError
	assert.ErrorAs(t, err, &terr)
}

func TestPlanMutationsInvalidateCachedList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	plans, err := svc.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	created, err := svc.CreatePlan(ctx, domain.PlanCreateRequest{
		Name:            "Weekly",
		Price:           money("4.5"),
		BillingType:     membership.BillingTypeRecurring,
		BillingInterval: membership.IntervalWeekly,
		BenefitIDs:      []string{"ben-coffee"},
	})
	require.NoError(t, err)
	assert.True(t, created.IsActive)

	plans, err = svc.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 4)

	_, err = svc.CreatePlan(ctx, domain.PlanCreateRequest{
		Name:        "Broken",
		Price:       money("1"),
		BillingType: membership.BillingTypeRecurring,
		BenefitIDs:  []string{"ben-ghost"},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreatePlan(ctx, domain.PlanCreateRequest{Name: "Odd", Price: money("1"), BillingType: "lifetime"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	benefit, err := svc.CreateBenefit(ctx, domain.BenefitCreateRequest{Name: "Parking", BenefitType: "free_service", Value: money("2")})
	require.NoError(t, err)
	benefits, err := svc.ListBenefits(ctx)
	require.NoError(t, err)
	assert.Len(t, benefits, 4)

	updated, err := svc.UpdatePlan(ctx, domain.PlanUpdateRequest{
		PlanID:     created.ID,
		Price:      ptr(money("5")),
		BenefitIDs: ptr([]string{benefit.ID}),
	})
	require.NoError(t, err)
	assertMoney(t, "5.00", updated.Price)
	assert.Equal(t, []string{benefit.ID}, updated.BenefitIDs)

	require.NoError(t, svc.DeletePlan(ctx, created.ID))
	plans, err = svc.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}

func TestDeletePlanWithLiveMembershipConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	_, err := svc.AddCustomerMembership(ctx, domain.MembershipCreateRequest{CustomerID: "cust-sari", PlanID: "plan-annual"})
	require.NoError(t, err)

	err = svc.DeletePlan(ctx, "plan-annual")
	assert.ErrorIs(t, err, store.ErrConflict)

	err = svc.DeletePlan(ctx, "plan-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlanLocationsAreIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminContext()

	_, err := svc.AddPlanLocations(ctx, domain.PlanLocationsRequest{PlanID: "plan-gold", LocationIDs: []string{"loc-1", "loc-2"}})
	require.NoError(t, err)
	locations, err := svc.AddPlanLocations(ctx, domain.PlanLocationsRequest{PlanID: "plan-gold", LocationIDs: []string{"loc-2", "loc-3"}})
	require.NoError(t, err)
	assert.Len(t, locations, 3)

	listed, err := svc.GetPlanLocations(ctx, "plan-gold")
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	_, err = svc.AddPlanLocations(ctx, domain.PlanLocationsRequest{PlanID: "plan-gold"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
