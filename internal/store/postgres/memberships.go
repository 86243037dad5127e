package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/membership"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

const planColumns = `id, name, description, price, billing_type, billing_interval, trial_days, benefit_ids, is_active, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (domain.MembershipPlan, error) {
	var p domain.MembershipPlan
	var benefits []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.BillingType, &p.BillingInterval, &p.TrialDays, &benefits, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal(benefits, &p.BenefitIDs); err != nil {
		return p, fmt.Errorf("decode benefit ids of %s: %w", p.ID, err)
	}
	if p.BenefitIDs == nil {
		p.BenefitIDs = []string{}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]domain.MembershipPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM membership_plans ORDER BY price ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]domain.MembershipPlan, 0, 16)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *Store) GetPlan(ctx context.Context, id string) (*domain.MembershipPlan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM membership_plans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) CreatePlan(ctx context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error) {
	if strings.TrimSpace(plan.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if plan.ID == "" {
		plan.ID = xid.New("plan")
	}
	if err := plan.Lifecycle().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	plan.UpdatedAt = plan.CreatedAt
	if plan.BenefitIDs == nil {
		plan.BenefitIDs = []string{}
	}
	benefits, err := json.Marshal(plan.BenefitIDs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO membership_plans (`+planColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, plan.ID, plan.Name, plan.Description, plan.Price, plan.BillingType, plan.BillingInterval,
		plan.TrialDays, string(benefits), plan.IsActive, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &plan, nil
}

func (s *Store) UpdatePlan(ctx context.Context, plan domain.MembershipPlan) (*domain.MembershipPlan, error) {
	if strings.TrimSpace(plan.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if err := plan.Lifecycle().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if plan.UpdatedAt.IsZero() {
		plan.UpdatedAt = time.Now().UTC()
	}
	if plan.BenefitIDs == nil {
		plan.BenefitIDs = []string{}
	}
	benefits, err := json.Marshal(plan.BenefitIDs)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE membership_plans
		SET name = $2, description = $3, price = $4, billing_type = $5, billing_interval = $6,
			trial_days = $7, benefit_ids = $8, is_active = $9, updated_at = $10
		WHERE id = $1
		RETURNING created_at
	`, plan.ID, plan.Name, plan.Description, plan.Price, plan.BillingType, plan.BillingInterval,
		plan.TrialDays, string(benefits), plan.IsActive, plan.UpdatedAt).Scan(&plan.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	plan.CreatedAt = plan.CreatedAt.UTC()
	return &plan, nil
}

func (s *Store) DeletePlan(ctx context.Context, id string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var live int
	err = pgTx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM customer_memberships
		WHERE plan_id = $1 AND billing_status NOT IN ('cancelled', 'expired')
	`, id).Scan(&live)
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("plan %s has %d live memberships: %w", id, live, store.ErrConflict)
	}

	res, err := pgTx.ExecContext(ctx, `DELETE FROM membership_plans WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) ListBenefits(ctx context.Context) ([]domain.Benefit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, benefit_type, value, is_active, created_at
		FROM membership_benefits
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	benefits := make([]domain.Benefit, 0, 16)
	for rows.Next() {
		var b domain.Benefit
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.BenefitType, &b.Value, &b.IsActive, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		benefits = append(benefits, b)
	}
	return benefits, rows.Err()
}

func (s *Store) CreateBenefit(ctx context.Context, benefit domain.Benefit) (*domain.Benefit, error) {
	if strings.TrimSpace(benefit.Name) == "" || benefit.Value.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if benefit.ID == "" {
		benefit.ID = xid.New("ben")
	}
	if benefit.CreatedAt.IsZero() {
		benefit.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership_benefits (id, name, description, benefit_type, value, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, benefit.ID, benefit.Name, benefit.Description, benefit.BenefitType, benefit.Value, benefit.IsActive, benefit.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &benefit, nil
}

func (s *Store) AddPlanLocations(ctx context.Context, planID string, locationIDs []string, at time.Time) ([]domain.PlanLocation, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM membership_plans WHERE id = $1)`, planID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	for _, locationID := range locationIDs {
		locationID = strings.TrimSpace(locationID)
		if locationID == "" {
			return nil, store.ErrInvalidInput
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO membership_plan_locations (plan_id, location_id, created_at)
			VALUES ($1,$2,$3)
			ON CONFLICT (plan_id, location_id) DO NOTHING
		`, planID, locationID, at.UTC()); err != nil {
			return nil, err
		}
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.ListPlanLocations(ctx, planID)
}

func (s *Store) ListPlanLocations(ctx context.Context, planID string) ([]domain.PlanLocation, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, location_id, created_at
		FROM membership_plan_locations
		WHERE plan_id = $1
		ORDER BY created_at ASC, location_id ASC
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.PlanLocation, 0, 8)
	for rows.Next() {
		var l domain.PlanLocation
		if err := rows.Scan(&l.PlanID, &l.LocationID, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

const membershipColumns = `id, customer_id, plan_id, location_id, status, billing_status, billing_interval,
	start_date, trial_end_date, next_billing_date, cancelled_at, cancel_at_period_end, version, created_at, updated_at`

func scanMembership(row interface{ Scan(...any) error }) (membership.Membership, error) {
	var m membership.Membership
	var trialEnd, cancelledAt sql.NullTime
	err := row.Scan(&m.ID, &m.CustomerID, &m.PlanID, &m.LocationID, &m.Status, &m.BillingStatus, &m.BillingInterval,
		&m.StartDate, &trialEnd, &m.NextBillingDate, &cancelledAt, &m.CancelAtPeriodEnd, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.StartDate = dateUTC(m.StartDate)
	m.NextBillingDate = dateUTC(m.NextBillingDate)
	if trialEnd.Valid {
		d := dateUTC(trialEnd.Time)
		m.TrialEndDate = &d
	}
	m.CancelledAt = timePtr(cancelledAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *Store) CreateMembership(ctx context.Context, m membership.Membership) (*membership.Membership, error) {
	if m.CustomerID == "" || !membership.ValidBillingStatus(m.BillingStatus) {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.GetPlan(ctx, m.PlanID); err != nil {
		return nil, fmt.Errorf("plan %s: %w", m.PlanID, err)
	}
	if m.ID == "" {
		m.ID = xid.New("mem")
	}
	m.Version = 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_memberships (`+membershipColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, m.ID, m.CustomerID, m.PlanID, m.LocationID, m.Status, m.BillingStatus, m.BillingInterval,
		m.StartDate, nullTime(m.TrialEndDate), m.NextBillingDate, nullTime(m.CancelledAt), m.CancelAtPeriodEnd,
		m.Version, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (*membership.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM customer_memberships WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context) ([]membership.Membership, error) {
	return s.queryMemberships(ctx, `SELECT `+membershipColumns+` FROM customer_memberships ORDER BY created_at ASC, id ASC`)
}

func (s *Store) ListMembershipsByCustomer(ctx context.Context, customerID string) ([]membership.Membership, error) {
	return s.queryMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM customer_memberships
		WHERE customer_id = $1
		ORDER BY created_at ASC, id ASC
	`, customerID)
}

func (s *Store) queryMemberships(ctx context.Context, query string, args ...any) ([]membership.Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]membership.Membership, 0, 32)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// UpdateMembership is a compare-and-swap on version: zero rows updated
// means either the row is gone or another writer got there first.
func (s *Store) UpdateMembership(ctx context.Context, m membership.Membership, expectedVersion int64) (*membership.Membership, error) {
	if !membership.ValidBillingStatus(m.BillingStatus) {
		return nil, store.ErrInvalidInput
	}

	err := s.db.QueryRowContext(ctx, `
		UPDATE customer_memberships
		SET plan_id = $3, location_id = $4, status = $5, billing_status = $6, billing_interval = $7,
			start_date = $8, trial_end_date = $9, next_billing_date = $10, cancelled_at = $11,
			cancel_at_period_end = $12, updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version, created_at, customer_id
	`, m.ID, expectedVersion, m.PlanID, m.LocationID, m.Status, m.BillingStatus, m.BillingInterval,
		m.StartDate, nullTime(m.TrialEndDate), m.NextBillingDate, nullTime(m.CancelledAt),
		m.CancelAtPeriodEnd, m.UpdatedAt).Scan(&m.Version, &m.CreatedAt, &m.CustomerID)
	if err == nil {
		m.CreatedAt = m.CreatedAt.UTC()
		return &m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, getErr := s.GetMembership(ctx, m.ID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("membership %s at version %d, expected %d: %w", m.ID, current.Version, expectedVersion, store.ErrConflict)
}
