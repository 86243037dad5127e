package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

func (s *Store) GetBillingSettings(ctx context.Context) (domain.BillingSettings, error) {
	var settings domain.BillingSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT grace_period_days, auto_cancel_after_days, tax_rate_percent, invoice_prefix,
			auto_billing_enabled, currency, updated_at
		FROM billing_settings
		WHERE id = 1
	`).Scan(&settings.GracePeriodDays, &settings.AutoCancelAfterDays, &settings.TaxRatePercent,
		&settings.InvoicePrefix, &settings.AutoBillingEnabled, &settings.Currency, &settings.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultBillingSettings(), nil
	}
	if err != nil {
		return settings, err
	}
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return settings, nil
}

func (s *Store) UpdateBillingSettings(ctx context.Context, settings domain.BillingSettings) (domain.BillingSettings, error) {
	if settings.GracePeriodDays < 0 || settings.AutoCancelAfterDays < 0 || settings.TaxRatePercent.IsNegative() {
		return domain.BillingSettings{}, store.ErrInvalidInput
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_settings (id, grace_period_days, auto_cancel_after_days, tax_rate_percent,
			invoice_prefix, auto_billing_enabled, currency, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			grace_period_days = EXCLUDED.grace_period_days,
			auto_cancel_after_days = EXCLUDED.auto_cancel_after_days,
			tax_rate_percent = EXCLUDED.tax_rate_percent,
			invoice_prefix = EXCLUDED.invoice_prefix,
			auto_billing_enabled = EXCLUDED.auto_billing_enabled,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
	`, settings.GracePeriodDays, settings.AutoCancelAfterDays, settings.TaxRatePercent,
		settings.InvoicePrefix, settings.AutoBillingEnabled, settings.Currency, settings.UpdatedAt)
	if err != nil {
		return domain.BillingSettings{}, err
	}
	return settings, nil
}

func (s *Store) CreateUsageRecord(ctx context.Context, record domain.UsageRecord) (*domain.UsageRecord, error) {
	if record.Quantity < 1 || record.Amount.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	m, err := s.GetMembership(ctx, record.MembershipID)
	if err != nil {
		return nil, fmt.Errorf("membership %s: %w", record.MembershipID, err)
	}
	var benefitExists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM membership_benefits WHERE id = $1)`, record.BenefitID).Scan(&benefitExists); err != nil {
		return nil, err
	}
	if !benefitExists {
		return nil, fmt.Errorf("benefit %s: %w", record.BenefitID, store.ErrNotFound)
	}
	if record.ID == "" {
		record.ID = xid.New("use")
	}
	record.CustomerID = m.CustomerID
	if record.UsedAt.IsZero() {
		record.UsedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO membership_usage (id, membership_id, customer_id, benefit_id, quantity, amount, transaction_id, used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, record.ID, record.MembershipID, record.CustomerID, record.BenefitID, record.Quantity, record.Amount, record.TransactionID, record.UsedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListUsageRecords(ctx context.Context, filter domain.UsageFilter) ([]domain.UsageRecord, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, membership_id, customer_id, benefit_id, quantity, amount, transaction_id, used_at
		FROM membership_usage
		WHERE ($1 = '' OR membership_id = $1)
			AND ($2 = '' OR customer_id = $2)
		ORDER BY used_at DESC, id DESC
		LIMIT $3
	`, filter.MembershipID, filter.CustomerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.UsageRecord, 0, limit)
	for rows.Next() {
		var r domain.UsageRecord
		if err := rows.Scan(&r.ID, &r.MembershipID, &r.CustomerID, &r.BenefitID, &r.Quantity, &r.Amount, &r.TransactionID, &r.UsedAt); err != nil {
			return nil, err
		}
		r.UsedAt = r.UsedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

const invoiceColumns = `id, number, membership_id, customer_id, plan_id, period_start, period_end,
	amount, tax_amount, total, status, due_date, paid_at, created_at`

func scanInvoice(row interface{ Scan(...any) error }) (domain.Invoice, error) {
	var inv domain.Invoice
	var paidAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.Number, &inv.MembershipID, &inv.CustomerID, &inv.PlanID, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.Amount, &inv.TaxAmount, &inv.Total, &inv.Status, &inv.DueDate, &paidAt, &inv.CreatedAt)
	if err != nil {
		return inv, err
	}
	inv.PeriodStart = dateUTC(inv.PeriodStart)
	inv.PeriodEnd = dateUTC(inv.PeriodEnd)
	inv.DueDate = dateUTC(inv.DueDate)
	inv.PaidAt = timePtr(paidAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	return inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	if inv.MembershipID == "" || inv.PeriodStart.IsZero() || inv.Total.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusOpen
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.Number == "" {
		var prefix string
		var seq int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE((SELECT invoice_prefix FROM billing_settings WHERE id = 1), 'INV'),
				nextval('membership_invoice_number_seq')
		`).Scan(&prefix, &seq)
		if err != nil {
			return nil, err
		}
		inv.Number = fmt.Sprintf("%s-%06d", strings.TrimSpace(prefix), seq)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership_invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, inv.ID, inv.Number, inv.MembershipID, inv.CustomerID, inv.PlanID, inv.PeriodStart, inv.PeriodEnd,
		inv.Amount, inv.TaxAmount, inv.Total, inv.Status, inv.DueDate, nullTime(inv.PaidAt), inv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("invoice for %s on %s: %w", inv.MembershipID, inv.PeriodStart.Format(time.DateOnly), store.ErrDuplicate)
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM membership_invoices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

// ListInvoices returns every matching invoice when filter.Limit is not
// positive; the billing run depends on seeing all open invoices.
func (s *Store) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	limit := max(filter.Limit, 0)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM membership_invoices
		WHERE ($1 = '' OR membership_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY period_start DESC, number DESC
		LIMIT NULLIF($3, 0)
	`, filter.MembershipID, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *Store) MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		UPDATE membership_invoices
		SET status = $2, paid_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+invoiceColumns,
		id, domain.InvoiceStatusPaid, paidAt.UTC(), domain.InvoiceStatusOpen))
	if err == nil {
		return &inv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, getErr := s.GetInvoice(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("invoice %s is %s: %w", current.Number, current.Status, store.ErrConflict)
}
