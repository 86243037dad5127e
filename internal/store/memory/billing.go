package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

func (s *Store) GetBillingSettings(_ context.Context) (domain.BillingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.billingSettings, nil
}

func (s *Store) UpdateBillingSettings(_ context.Context, settings domain.BillingSettings) (domain.BillingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.GracePeriodDays < 0 || settings.AutoCancelAfterDays < 0 || settings.TaxRatePercent.IsNegative() {
		return domain.BillingSettings{}, store.ErrInvalidInput
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	s.billingSettings = settings
	return settings, nil
}

func (s *Store) CreateUsageRecord(_ context.Context, record domain.UsageRecord) (*domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Quantity < 1 || record.Amount.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	m, ok := s.memberships[record.MembershipID]
	if !ok {
		return nil, fmt.Errorf("membership %s: %w", record.MembershipID, store.ErrNotFound)
	}
	if _, ok := s.benefits[record.BenefitID]; !ok {
		return nil, fmt.Errorf("benefit %s: %w", record.BenefitID, store.ErrNotFound)
	}
	if record.ID == "" {
		record.ID = xid.New("use")
	}
	record.CustomerID = m.CustomerID
	if record.UsedAt.IsZero() {
		record.UsedAt = time.Now().UTC()
	}
	s.usageRecords = append(s.usageRecords, record)
	return &record, nil
}

func (s *Store) ListUsageRecords(_ context.Context, filter domain.UsageFilter) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UsageRecord, 0, 32)
	for _, record := range s.usageRecords {
		if filter.MembershipID != "" && record.MembershipID != filter.MembershipID {
			continue
		}
		if filter.CustomerID != "" && record.CustomerID != filter.CustomerID {
			continue
		}
		result = append(result, record)
	}
	slices.SortFunc(result, func(a, b domain.UsageRecord) int {
		if c := b.UsedAt.Compare(a.UsedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return limitSlice(result, filter.Limit), nil
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.MembershipID == "" || inv.PeriodStart.IsZero() || inv.Total.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	key := periodKey(inv.MembershipID, inv.PeriodStart)
	if _, exists := s.invoiceByPeriod[key]; exists {
		return nil, fmt.Errorf("invoice for %s: %w", key, store.ErrDuplicate)
	}
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	s.invoiceSeq++
	if inv.Number == "" {
		inv.Number = fmt.Sprintf("%s-%06d", strings.TrimSpace(s.billingSettings.InvoicePrefix), s.invoiceSeq)
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusOpen
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.invoices[inv.ID] = inv
	s.invoiceByPeriod[key] = inv.ID
	return cloneInvoice(inv), nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoices(_ context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if filter.MembershipID != "" && inv.MembershipID != filter.MembershipID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		result = append(result, *cloneInvoice(inv))
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		if c := b.PeriodStart.Compare(a.PeriodStart); c != 0 {
			return c
		}
		return cmp.Compare(b.Number, a.Number)
	})
	return limitSlice(result, filter.Limit), nil
}

func (s *Store) MarkInvoicePaid(_ context.Context, id string, paidAt time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if inv.Status != domain.InvoiceStatusOpen {
		return nil, fmt.Errorf("invoice %s is %s: %w", inv.Number, inv.Status, store.ErrConflict)
	}
	paidAt = paidAt.UTC()
	inv.Status = domain.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	s.invoices[id] = inv
	return cloneInvoice(inv), nil
}

func periodKey(membershipID string, periodStart time.Time) string {
	return membershipID + "|" + periodStart.UTC().Format(time.DateOnly)
}

func cloneInvoice(inv domain.Invoice) *domain.Invoice {
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		inv.PaidAt = &t
	}
	return &inv
}
