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

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.Name) == "" || customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		result = append(result, customer)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limitSlice(result, limit), nil
}

func (s *Store) CreateGiftCard(_ context.Context, card domain.GiftCard) (*domain.GiftCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card.Code = strings.ToUpper(strings.TrimSpace(card.Code))
	if card.Code == "" || card.Balance.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.giftCardIDByCode[card.Code]; exists {
		return nil, store.ErrDuplicate
	}
	if card.ID == "" {
		card.ID = xid.New("gc")
	}
	if card.IssuedAt.IsZero() {
		card.IssuedAt = time.Now().UTC()
	}
	s.giftCards[card.ID] = card
	s.giftCardIDByCode[card.Code] = card.ID
	return &card, nil
}

func (s *Store) GetGiftCard(_ context.Context, id string) (*domain.GiftCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, ok := s.giftCards[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &card, nil
}

func (s *Store) GetGiftCardByCode(_ context.Context, code string) (*domain.GiftCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.giftCardIDByCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	card := s.giftCards[id]
	return &card, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// CreateCheckout validates every balance before touching any of them, so a
// failed checkout leaves cards and points unchanged. A known idempotency
// key returns the stored transaction.
func (s *Store) CreateCheckout(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if existing, ok := s.transactionsByIdem[tx.IdempotencyKey]; ok {
		return cloneTransaction(existing), nil
	}
	if tx.PointsRedeemed < 0 || tx.PointsEarned < 0 || tx.Total.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = domain.TxStatusPaid
	}

	debits := tx.GiftCardDebits()
	for id, amount := range debits {
		card, ok := s.giftCards[id]
		if !ok {
			return nil, fmt.Errorf("gift card %s: %w", id, store.ErrNotFound)
		}
		if !card.Usable(tx.CreatedAt) || card.Balance.LessThan(amount) {
			return nil, fmt.Errorf("gift card %s: %w", card.Code, store.ErrInsufficientBalance)
		}
	}

	if tx.CustomerID == "" {
		if tx.PointsRedeemed > 0 || tx.PointsEarned > 0 {
			return nil, store.ErrInvalidInput
		}
	} else {
		customer, ok := s.customers[tx.CustomerID]
		if !ok {
			return nil, fmt.Errorf("customer %s: %w", tx.CustomerID, store.ErrNotFound)
		}
		if customer.LoyaltyPoints < tx.PointsRedeemed {
			return nil, fmt.Errorf("loyalty points: %w", store.ErrInsufficientBalance)
		}
		customer.LoyaltyPoints += tx.PointsEarned - tx.PointsRedeemed
		s.customers[tx.CustomerID] = customer
	}

	for id, amount := range debits {
		card := s.giftCards[id]
		card.Balance = card.Balance.Sub(amount)
		s.giftCards[id] = card
	}

	txCopy := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = txCopy
	s.transactionsByIdem[tx.IdempotencyKey] = txCopy

	return cloneTransaction(txCopy), nil
}

func (s *Store) GetDailyReport(_ context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		StoreID:  storeID,
		ByTender: make([]domain.DailyReportTender, 0, 4),
	}
	for _, tx := range s.transactionsByID {
		if storeID != "" && tx.StoreID != storeID {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		report.Add(*tx)
	}
	return report, nil
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Tenders = slices.Clone(src.Tenders)
	return &dup
}
