package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/store"
)

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Customer{}, invalid("customer id is required")
	}
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, invalid("name is required")
	}
	if req.LoyaltyPoints < 0 {
		return domain.Customer{}, invalid("loyalty_points must not be negative")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:          req.Name,
		Phone:         strings.TrimSpace(req.Phone),
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		LoyaltyPoints: req.LoyaltyPoints,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "", "customer_create", "customer", created.ID, fmt.Sprintf("name=%s,points=%d", created.Name, created.LoyaltyPoints))
	return *created, nil
}

func (s *Service) IssueGiftCard(ctx context.Context, req domain.GiftCardIssueRequest) (domain.GiftCard, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return domain.GiftCard{}, invalid("code is required")
	}
	if !req.InitialBalance.IsPositive() {
		return domain.GiftCard{}, invalid("initial_balance must be positive")
	}

	card := domain.GiftCard{
		Code:     code,
		Balance:  req.InitialBalance.Round(2),
		Active:   true,
		IssuedAt: s.now(),
	}
	if strings.TrimSpace(req.ExpiresAt) != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return domain.GiftCard{}, invalid("expires_at must be RFC3339")
		}
		expires = expires.UTC()
		if !expires.After(card.IssuedAt) {
			return domain.GiftCard{}, invalid("expires_at must be in the future")
		}
		card.ExpiresAt = &expires
	}

	created, err := s.repo.CreateGiftCard(ctx, card)
	if err != nil {
		return domain.GiftCard{}, err
	}

	s.logAudit(ctx, "", "gift_card_issue", "gift_card", created.ID, fmt.Sprintf("code=%s,balance=%s", created.Code, created.Balance.StringFixed(2)))
	return *created, nil
}

// VerifyGiftCard looks a card up by code and fails unless it can pay now.
func (s *Service) VerifyGiftCard(ctx context.Context, code string) (domain.GiftCard, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.GiftCard{}, invalid("code is required")
	}
	card, err := s.repo.GetGiftCardByCode(ctx, code)
	if err != nil {
		return domain.GiftCard{}, err
	}
	if !card.Usable(s.now()) {
		return domain.GiftCard{}, fmt.Errorf("gift card %s is not usable: %w", card.Code, store.ErrInsufficientBalance)
	}
	return *card, nil
}
