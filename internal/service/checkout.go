package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/settlement"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

const paymentSplit = "split"

// Quote settles a cart without persisting anything. It is what the register
// shows while the cashier is still adding tenders.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.QuoteResponse, error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		if customer, err = s.repo.GetCustomer(ctx, req.CustomerID); err != nil {
			return domain.QuoteResponse{}, err
		}
	}

	tenders := normalizeTenders(req.SplitPayments)
	subtotal := subtotalOf(items)
	result, err := s.calculator.Settle(s.settlementInput(subtotal, customer, req.UsePoints, req.Discount, req.TaxRatePercent, tenders, req.CashReceived))
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	return domain.QuoteResponse{
		Subtotal:   subtotal,
		TaxMode:    string(s.calculator.Mode()),
		Settlement: result,
	}, nil
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.GiftCardID = strings.TrimSpace(req.GiftCardID)
	req.SplitPayments = normalizeTenders(req.SplitPayments)
	if len(req.SplitPayments) > 0 {
		req.PaymentMethod = paymentSplit
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = string(settlement.TenderCash)
	}
	if req.PaymentMethod != string(settlement.TenderCash) && req.PaymentMethod != paymentSplit {
		req.CashReceived = decimal.Zero
	}

	if existing, err := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toCheckoutResponse(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		if customer, err = s.repo.GetCustomer(ctx, req.CustomerID); err != nil {
			return domain.CheckoutResponse{}, err
		}
	} else if req.UsePoints {
		return domain.CheckoutResponse{}, invalid("use_points requires a customer")
	}

	cashReceived := req.CashReceived
	if req.PaymentMethod == paymentSplit {
		cashReceived = cashTendered(req.SplitPayments)
	}

	subtotal := subtotalOf(items)
	result, err := s.calculator.Settle(s.settlementInput(subtotal, customer, req.UsePoints, req.Discount, req.TaxRatePercent, req.SplitPayments, cashReceived))
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	payment := settlement.PaymentRequest{
		Method:       settlement.TenderMethod(req.PaymentMethod),
		GiftCardID:   req.GiftCardID,
		Split:        req.SplitPayments,
		CashReceived: cashReceived,
	}
	if err := settlement.ValidateSubmission(payment, result); err != nil {
		return domain.CheckoutResponse{}, err
	}

	tenders := req.SplitPayments
	if req.PaymentMethod != paymentSplit {
		tenders = []settlement.TenderLine{{
			Method:     settlement.TenderMethod(req.PaymentMethod),
			Amount:     result.FinalTotal,
			GiftCardID: req.GiftCardID,
		}}
	}
	if tenders, err = s.resolveGiftCards(ctx, tenders); err != nil {
		return domain.CheckoutResponse{}, err
	}

	var pointsTendered int64
	for _, tender := range tenders {
		if tender.Method == settlement.TenderPoints {
			pointsTendered += settlement.PointsFor(tender.Amount, s.loyalty.PointValueCents)
		}
	}
	pointsRedeemed := result.PointsRedeemed + pointsTendered
	var pointsEarned int64
	if customer != nil {
		if pointsRedeemed > customer.LoyaltyPoints {
			return domain.CheckoutResponse{}, fmt.Errorf("customer %s has %d points, %d needed: %w", customer.ID, customer.LoyaltyPoints, pointsRedeemed, store.ErrInsufficientBalance)
		}
		// Points tenders follow the same redemption minimum as use_points.
		if pointsTendered > 0 && customer.LoyaltyPoints < s.loyalty.MinimumPointsToRedeem {
			return domain.CheckoutResponse{}, invalid("customer %s has %d points, at least %d are needed to pay with points", customer.ID, customer.LoyaltyPoints, s.loyalty.MinimumPointsToRedeem)
		}
		pointsEarned = s.pointsEarned(result.FinalTotal)
	} else if pointsRedeemed > 0 {
		return domain.CheckoutResponse{}, invalid("points tender requires a customer")
	}

	giftCardID := ""
	if req.PaymentMethod == string(settlement.TenderGiftCard) {
		giftCardID = tenders[0].GiftCardID
	}

	actor, _ := ActorFromContext(ctx)
	lines := make([]domain.TransactionLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.TransactionLine(item))
	}

	tx := domain.Transaction{
		ID:              xid.New("tx"),
		StoreID:         req.StoreID,
		TerminalID:      req.TerminalID,
		IdempotencyKey:  req.IdempotencyKey,
		CashierID:       actor.Username,
		CustomerID:      req.CustomerID,
		PaymentMethod:   req.PaymentMethod,
		GiftCardID:      giftCardID,
		Tenders:         tenders,
		Subtotal:        subtotal,
		DiscountAmount:  result.DiscountAmount,
		LoyaltyDiscount: result.LoyaltyDiscount,
		PointsRedeemed:  pointsRedeemed,
		PointsEarned:    pointsEarned,
		TaxRatePercent:  s.effectiveTaxRate(req.TaxRatePercent),
		TaxAmount:       result.TaxAmount,
		Total:           result.FinalTotal,
		CashReceived:    cashReceived,
		ChangeDue:       result.ChangeDue,
		Status:          domain.TxStatusPaid,
		CreatedAt:       s.now(),
		Items:           lines,
	}

	created, err := s.repo.CreateCheckout(ctx, tx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if created.ID != tx.ID {
		// Lost a race with a concurrent submit of the same key.
		return toCheckoutResponse(created, true), nil
	}

	s.metrics.ObserveCheckout(created.PaymentMethod, created.Total)
	s.logAudit(ctx, created.StoreID, "checkout", "transaction", created.ID,
		fmt.Sprintf("method=%s,total=%s,points_redeemed=%d,points_earned=%d", created.PaymentMethod, created.Total.StringFixed(2), created.PointsRedeemed, created.PointsEarned))

	return toCheckoutResponse(created, false), nil
}

func (s *Service) LookupCheckoutByIdempotency(ctx context.Context, idempotencyKey string) (domain.CheckoutLookupResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.CheckoutLookupResponse{}, invalid("idempotency_key is required")
	}

	tx, err := s.repo.FindTransactionByIdempotency(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutLookupResponse{Found: false}, nil
		}
		return domain.CheckoutLookupResponse{}, err
	}
	checkout := toCheckoutResponse(tx, false)
	return domain.CheckoutLookupResponse{Found: true, Checkout: &checkout}, nil
}

func (s *Service) DailyReport(ctx context.Context, storeID string, date string) (domain.DailyReport, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	day := time.Date(s.now().Year(), s.now().Month(), s.now().Day(), 0, 0, 0, 0, time.UTC)
	if strings.TrimSpace(date) != "" {
		parsed, err := parseDate(date, "date")
		if err != nil {
			return domain.DailyReport{}, err
		}
		day = parsed
	}
	from := day
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, storeID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.StoreID = storeID
	report.Date = from.Format(time.DateOnly)
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}

	from := s.now().Add(-24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := parseDate(date, "date")
		if err != nil {
			return nil, err
		}
		from = parsed
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

func (s *Service) settlementInput(subtotal decimal.Decimal, customer *domain.Customer, usePoints bool, discount *settlement.Discount, taxRate *decimal.Decimal, tenders []settlement.TenderLine, cashReceived decimal.Decimal) settlement.Input {
	in := settlement.Input{
		Subtotal:       subtotal,
		Discount:       discount,
		UsePoints:      usePoints,
		TaxRatePercent: s.effectiveTaxRate(taxRate),
		Tenders:        tenders,
		CashReceived:   cashReceived,
	}
	if customer != nil {
		in.Loyalty = &settlement.LoyaltyRedemption{
			PointsAvailable:       customer.LoyaltyPoints,
			PointValueCents:       s.loyalty.PointValueCents,
			MinimumPointsToRedeem: s.loyalty.MinimumPointsToRedeem,
		}
	}
	return in
}

func (s *Service) effectiveTaxRate(override *decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	return s.taxRate
}

// pointsEarned is the whole points a customer earns on total.
func (s *Service) pointsEarned(total decimal.Decimal) int64 {
	if s.loyalty.PointsPerDollar <= 0 || !total.IsPositive() {
		return 0
	}
	return total.Mul(decimal.NewFromInt(s.loyalty.PointsPerDollar)).Floor().IntPart()
}

// resolveGiftCards swaps a code on a gift card tender for the card id and
// checks that every card can cover what is charged to it.
func (s *Service) resolveGiftCards(ctx context.Context, tenders []settlement.TenderLine) ([]settlement.TenderLine, error) {
	resolved := slices.Clone(tenders)
	debits := make(map[string]decimal.Decimal)
	cards := make(map[string]*domain.GiftCard)

	for i, tender := range resolved {
		if tender.Method != settlement.TenderGiftCard {
			continue
		}
		card, err := s.repo.GetGiftCard(ctx, tender.GiftCardID)
		if errors.Is(err, store.ErrNotFound) {
			card, err = s.repo.GetGiftCardByCode(ctx, tender.GiftCardID)
		}
		if err != nil {
			return nil, fmt.Errorf("gift card %s: %w", tender.GiftCardID, err)
		}
		resolved[i].GiftCardID = card.ID
		cards[card.ID] = card
		debits[card.ID] = debits[card.ID].Add(tender.Amount)
	}

	now := s.now()
	for id, amount := range debits {
		card := cards[id]
		if !card.Usable(now) {
			return nil, fmt.Errorf("gift card %s is not usable: %w", card.Code, store.ErrInsufficientBalance)
		}
		if card.Balance.LessThan(amount) {
			return nil, fmt.Errorf("gift card %s balance %s is below %s: %w", card.Code, card.Balance.StringFixed(2), amount.StringFixed(2), store.ErrInsufficientBalance)
		}
	}
	return resolved, nil
}

func toCheckoutResponse(tx *domain.Transaction, duplicate bool) domain.CheckoutResponse {
	itemCount := 0
	for _, item := range tx.Items {
		itemCount += item.Qty
	}

	return domain.CheckoutResponse{
		TransactionID:  tx.ID,
		Status:         tx.Status,
		PaymentMethod:  tx.PaymentMethod,
		Tenders:        tx.Tenders,
		Subtotal:       tx.Subtotal,
		DiscountAmount: tx.DiscountAmount,
		LoyaltyAmount:  tx.LoyaltyDiscount,
		TaxAmount:      tx.TaxAmount,
		Total:          tx.Total,
		CashReceived:   tx.CashReceived,
		ChangeDue:      tx.ChangeDue,
		PointsRedeemed: tx.PointsRedeemed,
		PointsEarned:   tx.PointsEarned,
		ItemCount:      itemCount,
		CashierID:      tx.CashierID,
		CustomerID:     tx.CustomerID,
		Duplicate:      duplicate,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	}
}

// normalizeItems merges lines with the same SKU and drops empty ones. The
// first line of a SKU decides its name and unit price.
func normalizeItems(items []domain.CheckoutItem) ([]domain.CheckoutItem, error) {
	merged := make(map[string]domain.CheckoutItem, len(items))
	for _, item := range items {
		item.SKU = strings.TrimSpace(item.SKU)
		if item.SKU == "" || item.Qty < 1 {
			continue
		}
		if item.UnitPrice.IsNegative() {
			return nil, invalid("unit_price for %s must not be negative", item.SKU)
		}
		if existing, ok := merged[item.SKU]; ok {
			existing.Qty += item.Qty
			merged[item.SKU] = existing
			continue
		}
		item.Name = strings.TrimSpace(item.Name)
		item.UnitPrice = item.UnitPrice.Round(2)
		merged[item.SKU] = item
	}
	if len(merged) == 0 {
		return nil, invalid("at least one item is required")
	}

	normalized := make([]domain.CheckoutItem, 0, len(merged))
	for _, item := range merged {
		normalized = append(normalized, item)
	}
	slices.SortFunc(normalized, func(a, b domain.CheckoutItem) int {
		return strings.Compare(a.SKU, b.SKU)
	})
	return normalized, nil
}

func normalizeTenders(lines []settlement.TenderLine) []settlement.TenderLine {
	if len(lines) == 0 {
		return nil
	}
	normalized := make([]settlement.TenderLine, 0, len(lines))
	for _, line := range lines {
		normalized = append(normalized, settlement.NormalizeTender(line))
	}
	return normalized
}

func subtotalOf(items []domain.CheckoutItem) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Qty))))
	}
	return subtotal.Round(2)
}

func cashTendered(lines []settlement.TenderLine) decimal.Decimal {
	cash := decimal.Zero
	for _, line := range lines {
		if line.Method == settlement.TenderCash {
			cash = cash.Add(line.Amount)
		}
	}
	return cash
}
