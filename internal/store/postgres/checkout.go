package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/settlement"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, email, loyalty_points, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, customer.Phone, customer.Email, customer.LoyaltyPoints, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &customer, nil
}

const customerColumns = `id, name, phone, email, loyalty_points, created_at`

func scanCustomer(row interface{ Scan(...any) error }) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.LoyaltyPoints, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		ORDER BY name ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) CreateGiftCard(ctx context.Context, card domain.GiftCard) (*domain.GiftCard, error) {
	card.Code = strings.ToUpper(strings.TrimSpace(card.Code))
	if card.Code == "" || card.Balance.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if card.ID == "" {
		card.ID = xid.New("gc")
	}
	if card.IssuedAt.IsZero() {
		card.IssuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gift_cards (id, code, balance, active, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, card.ID, card.Code, card.Balance, card.Active, card.IssuedAt, nullTime(card.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &card, nil
}

func (s *Store) GetGiftCard(ctx context.Context, id string) (*domain.GiftCard, error) {
	return s.findGiftCard(ctx, "id", id)
}

func (s *Store) GetGiftCardByCode(ctx context.Context, code string) (*domain.GiftCard, error) {
	return s.findGiftCard(ctx, "code", strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Store) findGiftCard(ctx context.Context, column string, value string) (*domain.GiftCard, error) {
	if column != "id" && column != "code" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var card domain.GiftCard
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, code, balance, active, issued_at, expires_at
		FROM gift_cards
		WHERE %s = $1
	`, column), value).Scan(&card.ID, &card.Code, &card.Balance, &card.Active, &card.IssuedAt, &expiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	card.IssuedAt = card.IssuedAt.UTC()
	card.ExpiresAt = timePtr(expiresAt)
	return &card, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	var tx domain.Transaction
	var customerID, giftCardID sql.NullString
	var tenders []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, terminal_id, idempotency_key, cashier_id, customer_id,
			payment_method, gift_card_id, tenders, subtotal, discount_amount,
			loyalty_discount, points_redeemed, points_earned, tax_rate_percent,
			tax_amount, total, cash_received, change_due, status, created_at
		FROM transactions
		WHERE idempotency_key = $1
	`, key).Scan(
		&tx.ID,
		&tx.StoreID,
		&tx.TerminalID,
		&tx.IdempotencyKey,
		&tx.CashierID,
		&customerID,
		&tx.PaymentMethod,
		&giftCardID,
		&tenders,
		&tx.Subtotal,
		&tx.DiscountAmount,
		&tx.LoyaltyDiscount,
		&tx.PointsRedeemed,
		&tx.PointsEarned,
		&tx.TaxRatePercent,
		&tx.TaxAmount,
		&tx.Total,
		&tx.CashReceived,
		&tx.ChangeDue,
		&tx.Status,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	tx.CustomerID = customerID.String
	tx.GiftCardID = giftCardID.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	if err := json.Unmarshal(tenders, &tx.Tenders); err != nil {
		return nil, fmt.Errorf("decode tenders of %s: %w", tx.ID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, qty, unit_price
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var item domain.TransactionLine
		if err := rows.Scan(&item.SKU, &item.Name, &item.Qty, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tx.Items = items

	return &tx, nil
}

// CreateCheckout runs serializable and locks every gift card and the
// customer row it touches, so concurrent checkouts cannot overdraw either.
func (s *Store) CreateCheckout(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.IdempotencyKey == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidInput
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
	if tx.Tenders == nil {
		tx.Tenders = []settlement.TenderLine{}
	}
	tenders, err := json.Marshal(tx.Tenders)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	debits := tx.GiftCardDebits()
	cardIDs := make([]string, 0, len(debits))
	for id := range debits {
		cardIDs = append(cardIDs, id)
	}
	sort.Strings(cardIDs)
	for _, id := range cardIDs {
		var card domain.GiftCard
		var expiresAt sql.NullTime
		err := pgTx.QueryRowContext(ctx, `
			SELECT code, balance, active, expires_at
			FROM gift_cards
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&card.Code, &card.Balance, &card.Active, &expiresAt)
		if err != nil {
			return nil, fmt.Errorf("gift card %s: %w", id, notFound(err))
		}
		card.ExpiresAt = timePtr(expiresAt)
		if !card.Usable(tx.CreatedAt) || card.Balance.LessThan(debits[id]) {
			return nil, fmt.Errorf("gift card %s: %w", card.Code, store.ErrInsufficientBalance)
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE gift_cards SET balance = balance - $2 WHERE id = $1
		`, id, debits[id]); err != nil {
			return nil, err
		}
	}

	if tx.CustomerID == "" {
		if tx.PointsRedeemed > 0 || tx.PointsEarned > 0 {
			return nil, store.ErrInvalidInput
		}
	} else {
		var points int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT loyalty_points FROM customers WHERE id = $1 FOR UPDATE
		`, tx.CustomerID).Scan(&points)
		if err != nil {
			return nil, fmt.Errorf("customer %s: %w", tx.CustomerID, notFound(err))
		}
		if points < tx.PointsRedeemed {
			return nil, fmt.Errorf("loyalty points: %w", store.ErrInsufficientBalance)
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE customers SET loyalty_points = loyalty_points + $2 WHERE id = $1
		`, tx.CustomerID, tx.PointsEarned-tx.PointsRedeemed); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, store_id, terminal_id, idempotency_key, cashier_id, customer_id,
			payment_method, gift_card_id, tenders, subtotal, discount_amount,
			loyalty_discount, points_redeemed, points_earned, tax_rate_percent,
			tax_amount, total, cash_received, change_due, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, tx.ID, tx.StoreID, tx.TerminalID, tx.IdempotencyKey, tx.CashierID, nullIfEmpty(tx.CustomerID),
		tx.PaymentMethod, nullIfEmpty(tx.GiftCardID), string(tenders), tx.Subtotal, tx.DiscountAmount,
		tx.LoyaltyDiscount, tx.PointsRedeemed, tx.PointsEarned, tx.TaxRatePercent,
		tx.TaxAmount, tx.Total, tx.CashReceived, tx.ChangeDue, tx.Status, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, sku, name, qty, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, tx.ID, item.SKU, item.Name, item.Qty, item.UnitPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) GetDailyReport(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		StoreID:  storeID,
		ByTender: make([]domain.DailyReportTender, 0, 4),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, tenders, subtotal, discount_amount, loyalty_discount,
			tax_amount, total, points_redeemed, points_earned
		FROM transactions
		WHERE ($1 = '' OR store_id = $1)
			AND created_at >= $2
			AND created_at < $3
	`, storeID, from, to)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		var tx domain.Transaction
		var tenders []byte
		if err := rows.Scan(&tx.PaymentMethod, &tenders, &tx.Subtotal, &tx.DiscountAmount, &tx.LoyaltyDiscount,
			&tx.TaxAmount, &tx.Total, &tx.PointsRedeemed, &tx.PointsEarned); err != nil {
			return report, err
		}
		if err := json.Unmarshal(tenders, &tx.Tenders); err != nil {
			return report, err
		}
		report.Add(tx)
	}
	return report, rows.Err()
}

