package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/settlement"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	LoyaltyPoints int64     `json:"loyalty_points"`
	CreatedAt     time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

type GiftCard struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Usable reports whether the card can pay at instant at.
func (g GiftCard) Usable(at time.Time) bool {
	if !g.Active || !g.Balance.IsPositive() {
		return false
	}
	return g.ExpiresAt == nil || at.Before(*g.ExpiresAt)
}

type GiftCardIssueRequest struct {
	Code           string          `json:"code"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	ExpiresAt      string          `json:"expires_at,omitempty"`
}

type GiftCardVerifyRequest struct {
	Code string `json:"code"`
}

type CheckoutItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type QuoteRequest struct {
	CustomerID     string                  `json:"customer_id,omitempty"`
	UsePoints      bool                    `json:"use_points"`
	Discount       *settlement.Discount    `json:"discount,omitempty"`
	TaxRatePercent *decimal.Decimal        `json:"tax_rate_percent,omitempty"`
	Items          []CheckoutItem          `json:"items"`
	SplitPayments  []settlement.TenderLine `json:"split_payments,omitempty"`
	CashReceived   decimal.Decimal         `json:"cash_received"`
}

type QuoteResponse struct {
	Subtotal   decimal.Decimal   `json:"subtotal"`
	TaxMode    string            `json:"tax_mode"`
	Settlement settlement.Result `json:"settlement"`
}

type CheckoutRequest struct {
	IdempotencyKey string                  `json:"idempotency_key"`
	StoreID        string                  `json:"store_id"`
	TerminalID     string                  `json:"terminal_id"`
	CustomerID     string                  `json:"customer_id,omitempty"`
	UsePoints      bool                    `json:"use_points"`
	PaymentMethod  string                  `json:"payment_method"`
	GiftCardID     string                  `json:"gift_card_id,omitempty"`
	SplitPayments  []settlement.TenderLine `json:"split_payments,omitempty"`
	CashReceived   decimal.Decimal         `json:"cash_received"`
	Discount       *settlement.Discount    `json:"discount,omitempty"`
	TaxRatePercent *decimal.Decimal        `json:"tax_rate_percent,omitempty"`
	Items          []CheckoutItem          `json:"items"`
}

type CheckoutResponse struct {
	TransactionID  string                  `json:"transaction_id"`
	Status         string                  `json:"status"`
	PaymentMethod  string                  `json:"payment_method"`
	Tenders        []settlement.TenderLine `json:"tenders,omitempty"`
	Subtotal       decimal.Decimal         `json:"subtotal"`
	DiscountAmount decimal.Decimal         `json:"discount_amount"`
	LoyaltyAmount  decimal.Decimal         `json:"loyalty_discount"`
	TaxAmount      decimal.Decimal         `json:"tax_amount"`
	Total          decimal.Decimal         `json:"total"`
	CashReceived   decimal.Decimal         `json:"cash_received"`
	ChangeDue      decimal.Decimal         `json:"change_due"`
	PointsRedeemed int64                   `json:"points_redeemed"`
	PointsEarned   int64                   `json:"points_earned"`
	ItemCount      int                     `json:"item_count"`
	CashierID      string                  `json:"cashier_id"`
	CustomerID     string                  `json:"customer_id,omitempty"`
	Duplicate      bool                    `json:"duplicate"`
	CreatedAt      string                  `json:"created_at"`
}

type CheckoutLookupResponse struct {
	Found    bool              `json:"found"`
	Checkout *CheckoutResponse `json:"checkout,omitempty"`
}

type TransactionLine struct {
	SKU       string
	Name      string
	Qty       int
	UnitPrice decimal.Decimal
}

type Transaction struct {
	ID              string
	StoreID         string
	TerminalID      string
	IdempotencyKey  string
	CashierID       string
	CustomerID      string
	PaymentMethod   string
	GiftCardID      string
	Tenders         []settlement.TenderLine
	Subtotal        decimal.Decimal
	DiscountAmount  decimal.Decimal
	LoyaltyDiscount decimal.Decimal
	PointsRedeemed  int64
	PointsEarned    int64
	TaxRatePercent  decimal.Decimal
	TaxAmount       decimal.Decimal
	Total           decimal.Decimal
	CashReceived    decimal.Decimal
	ChangeDue       decimal.Decimal
	Status          string
	CreatedAt       time.Time
	Items           []TransactionLine
}

// GiftCardDebits sums what tx charges to each gift card.
func (tx Transaction) GiftCardDebits() map[string]decimal.Decimal {
	debits := make(map[string]decimal.Decimal)
	if len(tx.Tenders) == 0 {
		if tx.PaymentMethod == string(settlement.TenderGiftCard) && tx.GiftCardID != "" {
			debits[tx.GiftCardID] = tx.Total
		}
		return debits
	}
	for _, tender := range tx.Tenders {
		if tender.Method != settlement.TenderGiftCard {
			continue
		}
		debits[tender.GiftCardID] = debits[tender.GiftCardID].Add(tender.Amount)
	}
	return debits
}

type DailyReportTender struct {
	Method       string          `json:"method"`
	Transactions int64           `json:"transactions"`
	Amount       decimal.Decimal `json:"amount"`
}

type DailyReport struct {
	StoreID          string              `json:"store_id"`
	Date             string              `json:"date"`
	Transactions     int64               `json:"transactions"`
	GrossSales       decimal.Decimal     `json:"gross_sales"`
	Discounts        decimal.Decimal     `json:"discounts"`
	LoyaltyDiscounts decimal.Decimal     `json:"loyalty_discounts"`
	Tax              decimal.Decimal     `json:"tax"`
	NetSales         decimal.Decimal     `json:"net_sales"`
	PointsRedeemed   int64               `json:"points_redeemed"`
	PointsEarned     int64               `json:"points_earned"`
	ByTender         []DailyReportTender `json:"by_tender"`
}

// Add folds tx into the report. Split checkouts count once per tender
// line; single tender checkouts are booked under their payment method.
func (r *DailyReport) Add(tx Transaction) {
	r.Transactions++
	r.GrossSales = r.GrossSales.Add(tx.Subtotal)
	r.Discounts = r.Discounts.Add(tx.DiscountAmount)
	r.LoyaltyDiscounts = r.LoyaltyDiscounts.Add(tx.LoyaltyDiscount)
	r.Tax = r.Tax.Add(tx.TaxAmount)
	r.NetSales = r.NetSales.Add(tx.Total)
	r.PointsRedeemed += tx.PointsRedeemed
	r.PointsEarned += tx.PointsEarned

	if len(tx.Tenders) == 0 {
		r.addTender(tx.PaymentMethod, tx.Total)
		return
	}
	for _, tender := range tx.Tenders {
		r.addTender(string(tender.Method), tender.Amount)
	}
}

func (r *DailyReport) addTender(method string, amount decimal.Decimal) {
	for i := range r.ByTender {
		if r.ByTender[i].Method == method {
			r.ByTender[i].Transactions++
			r.ByTender[i].Amount = r.ByTender[i].Amount.Add(amount)
			return
		}
	}
	r.ByTender = append(r.ByTender, DailyReportTender{Method: method, Transactions: 1, Amount: amount})
	slices.SortFunc(r.ByTender, func(a, b DailyReportTender) int {
		return strings.Compare(a.Method, b.Method)
	})
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	TxStatusPaid = "paid"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
