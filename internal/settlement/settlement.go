// Package settlement computes the amounts a checkout displays and submits:
// discounts, loyalty redemption, tax, tender balance and change due.
//
// Every function here is pure. Amounts are rounded to cents each time a
// derived value is produced so that what the cashier sees is what gets
// persisted.
package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type TenderMethod string

const (
	TenderCash     TenderMethod = "cash"
	TenderCredit   TenderMethod = "credit"
	TenderDebit    TenderMethod = "debit"
	TenderGiftCard TenderMethod = "gift_card"
	TenderPoints   TenderMethod = "points"
	TenderMobile   TenderMethod = "mobile"
)

// TaxMode selects how the tax rate relates to the discounted amount.
type TaxMode string

const (
	// TaxAdditive adds rate% on top of the discounted amount.
	TaxAdditive TaxMode = "additive"
	// TaxInclusive treats the discounted amount as already containing tax
	// and only extracts the tax portion for display.
	TaxInclusive TaxMode = "inclusive"
)

var (
	ErrNegativeAmount     = errors.New("amount must not be negative")
	ErrInvalidDiscount    = errors.New("invalid discount")
	ErrInvalidTaxRate     = errors.New("tax rate must be between 0 and 100")
	ErrInvalidTender      = errors.New("invalid tender line")
	ErrGiftCardRequired   = errors.New("a verified gift card is required")
	ErrBalanceOutstanding = errors.New("remaining balance must be paid before completing")
	ErrTenderExceedsTotal = errors.New("tendered amount exceeds the total due")
	ErrInsufficientCash   = errors.New("cash received is less than the total due")
)

// Epsilon is the largest remaining balance still treated as fully paid.
var Epsilon = decimal.RequireFromString("0.001")

var hundred = decimal.NewFromInt(100)

type Discount struct {
	Type  DiscountType    `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type LoyaltyRedemption struct {
	PointsAvailable       int64 `json:"points_available"`
	PointValueCents       int64 `json:"point_value_cents"`
	MinimumPointsToRedeem int64 `json:"minimum_points_to_redeem"`
}

type TenderLine struct {
	Method     TenderMethod    `json:"method"`
	Amount     decimal.Decimal `json:"amount"`
	GiftCardID string          `json:"gift_card_id,omitempty"`
}

type Input struct {
	Subtotal       decimal.Decimal    `json:"subtotal"`
	Discount       *Discount          `json:"discount,omitempty"`
	Loyalty        *LoyaltyRedemption `json:"loyalty,omitempty"`
	UsePoints      bool               `json:"use_points"`
	TaxRatePercent decimal.Decimal    `json:"tax_rate_percent"`
	Tenders        []TenderLine       `json:"tenders,omitempty"`
	CashReceived   decimal.Decimal    `json:"cash_received"`
}

type Result struct {
	DiscountAmount         decimal.Decimal `json:"discount_amount"`
	LoyaltyDiscount        decimal.Decimal `json:"loyalty_discount"`
	PointsRedeemed         int64           `json:"points_redeemed"`
	SubtotalAfterDiscounts decimal.Decimal `json:"subtotal_after_discounts"`
	TaxAmount              decimal.Decimal `json:"tax_amount"`
	FinalTotal             decimal.Decimal `json:"final_total"`
	Tendered               decimal.Decimal `json:"tendered"`
	RemainingBalance       decimal.Decimal `json:"remaining_balance"`
	ChangeDue              decimal.Decimal `json:"change_due"`
}

type Calculator struct {
	mode TaxMode
}

func NewCalculator(mode TaxMode) *Calculator {
	if mode != TaxInclusive {
		mode = TaxAdditive
	}
	return &Calculator{mode: mode}
}

func (c *Calculator) Mode() TaxMode {
	return c.mode
}

// Settle derives every checkout amount from in. Discounts apply in a fixed
// order: the flat/percentage discount first, then loyalty points against
// what is left, then tax on the discounted amount.
func (c *Calculator) Settle(in Input) (Result, error) {
	if in.Subtotal.IsNegative() || in.CashReceived.IsNegative() {
		return Result{}, ErrNegativeAmount
	}
	if in.TaxRatePercent.IsNegative() || in.TaxRatePercent.GreaterThan(hundred) {
		return Result{}, ErrInvalidTaxRate
	}
	for i, tender := range in.Tenders {
		if tender.Amount.IsNegative() {
			return Result{}, fmt.Errorf("%w: line %d", ErrNegativeAmount, i)
		}
	}

	subtotal := cents(in.Subtotal)
	discount, err := DiscountAmount(subtotal, in.Discount)
	if err != nil {
		return Result{}, err
	}

	afterDiscount := subtotal.Sub(discount)
	loyalty := decimal.Zero
	var pointsRedeemed int64
	if in.UsePoints && in.Loyalty != nil {
		loyalty, pointsRedeemed = LoyaltyDiscount(afterDiscount, *in.Loyalty)
	}

	afterDiscounts := decimal.Max(decimal.Zero, afterDiscount.Sub(loyalty))
	tax := Tax(afterDiscounts, in.TaxRatePercent, c.mode)
	total := afterDiscounts
	if c.mode == TaxAdditive {
		total = total.Add(tax)
	}

	tendered := sumTenders(in.Tenders)
	return Result{
		DiscountAmount:         discount,
		LoyaltyDiscount:        loyalty,
		PointsRedeemed:         pointsRedeemed,
		SubtotalAfterDiscounts: afterDiscounts,
		TaxAmount:              tax,
		FinalTotal:             total,
		Tendered:               tendered,
		RemainingBalance:       RemainingBalance(total, in.Tenders),
		ChangeDue:              ChangeDue(total, in.CashReceived),
	}, nil
}

// DiscountAmount returns the discount actually applied to subtotal, which
// is never more than subtotal itself.
func DiscountAmount(subtotal decimal.Decimal, d *Discount) (decimal.Decimal, error) {
	if d == nil || d.Value.IsZero() {
		return decimal.Zero, nil
	}
	if d.Value.IsNegative() {
		return decimal.Zero, ErrInvalidDiscount
	}
	if subtotal.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	var nominal decimal.Decimal
	switch d.Type {
	case DiscountPercentage:
		nominal = subtotal.Mul(decimal.Min(d.Value, hundred)).Div(hundred)
	case DiscountFixed:
		nominal = d.Value
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, d.Type)
	}
	return cents(decimal.Min(nominal, subtotal)), nil
}

// LoyaltyDiscount returns the dollar value redeemed against balance and the
// number of points that value consumes. Redemption only happens once the
// customer holds at least the configured minimum.
func LoyaltyDiscount(balance decimal.Decimal, l LoyaltyRedemption) (decimal.Decimal, int64) {
	if l.PointsAvailable <= 0 || l.PointValueCents <= 0 || l.PointsAvailable < l.MinimumPointsToRedeem {
		return decimal.Zero, 0
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, 0
	}

	value := PointsValue(l.PointsAvailable, l.PointValueCents)
	if value.LessThanOrEqual(balance) {
		return value, l.PointsAvailable
	}

	discount := cents(balance)
	points := PointsFor(discount, l.PointValueCents)
	if points > l.PointsAvailable {
		points = l.PointsAvailable
	}
	return discount, points
}

// PointsValue is points * pointValueCents / 100 in currency units.
func PointsValue(points int64, pointValueCents int64) decimal.Decimal {
	return cents(decimal.NewFromInt(points).Mul(decimal.NewFromInt(pointValueCents)).Div(hundred))
}

// PointsFor is the smallest number of points worth at least amount.
func PointsFor(amount decimal.Decimal, pointValueCents int64) int64 {
	if pointValueCents <= 0 || amount.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return amount.Mul(hundred).Div(decimal.NewFromInt(pointValueCents)).Ceil().IntPart()
}

func Tax(base decimal.Decimal, ratePercent decimal.Decimal, mode TaxMode) decimal.Decimal {
	if base.LessThanOrEqual(decimal.Zero) || ratePercent.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	rate := ratePercent.Div(hundred)
	if mode == TaxInclusive {
		return cents(base.Sub(base.Div(decimal.NewFromInt(1).Add(rate))))
	}
	return cents(base.Mul(rate))
}

func RemainingBalance(total decimal.Decimal, tenders []TenderLine) decimal.Decimal {
	return cents(decimal.Max(decimal.Zero, total.Sub(sumTenders(tenders))))
}

func ChangeDue(total decimal.Decimal, cashReceived decimal.Decimal) decimal.Decimal {
	return cents(decimal.Max(decimal.Zero, cashReceived.Sub(total)))
}

// IsSupportedTender reports whether method can appear on a tender line.
func IsSupportedTender(method TenderMethod) bool {
	switch method {
	case TenderCash, TenderCredit, TenderDebit, TenderGiftCard, TenderPoints, TenderMobile:
		return true
	default:
		return false
	}
}

// NormalizeTender lower-cases the method and trims the gift card id.
func NormalizeTender(line TenderLine) TenderLine {
	line.Method = TenderMethod(strings.ToLower(strings.TrimSpace(string(line.Method))))
	line.GiftCardID = strings.TrimSpace(line.GiftCardID)
	line.Amount = cents(line.Amount)
	return line
}

func sumTenders(tenders []TenderLine) decimal.Decimal {
	sum := decimal.Zero
	for _, tender := range tenders {
		sum = sum.Add(tender.Amount)
	}
	return cents(sum)
}

func cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
