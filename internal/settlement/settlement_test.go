package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

func TestFixedDiscountClampedToSubtotal(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal: money("50"),
		Discount: &Discount{Type: DiscountFixed, Value: money("75")},
	})
	require.NoError(t, err)

	assertMoney(t, "50.00", res.DiscountAmount)
	assertMoney(t, "0.00", res.FinalTotal)
}

func TestPercentageDiscountThenAdditiveTax(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal:       money("100"),
		Discount:       &Discount{Type: DiscountPercentage, Value: money("10")},
		TaxRatePercent: money("8"),
	})
	require.NoError(t, err)

	assertMoney(t, "10.00", res.DiscountAmount)
	assertMoney(t, "90.00", res.SubtotalAfterDiscounts)
	assertMoney(t, "7.20", res.TaxAmount)
	assertMoney(t, "97.20", res.FinalTotal)
}

func TestInclusiveTaxExtractsWithoutChangingTotal(t *testing.T) {
	calc := NewCalculator(TaxInclusive)

	res, err := calc.Settle(Input{Subtotal: money("108"), TaxRatePercent: money("8")})
	require.NoError(t, err)

	assertMoney(t, "8.00", res.TaxAmount)
	assertMoney(t, "108.00", res.FinalTotal)
	assert.Equal(t, TaxInclusive, calc.Mode())
}

func TestUnknownTaxModeFallsBackToAdditive(t *testing.T) {
	assert.Equal(t, TaxAdditive, NewCalculator("weird").Mode())
}

func TestLoyaltyNeverExceedsRemainingBalance(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal:  money("20"),
		UsePoints: true,
		Loyalty:   &LoyaltyRedemption{PointsAvailable: 3000, PointValueCents: 1},
	})
	require.NoError(t, err)

	assertMoney(t, "20.00", res.LoyaltyDiscount)
	assertMoney(t, "0.00", res.FinalTotal)
	assert.Equal(t, int64(2000), res.PointsRedeemed)
}

func TestLoyaltyAppliesAfterDiscount(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal:  money("40"),
		Discount:  &Discount{Type: DiscountFixed, Value: money("15")},
		UsePoints: true,
		Loyalty:   &LoyaltyRedemption{PointsAvailable: 500, PointValueCents: 2, MinimumPointsToRedeem: 100},
	})
	require.NoError(t, err)

	assertMoney(t, "15.00", res.DiscountAmount)
	assertMoney(t, "10.00", res.LoyaltyDiscount)
	assertMoney(t, "15.00", res.FinalTotal)
	assert.Equal(t, int64(500), res.PointsRedeemed)
}

func TestLoyaltyBelowMinimumIsIgnored(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal:  money("20"),
		UsePoints: true,
		Loyalty:   &LoyaltyRedemption{PointsAvailable: 99, PointValueCents: 10, MinimumPointsToRedeem: 100},
	})
	require.NoError(t, err)

	assert.True(t, res.LoyaltyDiscount.IsZero())
	assert.Zero(t, res.PointsRedeemed)
	assertMoney(t, "20.00", res.FinalTotal)
}

func TestLoyaltyIgnoredWhenNotRequested(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	res, err := calc.Settle(Input{
		Subtotal: money("20"),
		Loyalty:  &LoyaltyRedemption{PointsAvailable: 5000, PointValueCents: 1},
	})
	require.NoError(t, err)
	assertMoney(t, "20.00", res.FinalTotal)
}

func TestFinalTotalNeverNegative(t *testing.T) {
	calc := NewCalculator(TaxAdditive)
	subtotals := []string{"0", "0.01", "3.33", "19.99", "250"}
	discounts := []Discount{
		{Type: DiscountFixed, Value: money("0")},
		{Type: DiscountFixed, Value: money("5")},
		{Type: DiscountFixed, Value: money("1000")},
		{Type: DiscountPercentage, Value: money("50")},
		{Type: DiscountPercentage, Value: money("150")},
	}

	for _, subtotal := range subtotals {
		for _, discount := range discounts {
			d := discount
			res, err := calc.Settle(Input{
				Subtotal:       money(subtotal),
				Discount:       &d,
				UsePoints:      true,
				Loyalty:        &LoyaltyRedemption{PointsAvailable: 10000, PointValueCents: 1},
				TaxRatePercent: money("11"),
			})
			require.NoError(t, err)
			assert.False(t, res.FinalTotal.IsNegative(), "subtotal=%s discount=%+v", subtotal, d)
			assert.True(t, res.DiscountAmount.LessThanOrEqual(money(subtotal)))
		}
	}
}

func TestSettleRejectsInvalidInput(t *testing.T) {
	calc := NewCalculator(TaxAdditive)

	_, err := calc.Settle(Input{Subtotal: money("-1")})
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = calc.Settle(Input{Subtotal: money("10"), TaxRatePercent: money("101")})
	assert.ErrorIs(t, err, ErrInvalidTaxRate)

	_, err = calc.Settle(Input{Subtotal: money("10"), Discount: &Discount{Type: "bogus", Value: money("1")}})
	assert.ErrorIs(t, err, ErrInvalidDiscount)

	_, err = calc.Settle(Input{Subtotal: money("10"), Tenders: []TenderLine{{Method: TenderCash, Amount: money("-2")}}})
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestChangeDue(t *testing.T) {
	cases := []struct {
		name string
		cash string
		want string
	}{
		{"overpaid", "20.00", "1.75"},
		{"exact", "18.25", "0.00"},
		{"short", "10.00", "0.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertMoney(t, tc.want, ChangeDue(money("18.25"), money(tc.cash)))
		})
	}
}

func TestRemainingBalanceAfterTenders(t *testing.T) {
	res, err := NewCalculator(TaxAdditive).Settle(Input{
		Subtotal: money("43.50"),
		Tenders: []TenderLine{
			{Method: TenderCash, Amount: money("20")},
			{Method: TenderCredit, Amount: money("23.50")},
		},
	})
	require.NoError(t, err)

	assertMoney(t, "43.50", res.Tendered)
	assertMoney(t, "0.00", res.RemainingBalance)
}

func TestPointsConversions(t *testing.T) {
	assertMoney(t, "30.00", PointsValue(3000, 1))
	assert.Equal(t, int64(334), PointsFor(money("3.34"), 1))
	assert.Equal(t, int64(2), PointsFor(money("0.03"), 2))
	assert.Zero(t, PointsFor(money("5"), 0))
}
