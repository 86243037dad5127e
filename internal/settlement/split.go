package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SplitSession collects tender lines for one checkout in entry order.
// The remaining balance never increases while lines are being added.
type SplitSession struct {
	total   decimal.Decimal
	tenders []TenderLine
}

func NewSplitSession(finalTotal decimal.Decimal) *SplitSession {
	return &SplitSession{total: cents(decimal.Max(decimal.Zero, finalTotal))}
}

func (s *SplitSession) Total() decimal.Decimal {
	return s.total
}

func (s *SplitSession) Tenders() []TenderLine {
	out := make([]TenderLine, len(s.tenders))
	copy(out, s.tenders)
	return out
}

func (s *SplitSession) Remaining() decimal.Decimal {
	return RemainingBalance(s.total, s.tenders)
}

// AddTender appends line after checking it against the balance still owed.
func (s *SplitSession) AddTender(line TenderLine) error {
	line = NormalizeTender(line)
	if !IsSupportedTender(line.Method) {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidTender, line.Method)
	}
	if !line.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTender)
	}
	if line.Method == TenderGiftCard && line.GiftCardID == "" {
		return ErrGiftCardRequired
	}
	if line.Amount.GreaterThan(s.Remaining()) {
		return ErrTenderExceedsTotal
	}
	s.tenders = append(s.tenders, line)
	return nil
}

func (s *SplitSession) RemoveTender(index int) error {
	if index < 0 || index >= len(s.tenders) {
		return fmt.Errorf("%w: no line at index %d", ErrInvalidTender, index)
	}
	s.tenders = append(s.tenders[:index], s.tenders[index+1:]...)
	return nil
}

func (s *SplitSession) Complete() bool {
	return s.Remaining().LessThanOrEqual(Epsilon)
}

// PaymentRequest is what a checkout submits alongside the settled amounts.
type PaymentRequest struct {
	Method       TenderMethod
	GiftCardID   string
	Split        []TenderLine
	CashReceived decimal.Decimal
}

func (p PaymentRequest) IsSplit() bool {
	return len(p.Split) > 0
}

// ValidateSubmission enforces the checks that must pass before a checkout
// is allowed to complete.
func ValidateSubmission(req PaymentRequest, result Result) error {
	if req.IsSplit() {
		tendered := sumTenders(req.Split)
		for _, line := range req.Split {
			if !IsSupportedTender(line.Method) || !line.Amount.IsPositive() {
				return ErrInvalidTender
			}
			if line.Method == TenderGiftCard && strings.TrimSpace(line.GiftCardID) == "" {
				return ErrGiftCardRequired
			}
		}
		if tendered.Sub(result.FinalTotal).GreaterThan(Epsilon) {
			return ErrTenderExceedsTotal
		}
		if result.FinalTotal.Sub(tendered).GreaterThan(Epsilon) {
			return ErrBalanceOutstanding
		}
		return nil
	}

	switch req.Method {
	case TenderGiftCard:
		if strings.TrimSpace(req.GiftCardID) == "" {
			return ErrGiftCardRequired
		}
	case TenderCash:
		if req.CashReceived.LessThan(result.FinalTotal) {
			return ErrInsufficientCash
		}
	default:
		if !IsSupportedTender(req.Method) {
			return fmt.Errorf("%w: unsupported method %q", ErrInvalidTender, req.Method)
		}
	}
	return nil
}
