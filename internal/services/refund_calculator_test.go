package services

import (
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
)

func newTestRefundCalculator(t *testing.T) RefundCalculator {
	t.Helper()
	engine := newTestPricingEngine(t, nil)
	calc, err := NewRefundCalculator(RefundCalculatorDeps{Pricing: engine})
	if err != nil {
		t.Fatalf("NewRefundCalculator error: %v", err)
	}
	return calc
}

// refundableOrder builds a delivered two-item order: 3600 + 2900 subtotal,
// 400 tax, 700 shipping.
func refundableOrder() Order {
	return Order{
		ID:     "ord_1",
		Status: domain.OrderStatusDelivered,
		Totals: OrderTotals{Shipping: 700, Tax: 400},
		Items: []LineItem{
			{ID: "itm_a", Quantity: 1, Pricing: &PricingBreakdown{Total: 3600}},
			{ID: "itm_b", Quantity: 1, Pricing: &PricingBreakdown{Total: 2900}},
		},
	}
}

func TestRefundCalculateFull(t *testing.T) {
	calc := newTestRefundCalculator(t)

	quote, err := calc.Calculate(refundableOrder(), domain.RefundTypeFull, nil)
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	want := RefundQuote{Type: domain.RefundTypeFull, Items: 6500, Tax: 400, Shipping: 700, Amount: 7600}
	if quote.Amount != want.Amount || quote.Items != want.Items || quote.Tax != want.Tax || quote.Shipping != want.Shipping {
		t.Fatalf("quote mismatch: want %+v, got %+v", want, quote)
	}

	if _, err := calc.Calculate(refundableOrder(), domain.RefundTypeFull, []string{"itm_a"}); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("full refund with a selection should fail, got %v", err)
	}
}

func TestRefundCalculatePartialProportionalTax(t *testing.T) {
	calc := newTestRefundCalculator(t)

	order := refundableOrder()
	// 3000 of 6500 subtotal selected, 400 tax: share is 184.6, rounds to 185.
	order.Items[0].Pricing = &PricingBreakdown{Total: 3500}
	order.Items[1].Pricing = &PricingBreakdown{Total: 3000}

	quote, err := calc.Calculate(order, domain.RefundTypePartial, []string{"itm_b"})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	if quote.Items != 3000 {
		t.Fatalf("expected items 3000, got %d", quote.Items)
	}
	if quote.Tax != 185 {
		t.Fatalf("expected prorated tax 185, got %d", quote.Tax)
	}
	if quote.Shipping != 0 {
		t.Fatalf("partial refunds never return shipping, got %d", quote.Shipping)
	}
	if quote.Amount != 3185 {
		t.Fatalf("expected amount 3185, got %d", quote.Amount)
	}
	if len(quote.LineItemIDs) != 1 || quote.LineItemIDs[0] != "itm_b" {
		t.Fatalf("expected selection [itm_b], got %v", quote.LineItemIDs)
	}
}

func TestRefundCalculatePartialValidation(t *testing.T) {
	calc := newTestRefundCalculator(t)

	if _, err := calc.Calculate(refundableOrder(), domain.RefundTypePartial, nil); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("empty selection should fail, got %v", err)
	}

	if _, err := calc.Calculate(refundableOrder(), domain.RefundTypePartial, []string{"itm_zzz"}); !errors.Is(err, ErrRefundUnknownItem) {
		t.Fatalf("unknown item should fail, got %v", err)
	}

	if _, err := calc.Calculate(refundableOrder(), domain.RefundTypePartial, []string{"itm_a", "itm_b"}); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("selecting every item should demand a full refund, got %v", err)
	}

	if _, err := calc.Calculate(refundableOrder(), domain.RefundTypePartial, []string{"itm_a", "itm_a"}); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("duplicate selection should fail, got %v", err)
	}

	if _, err := calc.Calculate(refundableOrder(), "store_credit", nil); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("unknown refund type should fail, got %v", err)
	}
}

// partiallyRefundedOrder applies a granted itm_b refund to refundableOrder:
// 2900 items + round(400 * 2900 / 6500) = 178 tax, 3078 total.
func partiallyRefundedOrder() Order {
	order := refundableOrder()
	resolved := time.Now()
	order.RefundStatus = domain.RefundStatusPartial
	order.RefundedAmount = 3078
	order.Refunds = []RefundRequest{{
		ID:          "rfd_1",
		Type:        domain.RefundTypePartial,
		LineItemIDs: []string{"itm_b"},
		Amount:      3078,
		Status:      domain.RefundRequestPartial,
		RequestedAt: resolved,
		ResolvedAt:  &resolved,
	}}
	return order
}

func TestRefundCalculateFullAfterPartialQuotesRemainder(t *testing.T) {
	calc := newTestRefundCalculator(t)
	order := partiallyRefundedOrder()

	quote, err := calc.Calculate(order, domain.RefundTypeFull, nil)
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	if quote.Items != 3600 {
		t.Fatalf("expected remaining items 3600, got %d", quote.Items)
	}
	if quote.Tax != 222 {
		t.Fatalf("expected remaining tax 222, got %d", quote.Tax)
	}
	if quote.Shipping != 700 {
		t.Fatalf("expected shipping 700, got %d", quote.Shipping)
	}
	if quote.Amount != 4522 {
		t.Fatalf("expected remainder 4522, got %d", quote.Amount)
	}
	if order.RefundedAmount+quote.Amount != 7600 {
		t.Fatalf("cumulative refund %d must equal the 7600 order total", order.RefundedAmount+quote.Amount)
	}
}

func TestRefundCalculatePartialExcludesRefundedItems(t *testing.T) {
	calc := newTestRefundCalculator(t)
	order := partiallyRefundedOrder()

	if _, err := calc.Calculate(order, domain.RefundTypePartial, []string{"itm_b"}); !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("already-refunded item should be rejected, got %v", err)
	}
	if _, err := calc.Calculate(order, domain.RefundTypePartial, []string{"itm_a"}); err != nil {
		t.Fatalf("remaining item should still quote, got %v", err)
	}
}

func TestRefundCalculateRejectsOpenRequest(t *testing.T) {
	calc := newTestRefundCalculator(t)

	order := refundableOrder()
	order.Refunds = []RefundRequest{{
		ID:          "rfd_1",
		Type:        domain.RefundTypePartial,
		Status:      domain.RefundRequestRequested,
		RequestedAt: time.Now(),
	}}

	if _, err := calc.Calculate(order, domain.RefundTypeFull, nil); !errors.Is(err, ErrRefundAlreadyRequested) {
		t.Fatalf("open request should block a new quote, got %v", err)
	}

	order.Refunds[0].Status = domain.RefundRequestDenied
	if _, err := calc.Calculate(order, domain.RefundTypeFull, nil); err != nil {
		t.Fatalf("resolved request should not block, got %v", err)
	}
}
