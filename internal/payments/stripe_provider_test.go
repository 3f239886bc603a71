package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

type stubRefundAPI struct {
	params *stripe.RefundParams
	err    error
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.Refund{ID: "re_1"}, nil
}

func newStubProvider(t *testing.T, sessions *stubSessionAPI, refunds *stubRefundAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{sessions: sessions, refunds: refunds},
		Clock:   func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewStripeProvider error: %v", err)
	}
	return provider
}

func TestStripeCreateCheckoutSession(t *testing.T) {
	sessions := &stubSessionAPI{
		session: &stripe.CheckoutSession{
			ID:            "cs_1",
			URL:           "https://checkout.stripe.test/cs_1",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
			ExpiresAt:     time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC).Unix(),
		},
	}
	provider := newStubProvider(t, sessions, &stubRefundAPI{})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:  "ord_1",
		Currency: "USD",
		Items: []CheckoutLineItem{
			{Name: "Classic Hoodie", Quantity: 1, Amount: 3600},
		},
		SuccessURL: "https://shop.test/orders/ord_1?paid=1",
		CancelURL:  "https://shop.test/orders/ord_1",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession error: %v", err)
	}
	if session.ID != "cs_1" || session.IntentID != "pi_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.RedirectURL != "https://checkout.stripe.test/cs_1" {
		t.Fatalf("unexpected redirect %q", session.RedirectURL)
	}

	params := sessions.params
	if params == nil {
		t.Fatalf("expected session params to be sent")
	}
	if params.PaymentIntentData == nil || params.PaymentIntentData.Metadata["orderId"] != "ord_1" {
		t.Fatalf("order id must ride on payment intent metadata, got %+v", params.PaymentIntentData)
	}
	if len(params.LineItems) != 1 || *params.LineItems[0].PriceData.UnitAmount != 3600 {
		t.Fatalf("unexpected line items %+v", params.LineItems)
	}
	if *params.LineItems[0].PriceData.Currency != "usd" {
		t.Fatalf("currency should be lower-cased, got %q", *params.LineItems[0].PriceData.Currency)
	}
}

func TestStripeCreateCheckoutSessionRequiresOrderID(t *testing.T) {
	provider := newStubProvider(t, &stubSessionAPI{session: &stripe.CheckoutSession{}}, &stubRefundAPI{})

	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Currency: "USD"}); err == nil {
		t.Fatalf("expected error for missing order id")
	}
}

func TestStripeIssueRefund(t *testing.T) {
	refunds := &stubRefundAPI{}
	provider := newStubProvider(t, &stubSessionAPI{}, refunds)

	err := provider.IssueRefund(context.Background(), RefundIssueRequest{
		IntentID: "pi_1",
		Amount:   3185,
		Reason:   "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("IssueRefund error: %v", err)
	}
	if refunds.params == nil || *refunds.params.PaymentIntent != "pi_1" {
		t.Fatalf("expected refund against pi_1, got %+v", refunds.params)
	}
	if *refunds.params.Amount != 3185 {
		t.Fatalf("expected partial amount 3185, got %d", *refunds.params.Amount)
	}
	if *refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected mapped reason, got %q", *refunds.params.Reason)
	}

	refunds.err = errors.New("stripe down")
	if err := provider.IssueRefund(context.Background(), RefundIssueRequest{IntentID: "pi_1"}); err == nil {
		t.Fatalf("expected propagated refund failure")
	}
}
