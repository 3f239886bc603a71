package payments

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"

	"github.com/stitchfield/api/internal/services"
)

func intentEvent(t *testing.T, eventType string, intent stripe.PaymentIntent) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	return stripe.Event{
		Type:    stripe.EventType(eventType),
		Created: 1750000000,
		Data:    &stripe.EventData{Raw: raw},
	}
}

func newTestParser(t *testing.T, event stripe.Event, constructErr error) *WebhookParser {
	t.Helper()
	parser, err := NewWebhookParser("whsec_test", WithConstructEvent(
		func(payload []byte, header, secret string) (stripe.Event, error) {
			if constructErr != nil {
				return stripe.Event{}, constructErr
			}
			if secret != "whsec_test" {
				t.Fatalf("unexpected secret %q", secret)
			}
			return event, nil
		},
	))
	if err != nil {
		t.Fatalf("NewWebhookParser error: %v", err)
	}
	return parser
}

func TestWebhookParseSucceeded(t *testing.T) {
	event := intentEvent(t, "payment_intent.succeeded", stripe.PaymentIntent{
		ID:       "pi_123",
		Metadata: map[string]string{"orderId": "ord_1"},
	})
	parser := newTestParser(t, event, nil)

	got, err := parser.Parse([]byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got.Kind != services.PaymentConfirmed {
		t.Fatalf("expected PaymentConfirmed, got %s", got.Kind)
	}
	if got.OrderID != "ord_1" || got.ProviderID != "pi_123" {
		t.Fatalf("unexpected routing fields: %+v", got)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected event timestamp")
	}
}

func TestWebhookParseFailedCarriesReason(t *testing.T) {
	event := intentEvent(t, "payment_intent.payment_failed", stripe.PaymentIntent{
		ID:               "pi_456",
		Metadata:         map[string]string{"orderId": "ord_2"},
		LastPaymentError: &stripe.Error{Msg: "Your card was declined."},
	})
	parser := newTestParser(t, event, nil)

	got, err := parser.Parse([]byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got.Kind != services.PaymentFailed {
		t.Fatalf("expected PaymentFailed, got %s", got.Kind)
	}
	if got.Reason != "Your card was declined." {
		t.Fatalf("expected decline reason, got %q", got.Reason)
	}
}

func TestWebhookParseIgnoresOtherEvents(t *testing.T) {
	event := intentEvent(t, "charge.refunded", stripe.PaymentIntent{ID: "pi_789"})
	parser := newTestParser(t, event, nil)

	if _, err := parser.Parse([]byte(`{}`), "sig"); !errors.Is(err, ErrWebhookIgnored) {
		t.Fatalf("expected ErrWebhookIgnored, got %v", err)
	}
}

func TestWebhookParseBadSignature(t *testing.T) {
	parser := newTestParser(t, stripe.Event{}, errors.New("bad signature"))

	if _, err := parser.Parse([]byte(`{}`), "sig"); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected ErrWebhookSignature, got %v", err)
	}
}

func TestWebhookParseMissingOrderID(t *testing.T) {
	event := intentEvent(t, "payment_intent.succeeded", stripe.PaymentIntent{ID: "pi_123"})
	parser := newTestParser(t, event, nil)

	if _, err := parser.Parse([]byte(`{}`), "sig"); !errors.Is(err, ErrWebhookPayload) {
		t.Fatalf("expected ErrWebhookPayload, got %v", err)
	}
}
