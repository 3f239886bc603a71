package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/stitchfield/api/internal/services"
)

var (
	// ErrWebhookSignature indicates the payload failed signature verification.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookIgnored indicates an event type the order flow does not consume.
	ErrWebhookIgnored = errors.New("payments: ignored webhook event")
	// ErrWebhookPayload indicates a verified event whose payload is unusable.
	ErrWebhookPayload = errors.New("payments: malformed webhook payload")
)

const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// WebhookParser verifies Stripe webhook signatures and normalises payment
// intent events into the provider-agnostic shape the order service consumes.
type WebhookParser struct {
	secret    string
	construct func(payload []byte, header, secret string) (stripe.Event, error)
}

// WebhookParserOption configures optional parser behaviour.
type WebhookParserOption func(*WebhookParser)

// WithConstructEvent overrides signature verification, for tests.
func WithConstructEvent(fn func(payload []byte, header, secret string) (stripe.Event, error)) WebhookParserOption {
	return func(p *WebhookParser) {
		if fn != nil {
			p.construct = fn
		}
	}
}

// NewWebhookParser builds a parser bound to the endpoint signing secret.
func NewWebhookParser(signingSecret string, opts ...WebhookParserOption) (*WebhookParser, error) {
	secret := strings.TrimSpace(signingSecret)
	if secret == "" {
		return nil, errors.New("payments: webhook signing secret is required")
	}
	parser := &WebhookParser{
		secret:    secret,
		construct: webhook.ConstructEvent,
	}
	for _, opt := range opts {
		opt(parser)
	}
	return parser, nil
}

// Parse verifies the payload and maps it onto a services.PaymentEvent.
// Unconsumed event types return ErrWebhookIgnored so callers can acknowledge
// them without acting.
func (p *WebhookParser) Parse(payload []byte, signatureHeader string) (services.PaymentEvent, error) {
	event, err := p.construct(payload, signatureHeader, p.secret)
	if err != nil {
		return services.PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	var kind services.PaymentEventKind
	switch string(event.Type) {
	case eventPaymentSucceeded:
		kind = services.PaymentConfirmed
	case eventPaymentFailed:
		kind = services.PaymentFailed
	default:
		return services.PaymentEvent{}, fmt.Errorf("%w: %s", ErrWebhookIgnored, event.Type)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return services.PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}

	orderID := strings.TrimSpace(intent.Metadata[metadataOrderIDKey])
	if orderID == "" {
		return services.PaymentEvent{}, fmt.Errorf("%w: payment intent %s carries no order id", ErrWebhookPayload, intent.ID)
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		occurredAt = time.Now().UTC()
	}

	reason := ""
	if intent.LastPaymentError != nil {
		reason = intent.LastPaymentError.Msg
		if reason == "" {
			reason = string(intent.LastPaymentError.Code)
		}
	}

	return services.PaymentEvent{
		Kind:       kind,
		OrderID:    orderID,
		ProviderID: intent.ID,
		Reason:     reason,
		OccurredAt: occurredAt,
	}, nil
}
