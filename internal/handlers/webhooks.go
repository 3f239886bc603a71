package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// PaymentEventParser verifies and normalises an inbound PSP webhook payload.
type PaymentEventParser interface {
	Parse(payload []byte, signatureHeader string) (services.PaymentEvent, error)
}

// WebhookHandlers terminates PSP webhooks and feeds payment events into the
// order lifecycle. Responses are calibrated for provider retry semantics:
// 2xx acknowledges, non-2xx requests redelivery.
type WebhookHandlers struct {
	parser PaymentEventParser
	orders services.OrderService
	logger *zap.Logger
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(parser PaymentEventParser, orders services.OrderService, logger *zap.Logger) *WebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandlers{
		parser: parser,
		orders: orders,
		logger: logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookAck struct {
	Received bool `json:"received"`
	Handled  bool `json:"handled"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read webhook payload", http.StatusBadRequest))
		return
	}

	event, err := h.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrWebhookIgnored):
			writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})
		case errors.Is(err, payments.ErrWebhookSignature):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		case errors.Is(err, payments.ErrWebhookPayload):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload is unusable", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to parse webhook", http.StatusInternalServerError))
		}
		return
	}

	if _, err := h.orders.HandlePaymentEvent(ctx, event); err != nil {
		switch {
		case errors.Is(err, services.ErrOrderPayment):
			// Failure recorded on the order. Acknowledge so the provider
			// does not redeliver.
			writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Handled: true})
		case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderInvalidState):
			// Nothing to apply the event to. Redelivery would not help.
			h.logger.Warn("webhook.payment.unapplied",
				zap.String("orderId", event.OrderID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
			writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})
		default:
			h.logger.Error("webhook.payment.failed",
				zap.String("orderId", event.OrderID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process payment event", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Handled: true})
}
