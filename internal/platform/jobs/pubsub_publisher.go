package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/stitchfield/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub
// topic. Downstream consumers (notifications, analytics) subscribe to it.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderEventMessage struct {
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId"`
	UserID     string         `json:"userId,omitempty"`
	Status     string         `json:"status,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PublishOrderEvent enqueues the event on the configured topic. Attributes
// carry the routing fields so subscribers can filter without decoding.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("pubsub order publisher: event type is required")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return errors.New("pubsub order publisher: order id is required")
	}

	data, err := p.marshal(orderEventMessage{
		Type:       event.Type,
		OrderID:    event.OrderID,
		UserID:     event.UserID,
		Status:     string(event.Status),
		OccurredAt: event.OccurredAt.UTC(),
		Payload:    event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// PubSubReviewEventPublisher publishes review lifecycle events. Reviews share
// the order-events topic; subscribers filter on the type attribute.
type PubSubReviewEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.ReviewEventPublisher = (*PubSubReviewEventPublisher)(nil)

// NewPubSubReviewEventPublisher constructs a Pub/Sub backed review event publisher.
func NewPubSubReviewEventPublisher(topic *pubsub.Topic) (*PubSubReviewEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub review publisher: topic is required")
	}
	return &PubSubReviewEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type reviewEventMessage struct {
	Type       string         `json:"type"`
	ReviewID   string         `json:"reviewId"`
	OrderID    string         `json:"orderId,omitempty"`
	Status     string         `json:"status,omitempty"`
	ActorID    string         `json:"actorId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PublishReviewEvent enqueues the event on the configured topic.
func (p *PubSubReviewEventPublisher) PublishReviewEvent(ctx context.Context, event services.ReviewEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub review publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("pubsub review publisher: event type is required")
	}
	if strings.TrimSpace(event.ReviewID) == "" {
		return errors.New("pubsub review publisher: review id is required")
	}

	data, err := p.marshal(reviewEventMessage{
		Type:       event.Type,
		ReviewID:   event.ReviewID,
		OrderID:    event.OrderID,
		Status:     string(event.Status),
		ActorID:    event.ActorID,
		OccurredAt: event.OccurredAt.UTC(),
		Metadata:   event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal review event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "reviewId", event.ReviewID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish review event: %w", err)
	}
	return nil
}
