package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:       services.OrderEventStatusUpdated,
		OrderID:    "ord_1",
		UserID:     "user_1",
		Status:     domain.OrderStatusPictureReplyPending,
		OccurredAt: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"replyCount": 2},
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload orderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.Type != services.OrderEventStatusUpdated {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Status != string(domain.OrderStatusPictureReplyPending) {
		t.Fatalf("unexpected status %q", payload.Status)
	}

	attrs := messages[0].Attributes
	if attrs["orderId"] != "ord_1" || attrs["type"] != services.OrderEventStatusUpdated {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
}

func TestPubSubReviewEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubReviewEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubReviewEventPublisher: %v", err)
	}

	event := services.ReviewEvent{
		Type:       "review.approved",
		ReviewID:   "rev_1",
		OrderID:    "ord_1",
		Status:     domain.ReviewStatusApproved,
		ActorID:    "admin_1",
		OccurredAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}

	if err := publisher.PublishReviewEvent(ctx, event); err != nil {
		t.Fatalf("PublishReviewEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload reviewEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ReviewID != "rev_1" || payload.Type != "review.approved" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	attrs := messages[0].Attributes
	if attrs["reviewId"] != "rev_1" || attrs["status"] != string(domain.ReviewStatusApproved) {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
}

func TestPubSubOrderEventPublisherValidation(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}

	publisher := &PubSubOrderEventPublisher{topic: &pubsub.Topic{}, marshal: json.Marshal}
	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{OrderID: "ord_1"}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "x"}); err == nil {
		t.Fatalf("expected error for missing order id")
	}
}
