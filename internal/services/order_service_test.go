package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn func(context.Context, domain.Order) error
	updateFn func(context.Context, domain.Order, int64) (domain.Order, error)
	findFn   func(context.Context, string) (domain.Order, error)
	listFn   func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, order, expectedVersion)
	}
	order.Version = expectedVersion + 1
	return order, nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubCatalogRepo struct {
	priceFn func(context.Context, string) (int64, error)
	nameFn  func(context.Context, string) (string, error)
}

func (s *stubCatalogRepo) GetBasePrice(ctx context.Context, productRef string) (int64, error) {
	if s.priceFn != nil {
		return s.priceFn(ctx, productRef)
	}
	return 2000, nil
}

func (s *stubCatalogRepo) GetProductName(ctx context.Context, productRef string) (string, error) {
	if s.nameFn != nil {
		return s.nameFn(ctx, productRef)
	}
	return "Classic Hoodie", nil
}

type stubCounterRepo struct {
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 42, nil
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type conflictRepoError struct{}

func (conflictRepoError) Error() string       { return "version mismatch" }
func (conflictRepoError) IsNotFound() bool    { return false }
func (conflictRepoError) IsConflict() bool    { return true }
func (conflictRepoError) IsUnavailable() bool { return false }

var testClock = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

func newTestOrderService(t *testing.T, repo repositories.OrderRepository, events OrderEventPublisher) OrderService {
	t.Helper()

	catalog := &stubCatalogRepo{}
	engine, err := NewPricingEngine(PricingEngineDeps{
		Catalog: catalog.GetBasePrice,
		Rates:   testMaterialRates(),
	})
	if err != nil {
		t.Fatalf("NewPricingEngine error: %v", err)
	}
	calc, err := NewRefundCalculator(RefundCalculatorDeps{Pricing: engine})
	if err != nil {
		t.Fatalf("NewRefundCalculator error: %v", err)
	}

	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Catalog:  catalog,
		Counters: &stubCounterRepo{},
		Pricing:  engine,
		Refunds:  calc,
		Clock:    testClock,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%026d", seq)
		},
		Events: events,
	})
	if err != nil {
		t.Fatalf("NewOrderService error: %v", err)
	}
	return svc
}

// storedOrder builds a repo that serves one order and records writes.
func singleOrderRepo(order domain.Order) (*stubOrderRepo, *domain.Order) {
	current := order
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != current.ID {
				return domain.Order{}, conflictNotFound{}
			}
			return current, nil
		},
		updateFn: func(_ context.Context, updated domain.Order, expectedVersion int64) (domain.Order, error) {
			if expectedVersion != current.Version {
				return domain.Order{}, conflictRepoError{}
			}
			updated.Version = expectedVersion + 1
			current = updated
			return current, nil
		},
	}
	return repo, &current
}

type conflictNotFound struct{}

func (conflictNotFound) Error() string       { return "document missing" }
func (conflictNotFound) IsNotFound() bool    { return true }
func (conflictNotFound) IsConflict() bool    { return false }
func (conflictNotFound) IsUnavailable() bool { return false }

func pendingReviewOrder() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "SF-2026-000042",
		UserID:      "user_1",
		Status:      domain.OrderStatusPendingReview,
		Currency:    "USD",
		Version:     3,
		Totals:      domain.OrderTotals{Subtotal: 6500, Shipping: 700, Tax: 400, Total: 7600},
		Items: []domain.LineItem{
			{ID: "itm_a", ProductRef: "prod_hoodie", Name: "Classic Hoodie", Quantity: 1, Pricing: &domain.PricingBreakdown{BaseProduct: 2000, Embroidery: 800, Options: 700, Total: 3500}},
			{ID: "itm_b", ProductRef: "prod_cap", Name: "Dad Cap", Quantity: 1, Pricing: &domain.PricingBreakdown{BaseProduct: 2500, Embroidery: 500, Total: 3000}},
		},
		CreatedAt: testClock().Add(-time.Hour),
		UpdatedAt: testClock().Add(-time.Hour),
	}
}

func TestOrderServiceSubmitOrder(t *testing.T) {
	ctx := context.Background()
	events := &captureOrderEvents{}
	var inserted domain.Order
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
	}
	svc := newTestOrderService(t, repo, events)

	order, err := svc.SubmitOrder(ctx, SubmitOrderCommand{
		UserID:   "user_1",
		Currency: "usd",
		Shipping: 700,
		Tax:      400,
		Items: []SubmitLineItem{
			{
				ProductRef: "prod_hoodie",
				Quantity:   1,
				Customization: &Customization{
					Kind: domain.CustomizationMultiDesign,
					Designs: []DesignSpec{{
						WidthIn:  4,
						HeightIn: 4,
						Styles: StyleSelection{
							Coverage: &StyleOption{Name: "full", Price: 500},
							Border:   &StyleOption{Name: "merrow", Price: 300},
						},
					}},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("SubmitOrder error: %v", err)
	}

	if order.Status != domain.OrderStatusPendingReview {
		t.Fatalf("expected pending_review, got %s", order.Status)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ prefix, got %s", order.ID)
	}
	if order.OrderNumber != "SF-2026-000042" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.Currency != "USD" {
		t.Fatalf("currency should be upper-cased, got %s", order.Currency)
	}
	if len(order.Items) != 1 || !strings.HasPrefix(order.Items[0].ID, "itm_") {
		t.Fatalf("expected one itm_-prefixed item, got %+v", order.Items)
	}
	if order.Items[0].Name != "Classic Hoodie" {
		t.Fatalf("expected catalog name fill-in, got %q", order.Items[0].Name)
	}
	if order.Items[0].Pricing == nil {
		t.Fatalf("expected pricing snapshot on item")
	}
	if order.Items[0].Pricing.Total == 0 {
		t.Fatalf("expected non-zero item total, got %+v", order.Items[0].Pricing)
	}
	want := order.Items[0].Pricing.Total + 700 + 400
	if order.Totals.Total != want {
		t.Fatalf("expected total %d, got %d", want, order.Totals.Total)
	}
	if inserted.ID != order.ID {
		t.Fatalf("order was not persisted")
	}
	if len(events.events) != 1 || events.events[0].Type != OrderEventStatusUpdated {
		t.Fatalf("expected one status event, got %+v", events.events)
	}
}

func TestOrderServiceSubmitOrderValidation(t *testing.T) {
	svc := newTestOrderService(t, &stubOrderRepo{}, nil)
	ctx := context.Background()

	cases := []SubmitOrderCommand{
		{Currency: "USD", Items: []SubmitLineItem{{ProductRef: "p", Quantity: 1}}},
		{UserID: "user_1", Items: []SubmitLineItem{{ProductRef: "p", Quantity: 1}}},
		{UserID: "user_1", Currency: "USD"},
		{UserID: "user_1", Currency: "USD", Items: []SubmitLineItem{{ProductRef: "p", Quantity: 0}}},
		{UserID: "user_1", Currency: "USD", Shipping: -1, Items: []SubmitLineItem{{ProductRef: "p", Quantity: 1}}},
	}
	for i, cmd := range cases {
		if _, err := svc.SubmitOrder(ctx, cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("case %d: expected ErrOrderInvalidInput, got %v", i, err)
		}
	}
}

func TestOrderServiceGetOrderHealsTotals(t *testing.T) {
	stale := pendingReviewOrder()
	stale.Totals = domain.OrderTotals{Subtotal: 1, Shipping: 700, Tax: 400, Total: 1101}
	repo, _ := singleOrderRepo(stale)

	var logged []string
	catalog := &stubCatalogRepo{}
	engine, _ := NewPricingEngine(PricingEngineDeps{Catalog: catalog.GetBasePrice, Rates: testMaterialRates()})
	calc, _ := NewRefundCalculator(RefundCalculatorDeps{Pricing: engine})
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Catalog:  catalog,
		Counters: &stubCounterRepo{},
		Pricing:  engine,
		Refunds:  calc,
		Clock:    testClock,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService error: %v", err)
	}

	order, err := svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{})
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if order.Totals.Subtotal != 6500 || order.Totals.Total != 7600 {
		t.Fatalf("expected healed totals, got %+v", order.Totals)
	}
	if len(logged) != 1 || logged[0] != "order.totals.recomputed" {
		t.Fatalf("expected a recompute log entry, got %v", logged)
	}
}

func TestOrderServiceGetOrderOwnerScoping(t *testing.T) {
	repo, _ := singleOrderRepo(pendingReviewOrder())
	svc := newTestOrderService(t, repo, nil)

	if _, err := svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{ExpectedUserID: "user_2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("cross-tenant read should report not found, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{ExpectedUserID: "user_1"}); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
}

func TestOrderServiceSubmitPictureReplies(t *testing.T) {
	repo, _ := singleOrderRepo(pendingReviewOrder())
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, repo, events)
	ctx := context.Background()

	order, err := svc.SubmitPictureReplies(ctx, SubmitPictureRepliesCommand{
		OrderID: "ord_1",
		ActorID: "admin_1",
		Replies: []PictureReplyInput{
			{LineItemID: "itm_a", ImagePath: "proofs/ord_1/a.png"},
			{LineItemID: "itm_b", ImagePath: "proofs/ord_1/b.png", Notes: "thread swapped to navy"},
		},
	})
	if err != nil {
		t.Fatalf("SubmitPictureReplies error: %v", err)
	}
	if order.Status != domain.OrderStatusPictureReplyPending {
		t.Fatalf("expected picture_reply_pending, got %s", order.Status)
	}
	if len(order.Replies) != 2 || !strings.HasPrefix(order.Replies[0].ID, "rpl_") {
		t.Fatalf("expected two rpl_-prefixed replies, got %+v", order.Replies)
	}
	if order.ReviewedAt == nil {
		t.Fatalf("expected ReviewedAt to be set")
	}
	if order.Version != 4 {
		t.Fatalf("expected version bump to 4, got %d", order.Version)
	}
	if len(events.events) != 1 || events.events[0].Type != OrderEventPictureReplyReceived {
		t.Fatalf("expected a picture reply event, got %+v", events.events)
	}

	// Unknown item IDs are rejected outright. A fresh order keeps the status
	// gate out of the way.
	freshRepo, _ := singleOrderRepo(pendingReviewOrder())
	fresh := newTestOrderService(t, freshRepo, nil)
	if _, err := fresh.SubmitPictureReplies(ctx, SubmitPictureRepliesCommand{
		OrderID: "ord_1",
		Replies: []PictureReplyInput{{LineItemID: "itm_zzz", ImagePath: "x.png"}},
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for unknown item, got %v", err)
	}
}

func TestOrderServiceRejectAndResubmit(t *testing.T) {
	repo, _ := singleOrderRepo(pendingReviewOrder())
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	order, err := svc.RejectSubmission(ctx, RejectSubmissionCommand{OrderID: "ord_1", ActorID: "admin_1", Reason: "artwork resolution too low"})
	if err != nil {
		t.Fatalf("RejectSubmission error: %v", err)
	}
	if order.Status != domain.OrderStatusRejectedNeedsUpload {
		t.Fatalf("expected rejected_needs_upload, got %s", order.Status)
	}
	if order.Metadata["rejectionReason"] != "artwork resolution too low" {
		t.Fatalf("expected rejection reason on metadata, got %+v", order.Metadata)
	}

	order, err = svc.ResubmitArtwork(ctx, ResubmitArtworkCommand{
		OrderID:      "ord_1",
		UserID:       "user_1",
		ArtworkPaths: map[string]string{"itm_a": "uploads/user_1/retry.png"},
	})
	if err != nil {
		t.Fatalf("ResubmitArtwork error: %v", err)
	}
	if order.Status != domain.OrderStatusPendingReview {
		t.Fatalf("expected pending_review after resubmission, got %s", order.Status)
	}
	if order.Items[0].ArtworkPath == nil || *order.Items[0].ArtworkPath != "uploads/user_1/retry.png" {
		t.Fatalf("expected replacement artwork path, got %+v", order.Items[0].ArtworkPath)
	}
	if _, ok := order.Metadata["rejectionReason"]; ok {
		t.Fatalf("rejection reason should be cleared on resubmission")
	}

	// Resubmitting from pending_review is not a valid move.
	if _, err := svc.ResubmitArtwork(ctx, ResubmitArtworkCommand{
		OrderID:      "ord_1",
		UserID:       "user_1",
		ArtworkPaths: map[string]string{"itm_a": "uploads/user_1/again.png"},
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func withReplies(order domain.Order) domain.Order {
	now := testClock().Add(-30 * time.Minute)
	order.Status = domain.OrderStatusPictureReplyPending
	order.Replies = []domain.PictureReply{
		{ID: "rpl_1", LineItemID: "itm_a", ImagePath: "proofs/a.png", CreatedBy: "admin_1", CreatedAt: now},
		{ID: "rpl_2", LineItemID: "itm_b", ImagePath: "proofs/b.png", CreatedBy: "admin_1", CreatedAt: now},
	}
	return order
}

func TestOrderServiceSubmitConfirmationsPartial(t *testing.T) {
	repo, _ := singleOrderRepo(withReplies(pendingReviewOrder()))
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	// Only one of two replied items is confirmed: the decision is stored but
	// the order does not move.
	order, err := svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID:       "ord_1",
		UserID:        "user_1",
		Confirmations: []ConfirmationInput{{LineItemID: "itm_a", Confirmed: true}},
	})
	if err != nil {
		t.Fatalf("SubmitConfirmations error: %v", err)
	}
	if order.Status != domain.OrderStatusPictureReplyPending {
		t.Fatalf("partial confirmation must not transition, got %s", order.Status)
	}
	if len(order.Confirmations) != 1 || !strings.HasPrefix(order.Confirmations[0].ID, "cnf_") {
		t.Fatalf("expected one stored cnf_-prefixed confirmation, got %+v", order.Confirmations)
	}

	// Completing the set with an approval moves through picture_reply_approved
	// straight into pending_payment.
	order, err = svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID:       "ord_1",
		UserID:        "user_1",
		Confirmations: []ConfirmationInput{{LineItemID: "itm_b", Confirmed: true}},
	})
	if err != nil {
		t.Fatalf("SubmitConfirmations error: %v", err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected pending_payment after full approval, got %s", order.Status)
	}
}

func TestOrderServiceSubmitConfirmationsRejection(t *testing.T) {
	repo, _ := singleOrderRepo(withReplies(pendingReviewOrder()))
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	order, err := svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID: "ord_1",
		UserID:  "user_1",
		Confirmations: []ConfirmationInput{
			{LineItemID: "itm_a", Confirmed: true},
			{LineItemID: "itm_b", Confirmed: false, Notes: "wrong thread colour"},
		},
	})
	if err != nil {
		t.Fatalf("SubmitConfirmations error: %v", err)
	}
	if order.Status != domain.OrderStatusPictureReplyRejected {
		t.Fatalf("expected picture_reply_rejected, got %s", order.Status)
	}

	// Confirmations targeting items without proofs are rejected.
	if _, err := svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID:       "ord_1",
		UserID:        "user_1",
		Confirmations: []ConfirmationInput{{LineItemID: "itm_a", Confirmed: true}},
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState outside picture_reply_pending, got %v", err)
	}
}

func TestOrderServiceSubmitConfirmationsLatestWins(t *testing.T) {
	seed := withReplies(pendingReviewOrder())
	seed.Confirmations = []domain.CustomerConfirmation{
		{ID: "cnf_old", LineItemID: "itm_a", Confirmed: false, CreatedAt: testClock().Add(-20 * time.Minute)},
	}
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})

	order, err := svc.SubmitConfirmations(context.Background(), SubmitConfirmationsCommand{
		OrderID: "ord_1",
		UserID:  "user_1",
		Confirmations: []ConfirmationInput{
			{LineItemID: "itm_a", Confirmed: true},
			{LineItemID: "itm_b", Confirmed: true},
		},
	})
	if err != nil {
		t.Fatalf("SubmitConfirmations error: %v", err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("latest confirmation per item should win, got %s", order.Status)
	}
	if len(order.Confirmations) != 3 {
		t.Fatalf("confirmation history must be retained, got %d entries", len(order.Confirmations))
	}
}

func TestOrderServiceSubmitConfirmationsApprovedItemIsFinal(t *testing.T) {
	repo, _ := singleOrderRepo(withReplies(pendingReviewOrder()))
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	if _, err := svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID:       "ord_1",
		UserID:        "user_1",
		Confirmations: []ConfirmationInput{{LineItemID: "itm_a", Confirmed: true}},
	}); err != nil {
		t.Fatalf("SubmitConfirmations error: %v", err)
	}

	// An approved item takes no further decisions; only unanswered or
	// rejected proofs do.
	if _, err := svc.SubmitConfirmations(ctx, SubmitConfirmationsCommand{
		OrderID:       "ord_1",
		UserID:        "user_1",
		Confirmations: []ConfirmationInput{{LineItemID: "itm_a", Confirmed: false}},
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for approved item, got %v", err)
	}
}

func TestOrderServiceHandlePaymentEvent(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusPendingPayment
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	order, err := svc.HandlePaymentEvent(ctx, PaymentEvent{
		Kind:       PaymentConfirmed,
		OrderID:    "ord_1",
		ProviderID: "pi_123",
		OccurredAt: testClock(),
	})
	if err != nil {
		t.Fatalf("HandlePaymentEvent error: %v", err)
	}
	if order.Status != domain.OrderStatusApprovedProcessing {
		t.Fatalf("expected approved_processing, got %s", order.Status)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected PaidAt to be set")
	}
	if order.Metadata["paymentProviderId"] != "pi_123" {
		t.Fatalf("expected provider id in metadata, got %+v", order.Metadata)
	}

	// Replayed webhook is a no-op.
	replay, err := svc.HandlePaymentEvent(ctx, PaymentEvent{Kind: PaymentConfirmed, OrderID: "ord_1", ProviderID: "pi_123"})
	if err != nil {
		t.Fatalf("replay should be a no-op, got %v", err)
	}
	if replay.Status != domain.OrderStatusApprovedProcessing {
		t.Fatalf("replay must not move the order, got %s", replay.Status)
	}
}

func TestOrderServiceHandlePaymentFailure(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusPendingPayment
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})

	order, err := svc.HandlePaymentEvent(context.Background(), PaymentEvent{
		Kind:    PaymentFailed,
		OrderID: "ord_1",
		Reason:  "card_declined",
	})
	if !errors.Is(err, ErrOrderPayment) {
		t.Fatalf("expected ErrOrderPayment, got %v", err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("failed payment must keep the order payable, got %s", order.Status)
	}
	if order.Metadata["lastPaymentFailure"] != "card_declined" {
		t.Fatalf("expected failure reason recorded, got %+v", order.Metadata)
	}
}

func TestOrderServiceTransitionStatus(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusApprovedProcessing
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	order, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusReadyForProduction,
		ActorID: "admin_1",
		Note:    "materials staged",
	})
	if err != nil {
		t.Fatalf("TransitionStatus error: %v", err)
	}
	if order.Status != domain.OrderStatusReadyForProduction {
		t.Fatalf("expected ready_for_production, got %s", order.Status)
	}
	if order.AdminNotes != "materials staged" {
		t.Fatalf("expected admin note, got %q", order.AdminNotes)
	}

	// Skipping ahead and moving backwards both violate the table.
	if _, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusDelivered}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState for skip, got %v", err)
	}

	if _, err = svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusInProduction}); err != nil {
		t.Fatalf("TransitionStatus error: %v", err)
	}
	if order, err = svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusShipped}); err != nil {
		t.Fatalf("TransitionStatus error: %v", err)
	}
	if order.ShippedAt == nil {
		t.Fatalf("expected ShippedAt to be set")
	}
	if _, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusInProduction}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("shipped orders cannot re-enter production, got %v", err)
	}
	if _, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("repeating the current status is not a transition, got %v", err)
	}

	// Statuses with dedicated flows are not admin targets.
	if _, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_1", Target: domain.OrderStatusRefunded}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("refunded must go through RequestRefund, got %v", err)
	}
}

func TestOrderServiceRequestRefundFull(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusDelivered
	repo, _ := singleOrderRepo(seed)
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, repo, events)

	order, err := svc.RequestRefund(context.Background(), RequestRefundCommand{
		OrderID: "ord_1",
		UserID:  "user_1",
		Type:    domain.RefundTypeFull,
		Reason:  "arrived damaged",
	})
	if err != nil {
		t.Fatalf("RequestRefund error: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.Status)
	}
	if order.RefundStatus != domain.RefundStatusFull {
		t.Fatalf("expected full refund status, got %s", order.RefundStatus)
	}
	// 6500 items + 400 tax + 700 shipping.
	if order.RefundedAmount != 7600 {
		t.Fatalf("expected refunded amount 7600, got %d", order.RefundedAmount)
	}
	if len(order.Refunds) != 1 || order.Refunds[0].Status != domain.RefundRequestFull {
		t.Fatalf("expected one resolved full request, got %+v", order.Refunds)
	}
	if !strings.HasPrefix(order.Refunds[0].ID, "rfd_") {
		t.Fatalf("expected rfd_ prefix, got %s", order.Refunds[0].ID)
	}
	if order.RefundedAt == nil {
		t.Fatalf("expected RefundedAt to be set")
	}

	// Terminal: nothing moves a refunded order.
	if _, err := svc.RequestRefund(context.Background(), RequestRefundCommand{OrderID: "ord_1", UserID: "user_1", Type: domain.RefundTypeFull}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("refunded is terminal, got %v", err)
	}
}

func TestOrderServiceRequestRefundPartial(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusDelivered
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})

	order, err := svc.RequestRefund(context.Background(), RequestRefundCommand{
		OrderID:     "ord_1",
		UserID:      "user_1",
		Type:        domain.RefundTypePartial,
		LineItemIDs: []string{"itm_b"},
	})
	if err != nil {
		t.Fatalf("RequestRefund error: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("partial refunds keep the order delivered, got %s", order.Status)
	}
	if order.RefundStatus != domain.RefundStatusPartial {
		t.Fatalf("expected partial refund status, got %s", order.RefundStatus)
	}
	// 3000 items + round(400 * 3000 / 6500) = 3000 + 185.
	if order.RefundedAmount != 3185 {
		t.Fatalf("expected refunded amount 3185, got %d", order.RefundedAmount)
	}
}

func TestOrderServiceRequestRefundFullAfterPartialCapsAtOrderTotal(t *testing.T) {
	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusDelivered
	repo, _ := singleOrderRepo(seed)
	svc := newTestOrderService(t, repo, &captureOrderEvents{})
	ctx := context.Background()

	if _, err := svc.RequestRefund(ctx, RequestRefundCommand{
		OrderID:     "ord_1",
		UserID:      "user_1",
		Type:        domain.RefundTypePartial,
		LineItemIDs: []string{"itm_b"},
	}); err != nil {
		t.Fatalf("partial RequestRefund error: %v", err)
	}

	// The already-refunded item cannot be selected again.
	if _, err := svc.RequestRefund(ctx, RequestRefundCommand{
		OrderID:     "ord_1",
		UserID:      "user_1",
		Type:        domain.RefundTypePartial,
		LineItemIDs: []string{"itm_b"},
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("re-refunding an item should fail, got %v", err)
	}

	order, err := svc.RequestRefund(ctx, RequestRefundCommand{
		OrderID: "ord_1",
		UserID:  "user_1",
		Type:    domain.RefundTypeFull,
		Reason:  "remaining item also flawed",
	})
	if err != nil {
		t.Fatalf("full RequestRefund error: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.Status)
	}
	// 3185 partial + 4415 remainder: cumulative refunds equal the 7600 order
	// total, never exceed it.
	if order.RefundedAmount != 7600 {
		t.Fatalf("expected cumulative refunded amount 7600, got %d", order.RefundedAmount)
	}
	if last := order.Refunds[len(order.Refunds)-1]; last.Amount != 4415 {
		t.Fatalf("expected remainder quote 4415, got %d", last.Amount)
	}
}

func TestOrderServiceRequestRefundGuards(t *testing.T) {
	repo, _ := singleOrderRepo(pendingReviewOrder())
	svc := newTestOrderService(t, repo, nil)
	ctx := context.Background()

	if _, err := svc.RequestRefund(ctx, RequestRefundCommand{OrderID: "ord_1", UserID: "user_1", Type: domain.RefundTypeFull}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("refunds require delivered, got %v", err)
	}

	seed := pendingReviewOrder()
	seed.Status = domain.OrderStatusDelivered
	repo, _ = singleOrderRepo(seed)
	svc = newTestOrderService(t, repo, nil)

	if _, err := svc.RequestRefund(ctx, RequestRefundCommand{OrderID: "ord_1", UserID: "user_2", Type: domain.RefundTypeFull}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("cross-tenant refund should report not found, got %v", err)
	}
	if _, err := svc.RequestRefund(ctx, RequestRefundCommand{OrderID: "ord_1", UserID: "user_1", Type: domain.RefundTypePartial, LineItemIDs: []string{"itm_zzz"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("unknown item should fail, got %v", err)
	}
}

func TestOrderServiceVersionConflict(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return pendingReviewOrder(), nil
		},
		updateFn: func(_ context.Context, _ domain.Order, _ int64) (domain.Order, error) {
			return domain.Order{}, conflictRepoError{}
		},
	}
	svc := newTestOrderService(t, repo, nil)

	if _, err := svc.RejectSubmission(context.Background(), RejectSubmissionCommand{OrderID: "ord_1", Reason: "stale"}); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict on version mismatch, got %v", err)
	}
}

func TestOrderServiceEventPublishFailureIsLogged(t *testing.T) {
	repo, _ := singleOrderRepo(pendingReviewOrder())

	var logged []string
	catalog := &stubCatalogRepo{}
	engine, _ := NewPricingEngine(PricingEngineDeps{Catalog: catalog.GetBasePrice, Rates: testMaterialRates()})
	calc, _ := NewRefundCalculator(RefundCalculatorDeps{Pricing: engine})
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Catalog:  catalog,
		Counters: &stubCounterRepo{},
		Pricing:  engine,
		Refunds:  calc,
		Clock:    testClock,
		Events:   failingPublisher{},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService error: %v", err)
	}

	if _, err := svc.RejectSubmission(context.Background(), RejectSubmissionCommand{OrderID: "ord_1", ActorID: "admin_1", Reason: "blurry"}); err != nil {
		t.Fatalf("publish failures must not fail the command: %v", err)
	}
	if len(logged) != 1 || logged[0] != "order.event.publish.failed" {
		t.Fatalf("expected publish failure log, got %v", logged)
	}
}

type failingPublisher struct{}

func (failingPublisher) PublishOrderEvent(context.Context, OrderEvent) error {
	return errors.New("topic unavailable")
}
