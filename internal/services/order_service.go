package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	orderIDPrefix        = "ord_"
	lineItemIDPrefix     = "itm_"
	pictureReplyIDPrefix = "rpl_"
	confirmationIDPrefix = "cnf_"
	refundIDPrefix       = "rfd_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located (or is not visible to the caller).
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPayment indicates a payment attempt failed for the order.
	ErrOrderPayment = errors.New("order: payment failed")
)

// orderStateTransitions is the authoritative lifecycle table. Every status
// mutation funnels through applyStatusTransition against it.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingReview:        {domain.OrderStatusPictureReplyPending, domain.OrderStatusRejectedNeedsUpload},
	domain.OrderStatusRejectedNeedsUpload:  {domain.OrderStatusPendingReview},
	domain.OrderStatusPictureReplyPending:  {domain.OrderStatusPictureReplyApproved, domain.OrderStatusPictureReplyRejected},
	domain.OrderStatusPictureReplyRejected: {domain.OrderStatusPictureReplyPending},
	domain.OrderStatusPictureReplyApproved: {domain.OrderStatusPendingPayment},
	domain.OrderStatusPendingPayment:       {domain.OrderStatusApprovedProcessing},
	domain.OrderStatusApprovedProcessing:   {domain.OrderStatusReadyForProduction},
	domain.OrderStatusReadyForProduction:   {domain.OrderStatusInProduction},
	domain.OrderStatusInProduction:         {domain.OrderStatusShipped},
	domain.OrderStatusShipped:              {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:            {domain.OrderStatusRefunded},
}

// adminTransitionTargets lists the statuses admins may move to directly.
// Review, proof, payment, and refund moves each have a dedicated operation.
var adminTransitionTargets = []domain.OrderStatus{
	domain.OrderStatusReadyForProduction,
	domain.OrderStatusInProduction,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Catalog     repositories.CatalogRepository
	Counters    repositories.CounterRepository
	Pricing     PricingEngine
	Refunds     RefundCalculator
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	catalog    repositories.CatalogRepository
	counters   repositories.CounterRepository
	pricing    PricingEngine
	refunds    RefundCalculator
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("order service: refund calculator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		catalog:    deps.Catalog,
		counters:   deps.Counters,
		pricing:    deps.Pricing,
		refunds:    deps.Refunds,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if cmd.Shipping < 0 || cmd.Tax < 0 {
		return Order{}, fmt.Errorf("%w: shipping and tax cannot be negative", ErrOrderInvalidInput)
	}

	now := s.now()

	items := make([]LineItem, 0, len(cmd.Items))
	for i, in := range cmd.Items {
		if in.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		ref := strings.TrimSpace(in.ProductRef)
		if ref == "" {
			return Order{}, fmt.Errorf("%w: item %d product ref is required", ErrOrderInvalidInput, i)
		}

		item := LineItem{
			ID:            lineItemIDPrefix + s.newID(),
			ProductRef:    ref,
			Name:          strings.TrimSpace(in.Name),
			Quantity:      in.Quantity,
			Customization: in.Customization,
			ArtworkPath:   cloneStringPtr(in.ArtworkPath),
		}

		if item.Name == "" && ref != domain.ProductRefCustom && s.catalog != nil {
			name, err := s.catalog.GetProductName(ctx, ref)
			if err != nil {
				return Order{}, s.mapRepositoryError(err)
			}
			item.Name = name
		}

		breakdown, err := s.pricing.PriceLineItem(ctx, item)
		if err != nil {
			return Order{}, err
		}
		item.Pricing = &breakdown

		items = append(items, item)
	}

	order := Order{
		ID:           orderIDPrefix + s.newID(),
		UserID:       userID,
		Status:       domain.OrderStatusPendingReview,
		Currency:     currency,
		Items:        items,
		RefundStatus: domain.RefundStatusNone,
		Metadata:     cloneMap(cmd.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
		SubmittedAt:  &now,
	}
	order.Totals = OrderTotals{Shipping: cmd.Shipping, Tax: cmd.Tax}
	order.Totals = s.pricing.OrderTotals(order)

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	} else {
		order.Audit.CreatedBy = valuePtr(userID)
		order.Audit.UpdatedBy = valuePtr(userID)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, domain.Order(order)); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventStatusUpdated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload: map[string]any{
			"orderNumber": order.OrderNumber,
			"itemCount":   len(order.Items),
		},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if expected := strings.TrimSpace(opts.ExpectedUserID); expected != "" && order.UserID != expected {
		// Cross-tenant reads never reveal existence.
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return s.healTotals(ctx, order), nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	for i := range page.Items {
		page.Items[i] = s.healTotals(ctx, page.Items[i])
	}
	return page, nil
}

func (s *orderService) SubmitPictureReplies(ctx context.Context, cmd SubmitPictureRepliesCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Replies) == 0 {
		return Order{}, fmt.Errorf("%w: at least one reply is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Status != domain.OrderStatusPendingReview && order.Status != domain.OrderStatusPictureReplyRejected {
		return Order{}, fmt.Errorf("%w: cannot send proofs from %s", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)

	for i, in := range cmd.Replies {
		itemID := strings.TrimSpace(in.LineItemID)
		if itemID == "" {
			return Order{}, fmt.Errorf("%w: reply %d line item id is required", ErrOrderInvalidInput, i)
		}
		if !orderHasItem(order, itemID) {
			// Exact ID match only; no positional or fuzzy fallback.
			return Order{}, fmt.Errorf("%w: reply %d references unknown line item %s", ErrOrderInvalidInput, i, itemID)
		}
		image := strings.TrimSpace(in.ImagePath)
		if image == "" {
			return Order{}, fmt.Errorf("%w: reply %d image path is required", ErrOrderInvalidInput, i)
		}
		order.Replies = append(order.Replies, PictureReply{
			ID:         pictureReplyIDPrefix + s.newID(),
			LineItemID: itemID,
			ImagePath:  image,
			Notes:      strings.TrimSpace(in.Notes),
			CreatedBy:  actor,
			CreatedAt:  now,
		})
	}

	if _, err := s.applyStatusTransition(&order, domain.OrderStatusPictureReplyPending, actor, now); err != nil {
		return Order{}, err
	}

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventPictureReplyReceived,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload:    map[string]any{"replyCount": len(cmd.Replies)},
	})

	return order, nil
}

func (s *orderService) RejectSubmission(ctx context.Context, cmd RejectSubmissionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return Order{}, fmt.Errorf("%w: rejection reason is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	now := s.now()

	if _, err := s.applyStatusTransition(&order, domain.OrderStatusRejectedNeedsUpload, actor, now); err != nil {
		return Order{}, err
	}

	order.Metadata = ensureMap(order.Metadata)
	order.Metadata["rejectionReason"] = reason

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventStatusUpdated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload:    map[string]any{"reason": reason},
	})

	return order, nil
}

func (s *orderService) ResubmitArtwork(ctx context.Context, cmd ResubmitArtworkCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.ArtworkPaths) == 0 {
		return Order{}, fmt.Errorf("%w: at least one artwork path is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if owner := strings.TrimSpace(cmd.UserID); owner != "" && order.UserID != owner {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	// Artwork only reopens after an explicit rejection.
	if order.Status != domain.OrderStatusRejectedNeedsUpload {
		return Order{}, fmt.Errorf("%w: cannot resubmit artwork from %s", ErrOrderInvalidState, order.Status)
	}

	for itemID, path := range cmd.ArtworkPaths {
		itemID = strings.TrimSpace(itemID)
		path = strings.TrimSpace(path)
		if itemID == "" || path == "" {
			return Order{}, fmt.Errorf("%w: artwork entries need both item id and path", ErrOrderInvalidInput)
		}
		idx := slices.IndexFunc(order.Items, func(item LineItem) bool { return item.ID == itemID })
		if idx < 0 {
			return Order{}, fmt.Errorf("%w: unknown line item %s", ErrOrderInvalidInput, itemID)
		}
		order.Items[idx].ArtworkPath = valuePtr(path)
	}

	now := s.now()
	if _, err := s.applyStatusTransition(&order, domain.OrderStatusPendingReview, cmd.UserID, now); err != nil {
		return Order{}, err
	}
	delete(order.Metadata, "rejectionReason")

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventStatusUpdated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload:    map[string]any{"resubmittedItems": len(cmd.ArtworkPaths)},
	})

	return order, nil
}

func (s *orderService) SubmitConfirmations(ctx context.Context, cmd SubmitConfirmationsCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Confirmations) == 0 {
		return Order{}, fmt.Errorf("%w: at least one confirmation is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if owner := strings.TrimSpace(cmd.UserID); owner != "" && order.UserID != owner {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if order.Status != domain.OrderStatusPictureReplyPending {
		return Order{}, fmt.Errorf("%w: cannot confirm proofs from %s", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	for i, in := range cmd.Confirmations {
		itemID := strings.TrimSpace(in.LineItemID)
		if itemID == "" {
			return Order{}, fmt.Errorf("%w: confirmation %d line item id is required", ErrOrderInvalidInput, i)
		}
		if !itemHasReply(order, itemID) {
			return Order{}, fmt.Errorf("%w: confirmation %d targets line item %s with no proof", ErrOrderInvalidInput, i, itemID)
		}
		if latestConfirmed(order, itemID) {
			// Approved decisions are final; only unanswered or rejected proofs
			// take a new decision.
			return Order{}, fmt.Errorf("%w: confirmation %d targets already-approved line item %s", ErrOrderInvalidInput, i, itemID)
		}
		order.Confirmations = append(order.Confirmations, CustomerConfirmation{
			ID:         confirmationIDPrefix + s.newID(),
			LineItemID: itemID,
			Confirmed:  in.Confirmed,
			Notes:      strings.TrimSpace(in.Notes),
			CreatedAt:  now,
		})
	}

	prev := order.Status
	target, complete := reconcileConfirmations(order)
	if complete {
		if _, err := s.applyStatusTransition(&order, target, cmd.UserID, now); err != nil {
			return Order{}, err
		}
		if target == domain.OrderStatusPictureReplyApproved {
			// Approval immediately opens the payment window.
			if _, err := s.applyStatusTransition(&order, domain.OrderStatusPendingPayment, cmd.UserID, now); err != nil {
				return Order{}, err
			}
		}
	} else {
		// Partial confirmations are retained without moving the order.
		order.UpdatedAt = now
	}

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventConfirmationSubmitted,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload: map[string]any{
			"previousStatus": string(prev),
			"complete":       complete,
		},
	})

	return order, nil
}

func (s *orderService) HandlePaymentEvent(ctx context.Context, event PaymentEvent) (Order, error) {
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: payment event order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()

	switch event.Kind {
	case PaymentConfirmed:
		if order.Status != domain.OrderStatusPendingPayment {
			if orderStatusAtOrPast(order.Status, domain.OrderStatusApprovedProcessing) {
				// Replayed webhook for an already-paid order.
				s.logger(ctx, "order.payment.replayed", map[string]any{
					"order":    order.ID,
					"provider": event.ProviderID,
					"status":   string(order.Status),
				})
				return s.healTotals(ctx, order), nil
			}
			return Order{}, fmt.Errorf("%w: payment confirmed while %s", ErrOrderInvalidState, order.Status)
		}

		if _, err := s.applyStatusTransition(&order, domain.OrderStatusApprovedProcessing, "", now); err != nil {
			return Order{}, err
		}
		if event.ProviderID != "" {
			order.Metadata = ensureMap(order.Metadata)
			order.Metadata["paymentProviderId"] = event.ProviderID
		}

		order, err = s.saveOrder(ctx, order)
		if err != nil {
			return Order{}, err
		}

		s.publishEvent(ctx, OrderEvent{
			Type:       OrderEventStatusUpdated,
			OrderID:    order.ID,
			UserID:     order.UserID,
			Status:     order.Status,
			OccurredAt: now,
			Payload:    map[string]any{"paymentProviderId": event.ProviderID},
		})
		return order, nil

	case PaymentFailed:
		if order.Status != domain.OrderStatusPendingPayment {
			return Order{}, fmt.Errorf("%w: payment failure reported while %s", ErrOrderInvalidState, order.Status)
		}
		order.Metadata = ensureMap(order.Metadata)
		order.Metadata["lastPaymentFailure"] = strings.TrimSpace(event.Reason)
		order.UpdatedAt = now

		if order, err = s.saveOrder(ctx, order); err != nil {
			return Order{}, err
		}
		return order, fmt.Errorf("%w: %s", ErrOrderPayment, strings.TrimSpace(event.Reason))

	default:
		return Order{}, fmt.Errorf("%w: unknown payment event kind %q", ErrOrderInvalidInput, event.Kind)
	}
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(adminTransitionTargets, cmd.Target) {
		return Order{}, fmt.Errorf("%w: status %q is not an admin transition target", ErrOrderInvalidInput, cmd.Target)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	now := s.now()
	prev := order.Status

	if _, err := s.applyStatusTransition(&order, cmd.Target, actor, now); err != nil {
		return Order{}, err
	}
	if note := strings.TrimSpace(cmd.Note); note != "" {
		order.AdminNotes = note
	}

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventStatusUpdated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload:    map[string]any{"previousStatus": string(prev)},
	})

	return order, nil
}

func (s *orderService) RequestRefund(ctx context.Context, cmd RequestRefundCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if owner := strings.TrimSpace(cmd.UserID); owner != "" && order.UserID != owner {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if order.Status != domain.OrderStatusDelivered {
		return Order{}, fmt.Errorf("%w: refunds are only available once delivered, order is %s", ErrOrderInvalidState, order.Status)
	}

	order = s.healTotals(ctx, order)

	quote, err := s.refunds.Calculate(order, cmd.Type, cmd.LineItemIDs)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefundAlreadyRequested):
			return Order{}, fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case errors.Is(err, ErrRefundInvalidInput), errors.Is(err, ErrRefundUnknownItem):
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}

	now := s.now()
	request := RefundRequest{
		ID:          refundIDPrefix + s.newID(),
		Type:        quote.Type,
		LineItemIDs: slices.Clone(quote.LineItemIDs),
		Amount:      quote.Amount,
		Reason:      strings.TrimSpace(cmd.Reason),
		RequestedAt: now,
		ResolvedAt:  &now,
	}

	switch quote.Type {
	case domain.RefundTypeFull:
		request.Status = domain.RefundRequestFull
		order.RefundStatus = domain.RefundStatusFull
		if _, err := s.applyStatusTransition(&order, domain.OrderStatusRefunded, cmd.UserID, now); err != nil {
			return Order{}, err
		}
	case domain.RefundTypePartial:
		request.Status = domain.RefundRequestPartial
		order.RefundStatus = domain.RefundStatusPartial
		order.UpdatedAt = now
	}

	order.Refunds = append(order.Refunds, request)
	order.RefundedAmount += quote.Amount

	order, err = s.saveOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventRefundRequested,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		OccurredAt: now,
		Payload: map[string]any{
			"refundType": string(quote.Type),
			"amount":     quote.Amount,
		},
	})

	return order, nil
}

// reconcileConfirmations inspects the latest confirmation per replied item.
// It returns the resulting status and whether every replied item has a
// decision. Items without proofs never block reconciliation.
func reconcileConfirmations(order Order) (domain.OrderStatus, bool) {
	latest := map[string]CustomerConfirmation{}
	for _, conf := range order.Confirmations {
		current, ok := latest[conf.LineItemID]
		if !ok || !conf.CreatedAt.Before(current.CreatedAt) {
			latest[conf.LineItemID] = conf
		}
	}

	replied := map[string]bool{}
	for _, reply := range order.Replies {
		replied[reply.LineItemID] = true
	}

	allConfirmed := true
	for itemID := range replied {
		conf, ok := latest[itemID]
		if !ok {
			return "", false
		}
		if !conf.Confirmed {
			allConfirmed = false
		}
	}

	if !allConfirmed {
		return domain.OrderStatusPictureReplyRejected, true
	}
	return domain.OrderStatusPictureReplyApproved, true
}

// healTotals recomputes the display totals from item snapshots and corrects
// drift in memory. The persisted cache is refreshed on the next write.
func (s *orderService) healTotals(ctx context.Context, order Order) Order {
	recomputed := s.pricing.OrderTotals(order)
	if recomputed != order.Totals {
		s.logger(ctx, "order.totals.recomputed", map[string]any{
			"order":        order.ID,
			"storedTotal":  order.Totals.Total,
			"correctTotal": recomputed.Total,
		})
		order.Totals = recomputed
	}
	return order
}

func (s *orderService) applyStatusTransition(order *Order, target domain.OrderStatus, actor string, now time.Time) (domain.OrderStatus, error) {
	current := order.Status

	if !canTransition(current, target) {
		return "", fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current, target)
	}

	order.Status = target
	order.UpdatedAt = now
	s.updateTimestamps(order, target, now)

	if actor = strings.TrimSpace(actor); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	return current, nil
}

func (s *orderService) updateTimestamps(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPictureReplyPending, domain.OrderStatusRejectedNeedsUpload:
		if order.ReviewedAt == nil {
			order.ReviewedAt = &now
		}
	case domain.OrderStatusApprovedProcessing:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	return fmt.Sprintf("SF-%04d-%06d", now.Year(), seq), nil
}

// saveOrder persists the mutated aggregate under its loaded version.
func (s *orderService) saveOrder(ctx context.Context, order Order) (Order, error) {
	var saved Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.orders.Update(txCtx, domain.Order(order), order.Version)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		saved = updated
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return saved, nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Payload != nil {
		event.Payload = maps.Clone(event.Payload)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.Status),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func itemHasReply(order Order, lineItemID string) bool {
	for _, reply := range order.Replies {
		if reply.LineItemID == lineItemID {
			return true
		}
	}
	return false
}

// latestConfirmed reports whether the item's most recent decision approved it.
func latestConfirmed(order Order, lineItemID string) bool {
	var latest *CustomerConfirmation
	for i := range order.Confirmations {
		conf := &order.Confirmations[i]
		if conf.LineItemID != lineItemID {
			continue
		}
		if latest == nil || !conf.CreatedAt.Before(latest.CreatedAt) {
			latest = conf
		}
	}
	return latest != nil && latest.Confirmed
}

// orderStatusAtOrPast reports whether status sits at or beyond the pivot in
// lifecycle order. Used only for webhook replay detection.
func orderStatusAtOrPast(status, pivot domain.OrderStatus) bool {
	idx := slices.Index(domain.KnownOrderStatuses, status)
	pivotIdx := slices.Index(domain.KnownOrderStatuses, pivot)
	if idx < 0 || pivotIdx < 0 {
		return false
	}
	return idx >= pivotIdx
}

// canTransition consults the lifecycle table. Staying put is not a
// transition: repeat moves surface as invalid rather than silent no-ops.
func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	ref := *value
	return &ref
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}
