package services

import (
	"context"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination            = domain.Pagination
	SortOrder             = domain.SortOrder
	Order                 = domain.Order
	OrderStatus           = domain.OrderStatus
	OrderTotals           = domain.OrderTotals
	OrderAudit            = domain.OrderAudit
	LineItem              = domain.LineItem
	Customization         = domain.Customization
	DesignSpec            = domain.DesignSpec
	StyleSelection        = domain.StyleSelection
	StyleOption           = domain.StyleOption
	PictureReply          = domain.PictureReply
	CustomerConfirmation  = domain.CustomerConfirmation
	RefundRequest         = domain.RefundRequest
	RefundType            = domain.RefundType
	RefundStatus          = domain.RefundStatus
	RefundQuote           = domain.RefundQuote
	PricingBreakdown      = domain.PricingBreakdown
	PricingSource         = domain.PricingSource
	MaterialRate          = domain.MaterialRate
	MaterialRateTable     = domain.MaterialRateTable
	MaterialCostBreakdown = domain.MaterialCostBreakdown
	Review                = domain.Review
	ReviewReply           = domain.ReviewReply
	ReviewStatus          = domain.ReviewStatus
	SystemHealthReport    = domain.SystemHealthReport
)

// Domain constants the service layer leans on directly.
const (
	ProductRefCustom = domain.ProductRefCustom

	RefundTypeFull    = domain.RefundTypeFull
	RefundTypePartial = domain.RefundTypePartial

	PricingSourceSnapshot = domain.PricingSourceSnapshot
	PricingSourceOverride = domain.PricingSourceOverride
	PricingSourceDesigns  = domain.PricingSourceDesigns
	PricingSourceLegacy   = domain.PricingSourceLegacy
	PricingSourceCatalog  = domain.PricingSourceCatalog
)

// OrderService owns the order lifecycle: submission, review, proof
// reconciliation, payment, production moves, and refunds. Every mutation is
// gated by the status transition table.
type OrderService interface {
	SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	SubmitPictureReplies(ctx context.Context, cmd SubmitPictureRepliesCommand) (Order, error)
	RejectSubmission(ctx context.Context, cmd RejectSubmissionCommand) (Order, error)
	ResubmitArtwork(ctx context.Context, cmd ResubmitArtworkCommand) (Order, error)
	SubmitConfirmations(ctx context.Context, cmd SubmitConfirmationsCommand) (Order, error)
	HandlePaymentEvent(ctx context.Context, event PaymentEvent) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	RequestRefund(ctx context.Context, cmd RequestRefundCommand) (Order, error)
}

// PricingEngine resolves line-item prices and production material costs.
type PricingEngine interface {
	PriceLineItem(ctx context.Context, item LineItem) (PricingBreakdown, error)
	MaterialCost(design DesignSpec, rates MaterialRateTable) MaterialCostBreakdown
	OrderTotals(order Order) OrderTotals
}

// RefundCalculator produces refund quotes from an order and a request shape.
type RefundCalculator interface {
	Calculate(order Order, refundType RefundType, lineItemIDs []string) (RefundQuote, error)
}

// ReviewService coordinates post-delivery review lifecycle and moderation.
type ReviewService interface {
	Create(ctx context.Context, cmd CreateReviewCommand) (Review, error)
	GetByOrder(ctx context.Context, orderID string) (Review, error)
	ListByUser(ctx context.Context, cmd ListUserReviewsCommand) (domain.CursorPage[Review], error)
	Moderate(ctx context.Context, cmd ModerateReviewCommand) (Review, error)
	StoreReply(ctx context.Context, cmd StoreReviewReplyCommand) (Review, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// CatalogBasePriceFunc resolves the catalog base price for a product ref. The
// pricing engine consults it only on its lowest resolution tier.
type CatalogBasePriceFunc func(ctx context.Context, productRef string) (int64, error)

// Command and DTO definitions ------------------------------------------------

// SubmitOrderCommand creates a new order in pending_review.
type SubmitOrderCommand struct {
	UserID   string
	Currency string
	Items    []SubmitLineItem
	Shipping int64
	Tax      int64
	Metadata map[string]any
	ActorID  string
}

// SubmitLineItem is one requested line in a submission. Customization carries
// the raw payload shape accepted at the API boundary.
type SubmitLineItem struct {
	ProductRef    string
	Name          string
	Quantity      int
	Customization *Customization
	ArtworkPath   *string
}

// OrderReadOptions controls read-side behaviour.
type OrderReadOptions struct {
	// ExpectedUserID, when set, restricts the read to the order owner.
	ExpectedUserID string
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID    string
	Status    []OrderStatus
	DateRange domain.RangeQuery[time.Time]
	Pagination
}

// SubmitPictureRepliesCommand attaches admin proofs to order line items.
type SubmitPictureRepliesCommand struct {
	OrderID string
	ActorID string
	Replies []PictureReplyInput
}

// PictureReplyInput is one proof image for one line item.
type PictureReplyInput struct {
	LineItemID string
	ImagePath  string
	Notes      string
}

// RejectSubmissionCommand sends the order back for artwork re-upload.
type RejectSubmissionCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// ResubmitArtworkCommand records fresh artwork and returns the order to review.
type ResubmitArtworkCommand struct {
	OrderID string
	UserID  string
	// ArtworkPaths maps line-item IDs to replacement artwork object paths.
	ArtworkPaths map[string]string
}

// SubmitConfirmationsCommand records customer decisions on proofs.
type SubmitConfirmationsCommand struct {
	OrderID       string
	UserID        string
	Confirmations []ConfirmationInput
}

// ConfirmationInput is one customer decision for one line item.
type ConfirmationInput struct {
	LineItemID string
	Confirmed  bool
	Notes      string
}

// PaymentEventKind distinguishes inbound payment notifications.
type PaymentEventKind string

const (
	// PaymentConfirmed reports a completed charge for the order.
	PaymentConfirmed PaymentEventKind = "payment_confirmed"
	// PaymentFailed reports a failed charge attempt.
	PaymentFailed PaymentEventKind = "payment_failed"
)

// PaymentEvent is the provider-agnostic payment notification the order
// service consumes. The payments package normalises PSP webhooks into this.
type PaymentEvent struct {
	Kind       PaymentEventKind
	OrderID    string
	ProviderID string
	Reason     string
	OccurredAt time.Time
}

// OrderStatusTransitionCommand is an admin-driven production or shipping move.
type OrderStatusTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
	Note    string
}

// RequestRefundCommand asks for a full or item-level refund of a delivered order.
type RequestRefundCommand struct {
	OrderID     string
	UserID      string
	Type        RefundType
	LineItemIDs []string
	Reason      string
}

// OrderEvent is the envelope published on order lifecycle changes.
type OrderEvent struct {
	Type       string
	OrderID    string
	UserID     string
	Status     OrderStatus
	OccurredAt time.Time
	Payload    map[string]any
}

// Order event types published to the order-events topic.
const (
	OrderEventStatusUpdated         = "order_status_updated"
	OrderEventPictureReplyReceived  = "picture_reply_received"
	OrderEventConfirmationSubmitted = "confirmation_submitted"
	OrderEventRefundRequested       = "refund_requested"
)

// CreateReviewCommand submits a review for a delivered order.
type CreateReviewCommand struct {
	OrderID string
	UserID  string
	Rating  int
	Comment string
}

// ListUserReviewsCommand pages through a user's reviews.
type ListUserReviewsCommand struct {
	UserID string
	Pagination
}

// ModerateReviewCommand applies an approve/reject decision.
type ModerateReviewCommand struct {
	ReviewID string
	Approve  bool
	ActorID  string
}

// StoreReviewReplyCommand sets or clears the staff reply on a review.
type StoreReviewReplyCommand struct {
	ReviewID string
	Message  string
	ActorID  string
	Visible  bool
	// Remove clears an existing reply instead of storing one.
	Remove bool
}

// Shared helpers --------------------------------------------------------------

// Repositories narrows the full registry to what the service layer needs.
type Repositories interface {
	Orders() repositories.OrderRepository
	Catalog() repositories.CatalogRepository
	Reviews() repositories.ReviewRepository
	Counters() repositories.CounterRepository
	Health() repositories.HealthRepository
}
