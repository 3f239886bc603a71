package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingReview indicates the submission awaits the first admin review.
	OrderStatusPendingReview OrderStatus = "pending_review"
	// OrderStatusRejectedNeedsUpload indicates the admin rejected the submitted artwork and the customer must re-upload.
	OrderStatusRejectedNeedsUpload OrderStatus = "rejected_needs_upload"
	// OrderStatusPictureReplyPending indicates design proofs were sent and await customer decisions.
	OrderStatusPictureReplyPending OrderStatus = "picture_reply_pending"
	// OrderStatusPictureReplyRejected indicates at least one proof was declined; a revised proof is expected.
	OrderStatusPictureReplyRejected OrderStatus = "picture_reply_rejected"
	// OrderStatusPictureReplyApproved indicates every replied item was accepted by the customer.
	OrderStatusPictureReplyApproved OrderStatus = "picture_reply_approved"
	// OrderStatusPendingPayment indicates the order awaits payment completion.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusApprovedProcessing indicates payment succeeded and the order entered processing.
	OrderStatusApprovedProcessing OrderStatus = "approved_processing"
	// OrderStatusReadyForProduction indicates materials are staged and stitching can start.
	OrderStatusReadyForProduction OrderStatus = "ready_for_production"
	// OrderStatusInProduction indicates the order is actively being stitched.
	OrderStatusInProduction OrderStatus = "in_production"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer. Refund and review windows open here.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusRefunded indicates a full refund was applied. Terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// RefundStatus tracks the refund position of a delivered order.
type RefundStatus string

const (
	// RefundStatusNone indicates no refund activity on the order.
	RefundStatusNone RefundStatus = "none"
	// RefundStatusRequested indicates an unresolved refund request exists.
	RefundStatusRequested RefundStatus = "requested"
	// RefundStatusPartial indicates some line items were refunded while the order stays delivered.
	RefundStatusPartial RefundStatus = "partial"
	// RefundStatusFull indicates the whole order amount was refunded.
	RefundStatusFull RefundStatus = "full"
)

// ProductRefCustom marks line items with no catalog backing. Their price comes
// from the customization payload.
const ProductRefCustom = "custom"

// Order is the aggregate root for the purchase lifecycle. It is mutated only
// through state-machine-gated operations in the order service.
type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Status      OrderStatus
	Currency    string

	// Version backs optimistic concurrency on save. Incremented by the
	// repository on every successful update.
	Version int64

	// Totals is a display cache. Readers recompute it from the per-item
	// breakdowns and correct it when it diverges.
	Totals OrderTotals

	Items         []LineItem
	Replies       []PictureReply
	Confirmations []CustomerConfirmation
	Refunds       []RefundRequest

	RefundStatus   RefundStatus
	RefundedAmount int64

	AdminNotes string
	Audit      OrderAudit
	Metadata   map[string]any

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	ReviewedAt  *time.Time
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	RefundedAt  *time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderAudit records the actors responsible for creating and updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// LineItem is one product (or fully custom piece) within an order. The ID is
// assigned once at submission and never changes; replies and confirmations
// reference it exactly, with no fallback matching.
type LineItem struct {
	ID            string
	ProductRef    string
	Name          string
	Quantity      int
	Customization *Customization
	ArtworkPath   *string

	// Pricing is the persisted breakdown snapshot. Authoritative once the
	// order is submitted; catalog changes never reprice history.
	Pricing *PricingBreakdown
}

// CustomizationKind tags the normalized shape of a customization payload.
type CustomizationKind string

const (
	// CustomizationLegacy is the historical single-style-set payload.
	CustomizationLegacy CustomizationKind = "legacy"
	// CustomizationMultiDesign is the current multi-design payload.
	CustomizationMultiDesign CustomizationKind = "multi_design"
)

// Customization is the tagged variant all persisted payload shapes normalize
// into at the repository boundary. Downstream code never sees raw payloads.
type Customization struct {
	Kind CustomizationKind

	// TotalOverride carries an explicit item total for custom pieces with no
	// catalog backing. Consulted ahead of per-design summation.
	TotalOverride *int64

	// Designs is populated for CustomizationMultiDesign.
	Designs []DesignSpec

	// Legacy is populated for CustomizationLegacy.
	Legacy *StyleSelection
}

// DesignSpec is one embroidery artwork instance within a line item.
type DesignSpec struct {
	WidthIn  float64
	HeightIn float64
	Styles   StyleSelection

	// TotalOverride replaces the computed per-design total when present.
	TotalOverride *int64
}

// Area returns the stitched area in square inches.
func (d DesignSpec) Area() float64 {
	if d.WidthIn <= 0 || d.HeightIn <= 0 {
		return 0
	}
	return d.WidthIn * d.HeightIn
}

// StyleSelection groups the selected style options of a design.
type StyleSelection struct {
	Coverage *StyleOption
	Material *StyleOption
	Border   *StyleOption
	Backing  *StyleOption
	Cutting  *StyleOption
	Threads  []StyleOption
	Upgrades []StyleOption
}

// Options returns every selected option in a stable order.
func (s StyleSelection) Options() []StyleOption {
	out := make([]StyleOption, 0, 5+len(s.Threads)+len(s.Upgrades))
	for _, opt := range []*StyleOption{s.Coverage, s.Material, s.Border, s.Backing, s.Cutting} {
		if opt != nil {
			out = append(out, *opt)
		}
	}
	out = append(out, s.Threads...)
	out = append(out, s.Upgrades...)
	return out
}

// StyleOption is one named, priced customization choice.
type StyleOption struct {
	Name  string
	Price int64
}

// PictureReply is a staff-submitted design proof attached to a line item.
// Multiple replies per item form a conversation; the newest is the open one.
type PictureReply struct {
	ID         string
	LineItemID string
	ImagePath  string
	Notes      string
	CreatedBy  string
	CreatedAt  time.Time
}

// CustomerConfirmation is the customer decision on a line item's latest proof.
// History is retained; the most recent confirmation per item is authoritative.
type CustomerConfirmation struct {
	ID         string
	LineItemID string
	Confirmed  bool
	Notes      string
	CreatedAt  time.Time
}

// RefundType distinguishes whole-order refunds from item-level ones.
type RefundType string

const (
	// RefundTypeFull refunds items, tax, and shipping.
	RefundTypeFull RefundType = "full"
	// RefundTypePartial refunds selected items plus proportional tax. Shipping stays.
	RefundTypePartial RefundType = "partial"
)

// RefundRequestStatus tracks the resolution of a refund request.
type RefundRequestStatus string

const (
	// RefundRequestRequested is an unresolved request awaiting staff resolution.
	RefundRequestRequested RefundRequestStatus = "requested"
	// RefundRequestPartial is a resolved item-level refund.
	RefundRequestPartial RefundRequestStatus = "partial"
	// RefundRequestFull is a resolved whole-order refund.
	RefundRequestFull RefundRequestStatus = "full"
	// RefundRequestDenied is a resolved request that was not granted.
	RefundRequestDenied RefundRequestStatus = "denied"
)

// IsResolved reports whether the request reached a terminal status.
func (s RefundRequestStatus) IsResolved() bool {
	return s == RefundRequestPartial || s == RefundRequestFull || s == RefundRequestDenied
}

// IsGranted reports whether the request resulted in money returned.
func (s RefundRequestStatus) IsGranted() bool {
	return s == RefundRequestPartial || s == RefundRequestFull
}

// RefundRequest records a customer refund request and its computed amount.
// At most one unresolved request may exist per order.
type RefundRequest struct {
	ID          string
	Type        RefundType
	LineItemIDs []string
	Amount      int64
	Status      RefundRequestStatus
	Reason      string
	RequestedAt time.Time
	ResolvedAt  *time.Time
	ResolvedBy  *string
}

// ReviewStatus indicates the moderation state of a review.
type ReviewStatus string

const (
	// ReviewStatusPending indicates the review awaits moderation.
	ReviewStatusPending ReviewStatus = "pending"
	// ReviewStatusApproved indicates the review has been approved and is visible.
	ReviewStatusApproved ReviewStatus = "approved"
	// ReviewStatusRejected indicates the review has been rejected and is hidden.
	ReviewStatusRejected ReviewStatus = "rejected"
)

// Review captures customer feedback on a delivered order.
type Review struct {
	ID          string
	OrderRef    string
	UserRef     string
	Rating      int
	Comment     string
	Status      ReviewStatus
	ModeratedBy *string
	ModeratedAt *time.Time
	Reply       *ReviewReply
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReviewReply stores a staff response to a review.
type ReviewReply struct {
	Message   string
	AuthorRef string
	Visible   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// legacyStatusAliases maps historical status strings onto the current state
// set. Applied only when decoding persisted documents; the running state
// machine never produces these values. Several legacy pairs collapse onto a
// single current status, matching observed production data.
var legacyStatusAliases = map[string]OrderStatus{
	"waiting_review":    OrderStatusPendingReview,
	"under_review":      OrderStatusPendingReview,
	"upload_rejected":   OrderStatusRejectedNeedsUpload,
	"proof_sent":        OrderStatusPictureReplyPending,
	"proof_declined":    OrderStatusPictureReplyRejected,
	"proof_accepted":    OrderStatusPictureReplyApproved,
	"awaiting_payment":  OrderStatusPendingPayment,
	"paid":              OrderStatusApprovedProcessing,
	"approved":          OrderStatusApprovedProcessing,
	"queued_production": OrderStatusReadyForProduction,
	"stitching":         OrderStatusInProduction,
	"dispatched":        OrderStatusShipped,
	"completed":         OrderStatusDelivered,
	"money_returned":    OrderStatusRefunded,
	"refund_completed":  OrderStatusRefunded,
}

// NormalizeStatus maps a persisted status string (current or legacy) onto the
// current enum. Unknown values are returned unchanged so callers can surface
// them instead of guessing.
func NormalizeStatus(raw string) OrderStatus {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := legacyStatusAliases[trimmed]; ok {
		return mapped
	}
	return OrderStatus(trimmed)
}

// KnownOrderStatuses lists the statuses the state machine operates on, in
// lifecycle order.
var KnownOrderStatuses = []OrderStatus{
	OrderStatusPendingReview,
	OrderStatusRejectedNeedsUpload,
	OrderStatusPictureReplyPending,
	OrderStatusPictureReplyRejected,
	OrderStatusPictureReplyApproved,
	OrderStatusPendingPayment,
	OrderStatusApprovedProcessing,
	OrderStatusReadyForProduction,
	OrderStatusInProduction,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusRefunded,
}

// IsKnownOrderStatus reports whether the status belongs to the current enum.
func IsKnownOrderStatus(status OrderStatus) bool {
	for _, s := range KnownOrderStatuses {
		if s == status {
			return true
		}
	}
	return false
}
