package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

const maxAdminBodySize = 64 * 1024

// AdminOrderHandlers exposes the staff-facing order and review operations:
// proof replies, submission rejection, production transitions, and review
// moderation.
type AdminOrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	reviews services.ReviewService
}

// NewAdminOrderHandlers constructs admin handlers restricted to staff roles.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, reviews services.ReviewService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:   authn,
		orders:  orders,
		reviews: reviews,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:picture-replies", h.submitPictureReplies)
	r.Post("/orders/{orderID}:reject", h.rejectSubmission)
	r.Post("/orders/{orderID}:transition", h.transitionStatus)
	r.Post("/reviews/{reviewID}:moderate", h.moderateReview)
	r.Put("/reviews/{reviewID}/reply", h.storeReviewReply)
	r.Delete("/reviews/{reviewID}/reply", h.removeReviewReply)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w); !ok {
		return
	}

	filter, err := parseOrderListFilter(r, strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

type pictureRepliesRequest struct {
	Replies []pictureReplyEntry `json:"replies"`
}

type pictureReplyEntry struct {
	LineItemID string `json:"line_item_id"`
	ImagePath  string `json:"image_path"`
	Notes      string `json:"notes,omitempty"`
}

func (h *AdminOrderHandlers) submitPictureReplies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req pictureRepliesRequest
	if !decodeJSONBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}

	replies := make([]services.PictureReplyInput, 0, len(req.Replies))
	for _, entry := range req.Replies {
		replies = append(replies, services.PictureReplyInput{
			LineItemID: strings.TrimSpace(entry.LineItemID),
			ImagePath:  strings.TrimSpace(entry.ImagePath),
			Notes:      strings.TrimSpace(entry.Notes),
		})
	}

	order, err := h.orders.SubmitPictureReplies(ctx, services.SubmitPictureRepliesCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Replies: replies,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

type rejectSubmissionRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) rejectSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req rejectSubmissionRequest
	if !decodeJSONBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}

	order, err := h.orders.RejectSubmission(ctx, services.RejectSubmissionCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

type transitionStatusRequest struct {
	Target string `json:"target"`
	Note   string `json:"note,omitempty"`
}

func (h *AdminOrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req transitionStatusRequest
	if !decodeJSONBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}

	target := domain.NormalizeStatus(req.Target)
	if !domain.IsKnownOrderStatus(target) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Target:  target,
		ActorID: identity.UID,
		Note:    strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

type moderateReviewRequest struct {
	Approve bool `json:"approve"`
}

func (h *AdminOrderHandlers) moderateReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service unavailable", http.StatusServiceUnavailable))
		return
	}

	reviewID := strings.TrimSpace(chi.URLParam(r, "reviewID"))
	var req moderateReviewRequest
	if !decodeJSONBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}

	review, err := h.reviews.Moderate(ctx, services.ModerateReviewCommand{
		ReviewID: reviewID,
		Approve:  req.Approve,
		ActorID:  identity.UID,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reviewResponse{Review: buildReviewPayload(review)})
}

type storeReviewReplyRequest struct {
	Message string `json:"message"`
	Visible bool   `json:"visible"`
}

func (h *AdminOrderHandlers) storeReviewReply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service unavailable", http.StatusServiceUnavailable))
		return
	}

	reviewID := strings.TrimSpace(chi.URLParam(r, "reviewID"))
	var req storeReviewReplyRequest
	if !decodeJSONBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}

	review, err := h.reviews.StoreReply(ctx, services.StoreReviewReplyCommand{
		ReviewID: reviewID,
		Message:  strings.TrimSpace(req.Message),
		ActorID:  identity.UID,
		Visible:  req.Visible,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reviewResponse{Review: buildReviewPayload(review)})
}

func (h *AdminOrderHandlers) removeReviewReply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service unavailable", http.StatusServiceUnavailable))
		return
	}

	reviewID := strings.TrimSpace(chi.URLParam(r, "reviewID"))

	review, err := h.reviews.StoreReply(ctx, services.StoreReviewReplyCommand{
		ReviewID: reviewID,
		ActorID:  identity.UID,
		Remove:   true,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reviewResponse{Review: buildReviewPayload(review)})
}

func (h *AdminOrderHandlers) requireStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	if !identity.HasAnyRole(auth.RoleAdmin, auth.RoleStaff) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}
