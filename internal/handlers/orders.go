package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

const (
	defaultOrderPageSize  = 20
	maxOrderPageSize      = 100
	maxOrderBodySize      = 64 * 1024
	maxCheckoutBodySize   = 8 * 1024
	defaultSubmitLimit    = 10
	defaultSubmitWindow   = time.Minute
	metadataProviderIDKey = "paymentProviderId"
)

// OrderHandlers exposes the customer-facing order lifecycle endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments payments.Provider
	limiter  rateLimiter
	logger   *zap.Logger
}

// OrderOption customises OrderHandlers construction.
type OrderOption func(*OrderHandlers)

// WithCheckoutProvider wires the PSP adapter used for checkout sessions and
// refund issuance.
func WithCheckoutProvider(provider payments.Provider) OrderOption {
	return func(h *OrderHandlers) {
		h.payments = provider
	}
}

// WithOrderLogger attaches a structured logger.
func WithOrderLogger(logger *zap.Logger) OrderOption {
	return func(h *OrderHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSubmitRateLimit overrides the per-user submission rate limit.
func WithSubmitRateLimit(limit int, window time.Duration) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, time.Now)
	}
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:   authn,
		orders:  orders,
		limiter: newSimpleRateLimiter(defaultSubmitLimit, defaultSubmitWindow, time.Now),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.submitOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:resubmit-artwork", h.resubmitArtwork)
	r.Post("/{orderID}:confirm", h.submitConfirmations)
	r.Post("/{orderID}:request-refund", h.requestRefund)
	r.Post("/{orderID}:checkout", h.createCheckoutSession)
}

type submitOrderRequest struct {
	Currency string            `json:"currency"`
	Shipping int64             `json:"shipping"`
	Tax      int64             `json:"tax"`
	Items    []submitOrderItem `json:"items"`
	Metadata map[string]any    `json:"metadata"`
}

type submitOrderItem struct {
	ProductRef    string                `json:"product_ref"`
	Name          string                `json:"name,omitempty"`
	Quantity      int                   `json:"quantity"`
	ArtworkPath   *string               `json:"artwork_path,omitempty"`
	Customization *customizationPayload `json:"customization,omitempty"`
}

type customizationPayload struct {
	TotalOverride *int64                 `json:"total_override,omitempty"`
	Designs       []designPayload        `json:"designs,omitempty"`
	Legacy        *styleSelectionPayload `json:"legacy,omitempty"`
}

type designPayload struct {
	WidthIn       float64               `json:"width_in"`
	HeightIn      float64               `json:"height_in"`
	TotalOverride *int64                `json:"total_override,omitempty"`
	Styles        styleSelectionPayload `json:"styles"`
}

type styleSelectionPayload struct {
	Coverage *styleOptionPayload  `json:"coverage,omitempty"`
	Material *styleOptionPayload  `json:"material,omitempty"`
	Border   *styleOptionPayload  `json:"border,omitempty"`
	Backing  *styleOptionPayload  `json:"backing,omitempty"`
	Cutting  *styleOptionPayload  `json:"cutting,omitempty"`
	Threads  []styleOptionPayload `json:"threads,omitempty"`
	Upgrades []styleOptionPayload `json:"upgrades,omitempty"`
}

type styleOptionPayload struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

func (h *OrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order submissions; slow down", http.StatusTooManyRequests))
		return
	}

	var req submitOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	items := make([]services.SubmitLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.SubmitLineItem{
			ProductRef:    strings.TrimSpace(item.ProductRef),
			Name:          strings.TrimSpace(item.Name),
			Quantity:      item.Quantity,
			Customization: buildCustomization(item.Customization),
			ArtworkPath:   cloneStringPointer(item.ArtworkPath),
		})
	}

	cmd := services.SubmitOrderCommand{
		UserID:   identity.UID,
		Currency: strings.TrimSpace(req.Currency),
		Items:    items,
		Shipping: req.Shipping,
		Tax:      req.Tax,
		Metadata: cloneMap(req.Metadata),
		ActorID:  identity.UID,
	}

	order, err := h.orders.SubmitOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, false)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, err := parseOrderListFilter(r, identity.UID)
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{ExpectedUserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

type resubmitArtworkRequest struct {
	// ArtworkPaths maps line-item IDs to replacement artwork object paths.
	ArtworkPaths map[string]string `json:"artwork_paths"`
}

func (h *OrderHandlers) resubmitArtwork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req resubmitArtworkRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	order, err := h.orders.ResubmitArtwork(ctx, services.ResubmitArtworkCommand{
		OrderID:      orderID,
		UserID:       identity.UID,
		ArtworkPaths: req.ArtworkPaths,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

type submitConfirmationsRequest struct {
	Confirmations []confirmationEntry `json:"confirmations"`
}

type confirmationEntry struct {
	LineItemID string `json:"line_item_id"`
	Confirmed  bool   `json:"confirmed"`
	Notes      string `json:"notes,omitempty"`
}

func (h *OrderHandlers) submitConfirmations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req submitConfirmationsRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	confirmations := make([]services.ConfirmationInput, 0, len(req.Confirmations))
	for _, entry := range req.Confirmations {
		confirmations = append(confirmations, services.ConfirmationInput{
			LineItemID: strings.TrimSpace(entry.LineItemID),
			Confirmed:  entry.Confirmed,
			Notes:      strings.TrimSpace(entry.Notes),
		})
	}

	order, err := h.orders.SubmitConfirmations(ctx, services.SubmitConfirmationsCommand{
		OrderID:       orderID,
		UserID:        identity.UID,
		Confirmations: confirmations,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

type requestRefundRequest struct {
	Type        string   `json:"type"`
	LineItemIDs []string `json:"line_item_ids,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func (h *OrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req requestRefundRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	refundType := domain.RefundType(strings.ToLower(strings.TrimSpace(req.Type)))
	if refundType != domain.RefundTypeFull && refundType != domain.RefundTypePartial {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "type must be full or partial", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RequestRefund(ctx, services.RequestRefundCommand{
		OrderID:     orderID,
		UserID:      identity.UID,
		Type:        refundType,
		LineItemIDs: req.LineItemIDs,
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	h.issueProviderRefund(ctx, order)

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

// issueProviderRefund pushes the freshly resolved refund to the PSP. Failures
// are logged, not surfaced: the order already records the refund and ops
// reconcile provider state out of band.
func (h *OrderHandlers) issueProviderRefund(ctx context.Context, order services.Order) {
	if h.payments == nil || len(order.Refunds) == 0 {
		return
	}
	latest := order.Refunds[len(order.Refunds)-1]
	if !latest.Status.IsResolved() || latest.Amount <= 0 {
		return
	}
	intentID := metadataString(order.Metadata, metadataProviderIDKey)
	if intentID == "" {
		h.logger.Warn("order.refund.no_provider_id", zap.String("orderId", order.ID))
		return
	}
	err := h.payments.IssueRefund(ctx, payments.RefundIssueRequest{
		IntentID:       intentID,
		Amount:         latest.Amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: latest.ID,
	})
	if err != nil {
		h.logger.Error("order.refund.issue.failed",
			zap.String("orderId", order.ID),
			zap.String("refundId", latest.ID),
			zap.Error(err))
	}
}

type checkoutRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *OrderHandlers) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "payment provider unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	var req checkoutRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutBodySize, &req) {
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	cancelURL := strings.TrimSpace(req.CancelURL)
	if successURL == "" || cancelURL == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "successUrl and cancelUrl are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{ExpectedUserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.Status != domain.OrderStatusPendingPayment {
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order is not awaiting payment", http.StatusConflict))
		return
	}

	session, err := h.payments.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: order.ID,
		Items:          buildCheckoutItems(order),
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to create checkout session", http.StatusBadGateway))
		return
	}

	payload := checkoutResponse{
		SessionID: session.ID,
		Provider:  session.Provider,
		URL:       session.RedirectURL,
	}
	if !session.ExpiresAt.IsZero() {
		payload.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func buildCheckoutItems(order services.Order) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items)+1)
	for _, item := range order.Items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = "Embroidery item"
		}
		var amount int64
		if item.Pricing != nil {
			amount = item.Pricing.Total
		}
		items = append(items, payments.CheckoutLineItem{
			Name:     name,
			Quantity: 1,
			Amount:   amount,
			Currency: order.Currency,
		})
	}
	if extra := order.Totals.Shipping + order.Totals.Tax; extra > 0 {
		items = append(items, payments.CheckoutLineItem{
			Name:     "Shipping & tax",
			Quantity: 1,
			Amount:   extra,
			Currency: order.Currency,
		})
	}
	return items
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func buildCustomization(payload *customizationPayload) *domain.Customization {
	if payload == nil {
		return nil
	}
	custom := &domain.Customization{
		Kind:          domain.CustomizationMultiDesign,
		TotalOverride: payload.TotalOverride,
	}
	if payload.Legacy != nil && len(payload.Designs) == 0 {
		custom.Kind = domain.CustomizationLegacy
		legacy := buildStyleSelection(*payload.Legacy)
		custom.Legacy = &legacy
		return custom
	}
	custom.Designs = make([]domain.DesignSpec, 0, len(payload.Designs))
	for _, design := range payload.Designs {
		custom.Designs = append(custom.Designs, domain.DesignSpec{
			WidthIn:       design.WidthIn,
			HeightIn:      design.HeightIn,
			Styles:        buildStyleSelection(design.Styles),
			TotalOverride: design.TotalOverride,
		})
	}
	return custom
}

func buildStyleSelection(payload styleSelectionPayload) domain.StyleSelection {
	selection := domain.StyleSelection{
		Coverage: buildStyleOption(payload.Coverage),
		Material: buildStyleOption(payload.Material),
		Border:   buildStyleOption(payload.Border),
		Backing:  buildStyleOption(payload.Backing),
		Cutting:  buildStyleOption(payload.Cutting),
	}
	for _, thread := range payload.Threads {
		selection.Threads = append(selection.Threads, domain.StyleOption{Name: strings.TrimSpace(thread.Name), Price: thread.Price})
	}
	for _, upgrade := range payload.Upgrades {
		selection.Upgrades = append(selection.Upgrades, domain.StyleOption{Name: strings.TrimSpace(upgrade.Name), Price: upgrade.Price})
	}
	return selection
}

func buildStyleOption(payload *styleOptionPayload) *domain.StyleOption {
	if payload == nil {
		return nil
	}
	return &domain.StyleOption{Name: strings.TrimSpace(payload.Name), Price: payload.Price}
}

func parseOrderListFilter(r *http.Request, userID string) (services.OrderListFilter, error) {
	query := r.URL.Query()

	var statuses []services.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.NormalizeStatus(raw)
		if !domain.IsKnownOrderStatus(status) {
			return services.OrderListFilter{}, errors.New("status filter contains an unknown status")
		}
		statuses = append(statuses, status)
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("page_size must be an integer")
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	return services.OrderListFilter{
		UserID:    strings.TrimSpace(userID),
		Status:    statuses,
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}, nil
}

// Response payloads -----------------------------------------------------------

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	ItemCount   int    `json:"item_count"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID             string                 `json:"id"`
	OrderNumber    string                 `json:"order_number"`
	UserID         string                 `json:"user_id"`
	Status         string                 `json:"status"`
	Currency       string                 `json:"currency"`
	Totals         orderTotalsPayload     `json:"totals"`
	Items          []orderItemPayload     `json:"items"`
	Replies        []pictureReplyPayload  `json:"replies,omitempty"`
	Confirmations  []confirmationPayload  `json:"confirmations,omitempty"`
	Refunds        []refundRequestPayload `json:"refunds,omitempty"`
	RefundStatus   string                 `json:"refund_status,omitempty"`
	RefundedAmount int64                  `json:"refunded_amount,omitempty"`
	AdminNotes     string                 `json:"admin_notes,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	Audit          *orderAuditPayload     `json:"audit,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at,omitempty"`
	SubmittedAt    string                 `json:"submitted_at,omitempty"`
	ReviewedAt     string                 `json:"reviewed_at,omitempty"`
	PaidAt         string                 `json:"paid_at,omitempty"`
	ShippedAt      string                 `json:"shipped_at,omitempty"`
	DeliveredAt    string                 `json:"delivered_at,omitempty"`
	RefundedAt     string                 `json:"refunded_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ID          string                   `json:"id"`
	ProductRef  string                   `json:"product_ref"`
	Name        string                   `json:"name,omitempty"`
	Quantity    int                      `json:"quantity"`
	ArtworkPath *string                  `json:"artwork_path,omitempty"`
	Pricing     *pricingBreakdownPayload `json:"pricing,omitempty"`
}

type pricingBreakdownPayload struct {
	BaseProduct int64  `json:"base_product"`
	Embroidery  int64  `json:"embroidery"`
	Options     int64  `json:"options"`
	Total       int64  `json:"total"`
	Source      string `json:"source,omitempty"`
}

type pictureReplyPayload struct {
	ID         string `json:"id"`
	LineItemID string `json:"line_item_id"`
	ImagePath  string `json:"image_path"`
	Notes      string `json:"notes,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type confirmationPayload struct {
	ID         string `json:"id"`
	LineItemID string `json:"line_item_id"`
	Confirmed  bool   `json:"confirmed"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type refundRequestPayload struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	LineItemIDs []string `json:"line_item_ids,omitempty"`
	Amount      int64    `json:"amount"`
	Status      string   `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	RequestedAt string   `json:"requested_at"`
	ResolvedAt  string   `json:"resolved_at,omitempty"`
	ResolvedBy  *string  `json:"resolved_by,omitempty"`
}

type orderAuditPayload struct {
	CreatedBy *string `json:"created_by,omitempty"`
	UpdatedBy *string `json:"updated_by,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:          strings.TrimSpace(order.ID),
			OrderNumber: strings.TrimSpace(order.OrderNumber),
			Status:      string(order.Status),
			Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
			Total:       order.Totals.Total,
			ItemCount:   len(order.Items),
			CreatedAt:   formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

// buildOrderPayload renders an order. Admin notes only leave the building on
// staff-facing responses.
func buildOrderPayload(order services.Order, staffView bool) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      string(order.Status),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:          make([]orderItemPayload, 0, len(order.Items)),
		RefundStatus:   refundStatusLabel(order.RefundStatus),
		RefundedAmount: order.RefundedAmount,
		Metadata:       cloneMap(order.Metadata),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		SubmittedAt:    formatTime(pointerTime(order.SubmittedAt)),
		ReviewedAt:     formatTime(pointerTime(order.ReviewedAt)),
		PaidAt:         formatTime(pointerTime(order.PaidAt)),
		ShippedAt:      formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:    formatTime(pointerTime(order.DeliveredAt)),
		RefundedAt:     formatTime(pointerTime(order.RefundedAt)),
	}

	if staffView {
		payload.AdminNotes = strings.TrimSpace(order.AdminNotes)
		if order.Audit.CreatedBy != nil || order.Audit.UpdatedBy != nil {
			payload.Audit = &orderAuditPayload{
				CreatedBy: cloneStringPointer(order.Audit.CreatedBy),
				UpdatedBy: cloneStringPointer(order.Audit.UpdatedBy),
			}
		}
	}

	for _, item := range order.Items {
		entry := orderItemPayload{
			ID:          strings.TrimSpace(item.ID),
			ProductRef:  strings.TrimSpace(item.ProductRef),
			Name:        strings.TrimSpace(item.Name),
			Quantity:    item.Quantity,
			ArtworkPath: cloneStringPointer(item.ArtworkPath),
		}
		if item.Pricing != nil {
			entry.Pricing = &pricingBreakdownPayload{
				BaseProduct: item.Pricing.BaseProduct,
				Embroidery:  item.Pricing.Embroidery,
				Options:     item.Pricing.Options,
				Total:       item.Pricing.Total,
				Source:      string(item.Pricing.Source),
			}
		}
		payload.Items = append(payload.Items, entry)
	}

	for _, reply := range order.Replies {
		payload.Replies = append(payload.Replies, pictureReplyPayload{
			ID:         reply.ID,
			LineItemID: reply.LineItemID,
			ImagePath:  reply.ImagePath,
			Notes:      reply.Notes,
			CreatedBy:  reply.CreatedBy,
			CreatedAt:  formatTime(reply.CreatedAt),
		})
	}

	for _, conf := range order.Confirmations {
		payload.Confirmations = append(payload.Confirmations, confirmationPayload{
			ID:         conf.ID,
			LineItemID: conf.LineItemID,
			Confirmed:  conf.Confirmed,
			Notes:      conf.Notes,
			CreatedAt:  formatTime(conf.CreatedAt),
		})
	}

	for _, refund := range order.Refunds {
		payload.Refunds = append(payload.Refunds, refundRequestPayload{
			ID:          refund.ID,
			Type:        string(refund.Type),
			LineItemIDs: append([]string(nil), refund.LineItemIDs...),
			Amount:      refund.Amount,
			Status:      string(refund.Status),
			Reason:      refund.Reason,
			RequestedAt: formatTime(refund.RequestedAt),
			ResolvedAt:  formatTime(pointerTime(refund.ResolvedAt)),
			ResolvedBy:  cloneStringPointer(refund.ResolvedBy),
		})
	}

	return payload
}

func refundStatusLabel(status domain.RefundStatus) string {
	if status == "" || status == domain.RefundStatusNone {
		return ""
	}
	return string(status)
}

func metadataString(metadata map[string]any, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	if value, ok := metadata[key]; ok {
		if str, ok := value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderPayment):
		httpx.WriteError(ctx, w, httpx.NewError("order_payment_failed", err.Error(), http.StatusPaymentRequired))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order repository unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
