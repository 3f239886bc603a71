package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/platform/pagination"
	"github.com/stitchfield/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber    string                 `firestore:"orderNumber"`
	UserID         string                 `firestore:"userId"`
	Status         string                 `firestore:"status"`
	Currency       string                 `firestore:"currency"`
	Version        int64                  `firestore:"version"`
	Totals         orderTotalsDocument    `firestore:"totals"`
	Items          []lineItemDocument     `firestore:"items"`
	Replies        []pictureReplyDocument `firestore:"pictureReplies,omitempty"`
	Confirmations  []confirmationDocument `firestore:"confirmations,omitempty"`
	Refunds        []refundDocument       `firestore:"refundRequests,omitempty"`
	RefundStatus   string                 `firestore:"refundStatus"`
	RefundedAmount int64                  `firestore:"refundedAmount"`
	AdminNotes     string                 `firestore:"adminNotes,omitempty"`
	CreatedBy      *string                `firestore:"createdBy,omitempty"`
	UpdatedBy      *string                `firestore:"updatedBy,omitempty"`
	Metadata       map[string]any         `firestore:"metadata,omitempty"`
	CreatedAt      time.Time              `firestore:"createdAt"`
	UpdatedAt      time.Time              `firestore:"updatedAt"`
	SubmittedAt    *time.Time             `firestore:"submittedAt,omitempty"`
	ReviewedAt     *time.Time             `firestore:"reviewedAt,omitempty"`
	PaidAt         *time.Time             `firestore:"paidAt,omitempty"`
	ShippedAt      *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time             `firestore:"deliveredAt,omitempty"`
	RefundedAt     *time.Time             `firestore:"refundedAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type lineItemDocument struct {
	ID         string  `firestore:"id"`
	ProductRef string  `firestore:"productRef"`
	Name       string  `firestore:"name"`
	Quantity   int     `firestore:"quantity"`
	// Customization holds whatever shape was persisted. Historical documents
	// carry raw maps or JSON-serialised strings; current writes always store
	// the normalised map produced by encodeCustomization.
	Customization any                `firestore:"customization,omitempty"`
	ArtworkPath   *string            `firestore:"artworkPath,omitempty"`
	Pricing       *pricingDocument   `firestore:"pricing,omitempty"`
}

type pricingDocument struct {
	BaseProduct int64  `firestore:"baseProduct"`
	Embroidery  int64  `firestore:"embroidery"`
	Options     int64  `firestore:"options"`
	Total       int64  `firestore:"total"`
	Source      string `firestore:"source,omitempty"`
}

type pictureReplyDocument struct {
	ID         string    `firestore:"id"`
	LineItemID string    `firestore:"lineItemId"`
	ImagePath  string    `firestore:"imagePath"`
	Notes      string    `firestore:"notes,omitempty"`
	CreatedBy  string    `firestore:"createdBy"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type confirmationDocument struct {
	ID         string    `firestore:"id"`
	LineItemID string    `firestore:"lineItemId"`
	Confirmed  bool      `firestore:"confirmed"`
	Notes      string    `firestore:"notes,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type refundDocument struct {
	ID          string     `firestore:"id"`
	Type        string     `firestore:"type"`
	LineItemIDs []string   `firestore:"lineItemIds,omitempty"`
	Amount      int64      `firestore:"amount"`
	Status      string     `firestore:"status"`
	Reason      string     `firestore:"reason,omitempty"`
	RequestedAt time.Time  `firestore:"requestedAt"`
	ResolvedAt  *time.Time `firestore:"resolvedAt,omitempty"`
	ResolvedBy  *string    `firestore:"resolvedBy,omitempty"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: base}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert creates the order document. Fails with a conflict when the ID exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return pfirestore.WrapError("orders.insert", status.Error(codes.InvalidArgument, "order id is required"))
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := encodeOrder(order)
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update persists the order inside a transaction guarded by the optimistic
// version. The stored document must carry expectedVersion; the written
// document carries expectedVersion+1.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, pfirestore.WrapError("orders.update", status.Error(codes.InvalidArgument, "order id is required"))
	}

	updated := order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snapshot.DataTo(&current); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", order.ID, err)
		}
		if current.Version != expectedVersion {
			return status.Errorf(codes.FailedPrecondition,
				"order %s version mismatch: stored %d, expected %d", order.ID, current.Version, expectedVersion)
		}

		updated.Version = expectedVersion + 1
		return tx.Set(ref, encodeOrder(updated))
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return updated, nil
}

// FindByID fetches and decodes the order, normalising legacy payload shapes.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data)
}

// List returns orders matching the filter, newest first, with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", status.Error(codes.InvalidArgument, err.Error()))
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", *filter.DateRange.From)
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", *filter.DateRange.To)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	for _, doc := range docs {
		order, err := decodeOrder(doc.ID, doc.Data)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	if hasMore && len(docs) > 0 {
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.Data.CreatedAt, last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Encoding ------------------------------------------------------------------

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Version:     order.Version,
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		RefundStatus:   string(order.RefundStatus),
		RefundedAmount: order.RefundedAmount,
		AdminNotes:     order.AdminNotes,
		CreatedBy:      order.Audit.CreatedBy,
		UpdatedBy:      order.Audit.UpdatedBy,
		Metadata:       order.Metadata,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
		SubmittedAt:    order.SubmittedAt,
		ReviewedAt:     order.ReviewedAt,
		PaidAt:         order.PaidAt,
		ShippedAt:      order.ShippedAt,
		DeliveredAt:    order.DeliveredAt,
		RefundedAt:     order.RefundedAt,
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, encodeLineItem(item))
	}
	for _, reply := range order.Replies {
		doc.Replies = append(doc.Replies, pictureReplyDocument(reply))
	}
	for _, conf := range order.Confirmations {
		doc.Confirmations = append(doc.Confirmations, confirmationDocument(conf))
	}
	for _, refund := range order.Refunds {
		doc.Refunds = append(doc.Refunds, refundDocument{
			ID:          refund.ID,
			Type:        string(refund.Type),
			LineItemIDs: refund.LineItemIDs,
			Amount:      refund.Amount,
			Status:      string(refund.Status),
			Reason:      refund.Reason,
			RequestedAt: refund.RequestedAt,
			ResolvedAt:  refund.ResolvedAt,
			ResolvedBy:  refund.ResolvedBy,
		})
	}
	return doc
}

func encodeLineItem(item domain.LineItem) lineItemDocument {
	doc := lineItemDocument{
		ID:          item.ID,
		ProductRef:  item.ProductRef,
		Name:        item.Name,
		Quantity:    item.Quantity,
		ArtworkPath: item.ArtworkPath,
	}
	if item.Pricing != nil {
		doc.Pricing = &pricingDocument{
			BaseProduct: item.Pricing.BaseProduct,
			Embroidery:  item.Pricing.Embroidery,
			Options:     item.Pricing.Options,
			Total:       item.Pricing.Total,
			Source:      string(item.Pricing.Source),
		}
	}
	if item.Customization != nil {
		doc.Customization = encodeCustomization(*item.Customization)
	}
	return doc
}

func encodeCustomization(c domain.Customization) map[string]any {
	out := map[string]any{"kind": string(c.Kind)}
	if c.TotalOverride != nil {
		out["totalOverride"] = *c.TotalOverride
	}
	if len(c.Designs) > 0 {
		designs := make([]any, 0, len(c.Designs))
		for _, d := range c.Designs {
			design := map[string]any{
				"widthIn":  d.WidthIn,
				"heightIn": d.HeightIn,
				"styles":   encodeStyleSelection(d.Styles),
			}
			if d.TotalOverride != nil {
				design["totalOverride"] = *d.TotalOverride
			}
			designs = append(designs, design)
		}
		out["designs"] = designs
	}
	if c.Legacy != nil {
		out["styles"] = encodeStyleSelection(*c.Legacy)
	}
	return out
}

func encodeStyleSelection(sel domain.StyleSelection) map[string]any {
	out := map[string]any{}
	put := func(key string, opt *domain.StyleOption) {
		if opt != nil {
			out[key] = map[string]any{"name": opt.Name, "price": opt.Price}
		}
	}
	put("coverage", sel.Coverage)
	put("material", sel.Material)
	put("border", sel.Border)
	put("backing", sel.Backing)
	put("cutting", sel.Cutting)
	if len(sel.Threads) > 0 {
		threads := make([]any, 0, len(sel.Threads))
		for _, t := range sel.Threads {
			threads = append(threads, map[string]any{"name": t.Name, "price": t.Price})
		}
		out["threads"] = threads
	}
	if len(sel.Upgrades) > 0 {
		upgrades := make([]any, 0, len(sel.Upgrades))
		for _, u := range sel.Upgrades {
			upgrades = append(upgrades, map[string]any{"name": u.Name, "price": u.Price})
		}
		out["upgrades"] = upgrades
	}
	return out
}

// Decoding ------------------------------------------------------------------

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	order := domain.Order{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		UserID:      doc.UserID,
		Status:      domain.NormalizeStatus(doc.Status),
		Currency:    doc.Currency,
		Version:     doc.Version,
		Totals: domain.OrderTotals{
			Subtotal: doc.Totals.Subtotal,
			Shipping: doc.Totals.Shipping,
			Tax:      doc.Totals.Tax,
			Total:    doc.Totals.Total,
		},
		RefundStatus:   domain.RefundStatus(doc.RefundStatus),
		RefundedAmount: doc.RefundedAmount,
		AdminNotes:     doc.AdminNotes,
		Audit:          domain.OrderAudit{CreatedBy: doc.CreatedBy, UpdatedBy: doc.UpdatedBy},
		Metadata:       doc.Metadata,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		SubmittedAt:    doc.SubmittedAt,
		ReviewedAt:     doc.ReviewedAt,
		PaidAt:         doc.PaidAt,
		ShippedAt:      doc.ShippedAt,
		DeliveredAt:    doc.DeliveredAt,
		RefundedAt:     doc.RefundedAt,
	}
	if order.RefundStatus == "" {
		order.RefundStatus = domain.RefundStatusNone
	}
	for _, item := range doc.Items {
		decoded, err := decodeLineItem(item)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s item %s: %w", id, item.ID, err)
		}
		order.Items = append(order.Items, decoded)
	}
	for _, reply := range doc.Replies {
		order.Replies = append(order.Replies, domain.PictureReply(reply))
	}
	for _, conf := range doc.Confirmations {
		order.Confirmations = append(order.Confirmations, domain.CustomerConfirmation(conf))
	}
	for _, refund := range doc.Refunds {
		order.Refunds = append(order.Refunds, domain.RefundRequest{
			ID:          refund.ID,
			Type:        domain.RefundType(refund.Type),
			LineItemIDs: refund.LineItemIDs,
			Amount:      refund.Amount,
			Status:      domain.RefundRequestStatus(refund.Status),
			Reason:      refund.Reason,
			RequestedAt: refund.RequestedAt,
			ResolvedAt:  refund.ResolvedAt,
			ResolvedBy:  refund.ResolvedBy,
		})
	}
	return order, nil
}

func decodeLineItem(doc lineItemDocument) (domain.LineItem, error) {
	item := domain.LineItem{
		ID:          doc.ID,
		ProductRef:  doc.ProductRef,
		Name:        doc.Name,
		Quantity:    doc.Quantity,
		ArtworkPath: doc.ArtworkPath,
	}
	if doc.Pricing != nil {
		item.Pricing = &domain.PricingBreakdown{
			BaseProduct: doc.Pricing.BaseProduct,
			Embroidery:  doc.Pricing.Embroidery,
			Options:     doc.Pricing.Options,
			Total:       doc.Pricing.Total,
			Source:      domain.PricingSource(doc.Pricing.Source),
		}
	}
	customization, err := normalizeCustomization(doc.Customization)
	if err != nil {
		return domain.LineItem{}, err
	}
	item.Customization = customization
	return item, nil
}

// normalizeCustomization converts any persisted payload shape into the tagged
// domain variant. Three shapes exist in production data: the current map with
// a kind tag, older maps carrying bare designs or styles keys, and a
// JSON-serialised string of either map form.
func normalizeCustomization(raw any) (*domain.Customization, error) {
	switch payload := raw.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(payload)
		if trimmed == "" {
			return nil, nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("customization payload is not valid JSON: %w", err)
		}
		return normalizeCustomization(decoded)
	case map[string]any:
		return normalizeCustomizationMap(payload)
	default:
		return nil, fmt.Errorf("unsupported customization payload type %T", raw)
	}
}

func normalizeCustomizationMap(payload map[string]any) (*domain.Customization, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	out := &domain.Customization{}
	out.TotalOverride = intValue(payload, "totalOverride", "total_override", "total")

	if rawDesigns, ok := payload["designs"]; ok {
		designs, ok := rawDesigns.([]any)
		if !ok {
			return nil, fmt.Errorf("designs must be an array, got %T", rawDesigns)
		}
		out.Kind = domain.CustomizationMultiDesign
		for i, rawDesign := range designs {
			designMap, ok := rawDesign.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("design %d must be an object, got %T", i, rawDesign)
			}
			design := domain.DesignSpec{
				WidthIn:       floatValue(designMap, "widthIn", "width_in", "width"),
				HeightIn:      floatValue(designMap, "heightIn", "height_in", "height"),
				TotalOverride: intValue(designMap, "totalOverride", "total_override", "total"),
			}
			if rawStyles, ok := designMap["styles"]; ok {
				styles, err := normalizeStyleSelection(rawStyles)
				if err != nil {
					return nil, fmt.Errorf("design %d: %w", i, err)
				}
				design.Styles = styles
			}
			out.Designs = append(out.Designs, design)
		}
		return out, nil
	}

	if rawStyles, ok := payload["styles"]; ok {
		styles, err := normalizeStyleSelection(rawStyles)
		if err != nil {
			return nil, err
		}
		out.Kind = domain.CustomizationLegacy
		out.Legacy = &styles
		return out, nil
	}

	if out.TotalOverride != nil {
		// Override-only payloads from fully custom items.
		out.Kind = domain.CustomizationLegacy
		return out, nil
	}
	return nil, fmt.Errorf("customization payload has no designs, styles, or total")
}

func normalizeStyleSelection(raw any) (domain.StyleSelection, error) {
	stylesMap, ok := raw.(map[string]any)
	if !ok {
		return domain.StyleSelection{}, fmt.Errorf("styles must be an object, got %T", raw)
	}

	sel := domain.StyleSelection{}
	var err error
	if sel.Coverage, err = styleOption(stylesMap["coverage"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("coverage: %w", err)
	}
	if sel.Material, err = styleOption(stylesMap["material"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("material: %w", err)
	}
	if sel.Border, err = styleOption(stylesMap["border"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("border: %w", err)
	}
	if sel.Backing, err = styleOption(stylesMap["backing"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("backing: %w", err)
	}
	if sel.Cutting, err = styleOption(stylesMap["cutting"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("cutting: %w", err)
	}
	if sel.Threads, err = styleOptionList(stylesMap["threads"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("threads: %w", err)
	}
	if sel.Upgrades, err = styleOptionList(stylesMap["upgrades"]); err != nil {
		return domain.StyleSelection{}, fmt.Errorf("upgrades: %w", err)
	}
	return sel, nil
}

func styleOption(raw any) (*domain.StyleOption, error) {
	if raw == nil {
		return nil, nil
	}
	optMap, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("style option must be an object, got %T", raw)
	}
	opt := &domain.StyleOption{}
	if name, ok := optMap["name"].(string); ok {
		opt.Name = name
	}
	if price := intValue(optMap, "price", "cost"); price != nil {
		opt.Price = *price
	}
	return opt, nil
}

func styleOptionList(raw any) ([]domain.StyleOption, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", raw)
	}
	var out []domain.StyleOption
	for i, item := range items {
		opt, err := styleOption(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		if opt != nil {
			out = append(out, *opt)
		}
	}
	return out, nil
}

// intValue reads the first present key as an int64 amount. Firestore yields
// int64, JSON re-parsing yields float64.
func intValue(payload map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case int64:
			value := v
			return &value
		case int:
			value := int64(v)
			return &value
		case float64:
			value := int64(v)
			return &value
		case json.Number:
			if parsed, err := v.Int64(); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

func floatValue(payload map[string]any, keys ...string) float64 {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		case json.Number:
			if parsed, err := v.Float64(); err == nil {
				return parsed
			}
		}
	}
	return 0
}
