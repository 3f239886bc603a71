package firestore

import (
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
)

func TestNormalizeCustomizationMultiDesign(t *testing.T) {
	payload := map[string]any{
		"designs": []any{
			map[string]any{
				"widthIn":  4.0,
				"heightIn": 4.0,
				"styles": map[string]any{
					"coverage": map[string]any{"name": "full", "price": int64(500)},
					"threads":  []any{map[string]any{"name": "metallic", "price": int64(150)}},
				},
			},
			map[string]any{
				"widthIn":       2.5,
				"heightIn":      3.0,
				"totalOverride": int64(1200),
			},
		},
	}

	got, err := normalizeCustomization(payload)
	if err != nil {
		t.Fatalf("normalizeCustomization: %v", err)
	}
	if got.Kind != domain.CustomizationMultiDesign {
		t.Fatalf("expected multi_design kind, got %q", got.Kind)
	}
	if len(got.Designs) != 2 {
		t.Fatalf("expected 2 designs, got %d", len(got.Designs))
	}
	first := got.Designs[0]
	if first.Area() != 16 {
		t.Fatalf("first design area = %v, want 16", first.Area())
	}
	if first.Styles.Coverage == nil || first.Styles.Coverage.Price != 500 {
		t.Fatalf("coverage option not decoded: %+v", first.Styles.Coverage)
	}
	if len(first.Styles.Threads) != 1 || first.Styles.Threads[0].Name != "metallic" {
		t.Fatalf("threads not decoded: %+v", first.Styles.Threads)
	}
	second := got.Designs[1]
	if second.TotalOverride == nil || *second.TotalOverride != 1200 {
		t.Fatalf("design override not decoded: %+v", second.TotalOverride)
	}
}

func TestNormalizeCustomizationLegacyStyles(t *testing.T) {
	payload := map[string]any{
		"styles": map[string]any{
			"material": map[string]any{"name": "twill", "price": int64(200)},
			"border":   map[string]any{"name": "merrow", "price": int64(100)},
		},
	}

	got, err := normalizeCustomization(payload)
	if err != nil {
		t.Fatalf("normalizeCustomization: %v", err)
	}
	if got.Kind != domain.CustomizationLegacy {
		t.Fatalf("expected legacy kind, got %q", got.Kind)
	}
	if got.Legacy == nil || got.Legacy.Material == nil || got.Legacy.Material.Price != 200 {
		t.Fatalf("legacy styles not decoded: %+v", got.Legacy)
	}
}

func TestNormalizeCustomizationSerializedString(t *testing.T) {
	raw := `{"designs":[{"width_in":3,"height_in":2,"styles":{"coverage":{"name":"partial","price":250}}}],"total_override":2500}`

	got, err := normalizeCustomization(raw)
	if err != nil {
		t.Fatalf("normalizeCustomization: %v", err)
	}
	if got.Kind != domain.CustomizationMultiDesign {
		t.Fatalf("expected multi_design kind, got %q", got.Kind)
	}
	if got.TotalOverride == nil || *got.TotalOverride != 2500 {
		t.Fatalf("item override not decoded: %+v", got.TotalOverride)
	}
	// JSON numbers arrive as float64.
	if got.Designs[0].Area() != 6 {
		t.Fatalf("area = %v, want 6", got.Designs[0].Area())
	}
	if got.Designs[0].Styles.Coverage.Price != 250 {
		t.Fatalf("coverage price = %d, want 250", got.Designs[0].Styles.Coverage.Price)
	}
}

func TestNormalizeCustomizationOverrideOnly(t *testing.T) {
	got, err := normalizeCustomization(map[string]any{"total": int64(4200)})
	if err != nil {
		t.Fatalf("normalizeCustomization: %v", err)
	}
	if got.TotalOverride == nil || *got.TotalOverride != 4200 {
		t.Fatalf("override not decoded: %+v", got.TotalOverride)
	}
}

func TestNormalizeCustomizationRejectsGarbage(t *testing.T) {
	if _, err := normalizeCustomization("not json"); err == nil {
		t.Fatal("expected error for malformed string payload")
	}
	if _, err := normalizeCustomization(42); err == nil {
		t.Fatal("expected error for unsupported payload type")
	}
	if _, err := normalizeCustomization(map[string]any{"unknown": true}); err == nil {
		t.Fatal("expected error for payload without designs, styles, or total")
	}
}

func TestDecodeOrderNormalizesLegacyStatus(t *testing.T) {
	now := time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	doc := orderDocument{
		OrderNumber: "SF-2026-000001",
		UserID:      "user-1",
		Status:      "proof_sent",
		Currency:    "usd",
		Version:     3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	order, err := decodeOrder("ord_1", doc)
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if order.Status != domain.OrderStatusPictureReplyPending {
		t.Fatalf("status = %q, want picture_reply_pending", order.Status)
	}
	if order.RefundStatus != domain.RefundStatusNone {
		t.Fatalf("empty refund status should default to none, got %q", order.RefundStatus)
	}
}

func TestEncodeDecodeOrderRoundTrip(t *testing.T) {
	now := time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	override := int64(800)
	order := domain.Order{
		ID:          "ord_1",
		OrderNumber: "SF-2026-000002",
		UserID:      "user-1",
		Status:      domain.OrderStatusPendingReview,
		Currency:    "usd",
		Version:     1,
		Totals:      domain.OrderTotals{Subtotal: 3000, Shipping: 500, Tax: 300, Total: 3800},
		Items: []domain.LineItem{
			{
				ID:         "itm_1",
				ProductRef: "patch-classic",
				Name:       "Classic Patch",
				Quantity:   2,
				Customization: &domain.Customization{
					Kind: domain.CustomizationMultiDesign,
					Designs: []domain.DesignSpec{
						{WidthIn: 4, HeightIn: 4, TotalOverride: &override},
					},
				},
				Pricing: &domain.PricingBreakdown{BaseProduct: 700, Embroidery: 800, Total: 1500},
			},
		},
		RefundStatus: domain.RefundStatusNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	decoded, err := decodeOrder(order.ID, encodeOrder(order))
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if decoded.Status != order.Status || decoded.Version != order.Version {
		t.Fatalf("header fields did not round-trip: %+v", decoded)
	}
	item := decoded.Items[0]
	if item.Customization == nil || item.Customization.Kind != domain.CustomizationMultiDesign {
		t.Fatalf("customization did not round-trip: %+v", item.Customization)
	}
	if got := item.Customization.Designs[0].TotalOverride; got == nil || *got != 800 {
		t.Fatalf("design override did not round-trip: %+v", got)
	}
	if item.Pricing == nil || item.Pricing.Total != 1500 {
		t.Fatalf("pricing snapshot did not round-trip: %+v", item.Pricing)
	}
}
