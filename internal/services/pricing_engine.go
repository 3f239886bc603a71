package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrPricingInvalidInput signals bad line-item data such as a non-positive quantity.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCatalogUnavailable is returned when a required catalog lookup fails.
	ErrPricingCatalogUnavailable = errors.New("pricing: catalog lookup failed")
)

// PricingEngineDeps bundles collaborators required to construct the pricing engine.
type PricingEngineDeps struct {
	// Catalog resolves base prices for catalog-backed products. Consulted only
	// when an item has no persisted snapshot and no payload override.
	Catalog CatalogBasePriceFunc
	// Rates is the material rate snapshot taken from configuration at startup.
	Rates  MaterialRateTable
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type pricingEngine struct {
	catalog CatalogBasePriceFunc
	rates   MaterialRateTable
	logger  func(context.Context, string, map[string]any)
}

// NewPricingEngine wires dependencies into a concrete PricingEngine implementation.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog lookup is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &pricingEngine{
		catalog: deps.Catalog,
		rates:   deps.Rates,
		logger:  logger,
	}, nil
}

// PriceLineItem resolves the breakdown for one line item. Resolution tiers,
// highest priority first:
//
//  1. the persisted breakdown snapshot on the item,
//  2. an explicit total override on the customization payload,
//  3. per-design components (material cost + style options) plus the catalog base,
//  4. a legacy single style set plus the catalog base,
//  5. the plain catalog base price.
//
// Tier 1 makes repricing idempotent: once a snapshot exists, catalog or rate
// changes never alter it.
func (e *pricingEngine) PriceLineItem(ctx context.Context, item LineItem) (PricingBreakdown, error) {
	if item.Pricing != nil {
		breakdown := *item.Pricing
		breakdown.Source = PricingSourceSnapshot
		return breakdown, nil
	}

	if item.Quantity <= 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: item %s quantity must be positive", ErrPricingInvalidInput, item.ID)
	}

	c := item.Customization

	if c != nil && c.TotalOverride != nil {
		if *c.TotalOverride < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s total override cannot be negative", ErrPricingInvalidInput, item.ID)
		}
		return PricingBreakdown{
			Embroidery: *c.TotalOverride,
			Total:      *c.TotalOverride,
			Source:     PricingSourceOverride,
		}, nil
	}

	base, err := e.basePrice(ctx, item)
	if err != nil {
		return PricingBreakdown{}, err
	}

	if c != nil && len(c.Designs) > 0 {
		return e.priceDesigns(item, base, c.Designs)
	}

	if c != nil && c.Legacy != nil {
		options, err := sumOptionPrices(item.ID, c.Legacy.Options())
		if err != nil {
			return PricingBreakdown{}, err
		}
		total, err := addMoney(base, options)
		if err != nil {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s total overflow", ErrPricingInvalidInput, item.ID)
		}
		return PricingBreakdown{
			BaseProduct: base,
			Options:     options,
			Total:       total,
			Source:      PricingSourceLegacy,
		}, nil
	}

	return PricingBreakdown{BaseProduct: base, Total: base, Source: PricingSourceCatalog}, nil
}

func (e *pricingEngine) priceDesigns(item LineItem, base int64, designs []DesignSpec) (PricingBreakdown, error) {
	var embroidery, options int64
	var err error

	for i, design := range designs {
		if design.TotalOverride != nil {
			if *design.TotalOverride < 0 {
				return PricingBreakdown{}, fmt.Errorf("%w: item %s design %d override cannot be negative", ErrPricingInvalidInput, item.ID, i)
			}
			// An overridden design replaces both its material cost and its
			// option pricing.
			if embroidery, err = addMoney(embroidery, *design.TotalOverride); err != nil {
				return PricingBreakdown{}, fmt.Errorf("%w: item %s embroidery overflow", ErrPricingInvalidInput, item.ID)
			}
			continue
		}

		material := e.MaterialCost(design, e.rates)
		if embroidery, err = addMoney(embroidery, material.Total); err != nil {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s embroidery overflow", ErrPricingInvalidInput, item.ID)
		}

		designOptions, sumErr := sumOptionPrices(item.ID, design.Styles.Options())
		if sumErr != nil {
			return PricingBreakdown{}, sumErr
		}
		if options, err = addMoney(options, designOptions); err != nil {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s options overflow", ErrPricingInvalidInput, item.ID)
		}
	}

	total := base
	if total, err = addMoney(total, embroidery); err != nil {
		return PricingBreakdown{}, fmt.Errorf("%w: item %s total overflow", ErrPricingInvalidInput, item.ID)
	}
	if total, err = addMoney(total, options); err != nil {
		return PricingBreakdown{}, fmt.Errorf("%w: item %s total overflow", ErrPricingInvalidInput, item.ID)
	}

	return PricingBreakdown{
		BaseProduct: base,
		Embroidery:  embroidery,
		Options:     options,
		Total:       total,
		Source:      PricingSourceDesigns,
	}, nil
}

// MaterialCost converts a design's stitched area into a per-material cost
// breakdown using the provided rate snapshot. Pure: identical inputs always
// produce identical outputs, so the same function serves live pricing and
// snapshot auditing.
func (e *pricingEngine) MaterialCost(design DesignSpec, rates MaterialRateTable) MaterialCostBreakdown {
	area := design.Area()

	breakdown := MaterialCostBreakdown{
		Fabric:             materialCost(area, rates.Fabric),
		PatchAttach:        materialCost(area, rates.PatchAttach),
		Thread:             materialCost(area, rates.Thread),
		Bobbin:             materialCost(area, rates.Bobbin),
		CutAwayStabilizer:  materialCost(area, rates.CutAwayStabilizer),
		WashAwayStabilizer: materialCost(area, rates.WashAwayStabilizer),
	}
	breakdown.Total = breakdown.Fabric + breakdown.PatchAttach + breakdown.Thread +
		breakdown.Bobbin + breakdown.CutAwayStabilizer + breakdown.WashAwayStabilizer
	return breakdown
}

// OrderTotals recomputes the order rollup from the per-item breakdown
// snapshots. Stored order-level totals are a display cache; this is the
// authoritative computation every read path runs.
func (e *pricingEngine) OrderTotals(order Order) OrderTotals {
	var subtotal int64
	for _, item := range order.Items {
		if item.Pricing == nil || item.Quantity <= 0 {
			continue
		}
		qty := int64(item.Quantity)
		if item.Pricing.Total > 0 && item.Pricing.Total > math.MaxInt64/qty {
			subtotal = math.MaxInt64
			break
		}
		line := item.Pricing.Total * qty
		if line > 0 && subtotal > math.MaxInt64-line {
			subtotal = math.MaxInt64
			break
		}
		subtotal += line
	}

	return OrderTotals{
		Subtotal: subtotal,
		Shipping: order.Totals.Shipping,
		Tax:      order.Totals.Tax,
		Total:    subtotal + order.Totals.Shipping + order.Totals.Tax,
	}
}

func (e *pricingEngine) basePrice(ctx context.Context, item LineItem) (int64, error) {
	ref := strings.TrimSpace(item.ProductRef)
	if ref == "" || ref == ProductRefCustom {
		// Fully custom pieces have no catalog backing; their price comes from
		// the payload tiers alone.
		return 0, nil
	}
	price, err := e.catalog(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("%w: product %s: %v", ErrPricingCatalogUnavailable, ref, err)
	}
	if price < 0 {
		return 0, fmt.Errorf("%w: product %s base price cannot be negative", ErrPricingInvalidInput, ref)
	}
	return price, nil
}

func sumOptionPrices(itemID string, options []StyleOption) (int64, error) {
	var sum int64
	for _, opt := range options {
		if opt.Price < 0 {
			return 0, fmt.Errorf("%w: item %s option %q price cannot be negative", ErrPricingInvalidInput, itemID, opt.Name)
		}
		var err error
		if sum, err = addMoney(sum, opt.Price); err != nil {
			return 0, fmt.Errorf("%w: item %s options overflow", ErrPricingInvalidInput, itemID)
		}
	}
	return sum, nil
}

// materialCost bills area x wasteFactor square inches at the unit cost,
// rounded half up to the nearest minor unit.
func materialCost(area float64, rate MaterialRate) int64 {
	if area <= 0 || rate.UnitCost <= 0 {
		return 0
	}
	waste := rate.WasteFactor
	if waste <= 0 {
		waste = 1.0
	}
	return int64(math.Round(area * waste * float64(rate.UnitCost)))
}

func addMoney(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, errors.New("int64 overflow")
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, errors.New("int64 overflow")
	}
	return a + b, nil
}

// proportionalShare allocates amount x part / whole with half-up rounding.
// The refund calculator uses it to prorate tax across selected items.
func proportionalShare(amount, part, whole int64) int64 {
	if amount <= 0 || part <= 0 || whole <= 0 {
		return 0
	}
	if part >= whole {
		return amount
	}
	if amount > math.MaxInt64/part {
		// Float fallback for amounts large enough to overflow the integer
		// product; the error stays far below one minor unit in practice.
		return int64(math.Round(float64(amount) * float64(part) / float64(whole)))
	}
	return (amount*part + whole/2) / whole
}
