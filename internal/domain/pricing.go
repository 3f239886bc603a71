package domain

// PricingBreakdown is the per-line-item price snapshot in minor currency
// units. Persisted at submission time; later reads treat it as authoritative.
type PricingBreakdown struct {
	BaseProduct int64
	Embroidery  int64
	Options     int64
	Total       int64
	// Source records which resolution tier produced the breakdown.
	Source PricingSource
}

// PricingSource records which resolution path produced a breakdown.
type PricingSource string

const (
	// PricingSourceSnapshot means a persisted breakdown was reused as-is.
	PricingSourceSnapshot PricingSource = "snapshot"
	// PricingSourceOverride means an explicit payload total was honoured.
	PricingSourceOverride PricingSource = "override"
	// PricingSourceDesigns means per-design components were summed.
	PricingSourceDesigns PricingSource = "designs"
	// PricingSourceLegacy means a legacy single style set was priced.
	PricingSourceLegacy PricingSource = "legacy"
	// PricingSourceCatalog means only the catalog base price applied.
	PricingSourceCatalog PricingSource = "catalog"
)

// MaterialRate prices one material per square inch of stitched area.
type MaterialRate struct {
	// UnitCost is the cost per square inch in minor currency units.
	UnitCost int64
	// WasteFactor scales the billed area to cover offcuts. 1.0 means no waste.
	WasteFactor float64
}

// MaterialRateTable is the full set of material rates the cost calculator
// consumes. Always passed in explicitly, sourced from configuration.
type MaterialRateTable struct {
	Fabric             MaterialRate
	PatchAttach        MaterialRate
	Thread             MaterialRate
	Bobbin             MaterialRate
	CutAwayStabilizer  MaterialRate
	WashAwayStabilizer MaterialRate
}

// MaterialCostBreakdown itemises the production material cost of one design.
type MaterialCostBreakdown struct {
	Fabric             int64
	PatchAttach        int64
	Thread             int64
	Bobbin             int64
	CutAwayStabilizer  int64
	WashAwayStabilizer int64
	Total              int64
}

// RefundQuote is the computed outcome of a refund request before it is
// recorded on the order.
type RefundQuote struct {
	Type        RefundType
	LineItemIDs []string
	Items       int64
	Tax         int64
	Shipping    int64
	Amount      int64
}
