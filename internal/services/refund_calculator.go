package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrRefundInvalidInput signals a malformed refund request shape.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundUnknownItem signals a selected line-item ID that is not on the order.
	ErrRefundUnknownItem = errors.New("refund: unknown line item")
	// ErrRefundAlreadyRequested signals an unresolved refund request already exists.
	ErrRefundAlreadyRequested = errors.New("refund: unresolved request exists")
)

// RefundCalculatorDeps bundles collaborators for the refund calculator.
type RefundCalculatorDeps struct {
	// Pricing recomputes the authoritative order subtotal from item snapshots.
	Pricing PricingEngine
}

type refundCalculator struct {
	pricing PricingEngine
}

// NewRefundCalculator wires dependencies into a concrete RefundCalculator.
func NewRefundCalculator(deps RefundCalculatorDeps) (RefundCalculator, error) {
	if deps.Pricing == nil {
		return nil, errors.New("refund calculator: pricing engine is required")
	}
	return &refundCalculator{pricing: deps.Pricing}, nil
}

// Calculate quotes a refund against the order's recomputed totals.
//
// Full refunds return items + tax + shipping. Partial refunds return the
// selected items' line totals plus a proportional, half-up-rounded share of
// the order tax; shipping is never prorated. A selection covering every line
// item must be requested as a full refund instead.
func (c *refundCalculator) Calculate(order Order, refundType RefundType, lineItemIDs []string) (RefundQuote, error) {
	for _, req := range order.Refunds {
		if !req.Status.IsResolved() {
			return RefundQuote{}, fmt.Errorf("%w: request %s is still open", ErrRefundAlreadyRequested, req.ID)
		}
	}

	totals := c.pricing.OrderTotals(order)

	switch refundType {
	case RefundTypeFull:
		if len(lineItemIDs) != 0 {
			return RefundQuote{}, fmt.Errorf("%w: full refunds take no item selection", ErrRefundInvalidInput)
		}
		return c.full(order, totals)

	case RefundTypePartial:
		return c.partial(order, totals, lineItemIDs)

	default:
		return RefundQuote{}, fmt.Errorf("%w: unknown refund type %q", ErrRefundInvalidInput, refundType)
	}
}

// full quotes whatever the order still owes after earlier granted refunds, so
// cumulative refunds never exceed items + tax + shipping.
func (c *refundCalculator) full(order Order, totals OrderTotals) (RefundQuote, error) {
	prevItems := refundedItemsTotal(order)
	prevTax := order.RefundedAmount - prevItems

	items := totals.Subtotal - prevItems
	tax := totals.Tax - prevTax
	amount := items + tax + totals.Shipping
	if amount <= 0 {
		return RefundQuote{}, fmt.Errorf("%w: nothing left to refund", ErrRefundInvalidInput)
	}

	return RefundQuote{
		Type:     RefundTypeFull,
		Items:    items,
		Tax:      tax,
		Shipping: totals.Shipping,
		Amount:   amount,
	}, nil
}

func (c *refundCalculator) partial(order Order, totals OrderTotals, lineItemIDs []string) (RefundQuote, error) {
	if len(lineItemIDs) == 0 {
		return RefundQuote{}, fmt.Errorf("%w: partial refunds require at least one line item", ErrRefundInvalidInput)
	}

	refunded := refundedItemSet(order)

	selected := make(map[string]bool, len(lineItemIDs))
	for _, raw := range lineItemIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return RefundQuote{}, fmt.Errorf("%w: empty line item id", ErrRefundInvalidInput)
		}
		if selected[id] {
			return RefundQuote{}, fmt.Errorf("%w: line item %s selected twice", ErrRefundInvalidInput, id)
		}
		if refunded[id] {
			return RefundQuote{}, fmt.Errorf("%w: line item %s was already refunded", ErrRefundInvalidInput, id)
		}
		selected[id] = true
	}

	var itemsTotal int64
	matched := 0
	for _, item := range order.Items {
		if !selected[item.ID] {
			continue
		}
		matched++
		if item.Pricing == nil {
			return RefundQuote{}, fmt.Errorf("%w: line item %s has no pricing snapshot", ErrRefundInvalidInput, item.ID)
		}
		itemsTotal += item.Pricing.Total * int64(item.Quantity)
	}
	if matched != len(selected) {
		for id := range selected {
			if !orderHasItem(order, id) {
				return RefundQuote{}, fmt.Errorf("%w: %s", ErrRefundUnknownItem, id)
			}
		}
	}
	if matched == len(order.Items) {
		return RefundQuote{}, fmt.Errorf("%w: selection covers every item; request a full refund", ErrRefundInvalidInput)
	}

	tax := proportionalShare(totals.Tax, itemsTotal, totals.Subtotal)

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return RefundQuote{
		Type:        RefundTypePartial,
		LineItemIDs: ids,
		Items:       itemsTotal,
		Tax:         tax,
		Amount:      itemsTotal + tax,
	}, nil
}

// refundedItemSet collects line items covered by granted refund requests.
func refundedItemSet(order Order) map[string]bool {
	refunded := map[string]bool{}
	for _, req := range order.Refunds {
		if !req.Status.IsGranted() {
			continue
		}
		for _, id := range req.LineItemIDs {
			refunded[id] = true
		}
	}
	return refunded
}

// refundedItemsTotal sums the line totals already returned through granted
// partial refunds. The order's RefundedAmount minus this is the tax portion.
func refundedItemsTotal(order Order) int64 {
	refunded := refundedItemSet(order)
	var total int64
	for _, item := range order.Items {
		if refunded[item.ID] && item.Pricing != nil {
			total += item.Pricing.Total * int64(item.Quantity)
		}
	}
	return total
}

func orderHasItem(order Order, lineItemID string) bool {
	for _, item := range order.Items {
		if item.ID == lineItemID {
			return true
		}
	}
	return false
}
