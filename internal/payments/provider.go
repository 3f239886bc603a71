package payments

import (
	"context"
	"time"
)

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name        string
	Description string
	Quantity    int64
	Amount      int64
	Currency    string
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
// Metadata must carry the order ID so webhook events can be routed back.
type CheckoutSessionRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession represents the PSP session returned to the client.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// RefundIssueRequest asks the PSP to return funds on a captured payment.
type RefundIssueRequest struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	IssueRefund(ctx context.Context, req RefundIssueRequest) error
}
