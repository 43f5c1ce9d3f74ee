package payments

import (
	"context"
	"time"
)

// Gateway defines the provider-agnostic payment interface.
//
// Rules:
// - No provider SDK calls outside payment adapters.
// - Credits are granted ONLY from the capture webhook, never from
//   CreateOrder: an order is an intent, not money.
type Gateway interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
}

type CreateOrderRequest struct {
	UserID string `json:"user_id"`

	// Credits is the number of credits being purchased.
	Credits int64 `json:"credits"`

	// AmountMinor is the price in minor currency units.
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`

	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty"`
}

type Order struct {
	UserID string `json:"user_id"`

	// ProviderOrderID is the provider's unique reference; the capture
	// webhook echoes it back and it keys ledger idempotency.
	ProviderOrderID string `json:"provider_order_id"`

	Credits     int64  `json:"credits"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`

	// CheckoutURL is where the user completes payment.
	CheckoutURL string `json:"checkout_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CaptureNotice is the provider's confirmation that money arrived.
type CaptureNotice struct {
	UserID          string `json:"user_id"`
	ProviderOrderID string `json:"provider_order_id"`
	Credits         int64  `json:"credits"`

	// OccurredAt is the provider event time.
	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging; store as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}
