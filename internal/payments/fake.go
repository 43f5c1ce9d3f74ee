package payments

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// FakeGateway is an in-memory gateway for tests and local development.
type FakeGateway struct {
	seq atomic.Int64

	// Err, when set, is returned from CreateOrder.
	Err error
}

func (f *FakeGateway) Name() string { return "fake" }

func (f *FakeGateway) HealthCheck(ctx context.Context) error { return nil }

func (f *FakeGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if f.Err != nil {
		return Order{}, f.Err
	}
	n := f.seq.Add(1)
	return Order{
		UserID:          req.UserID,
		ProviderOrderID: fmt.Sprintf("fake-order-%d", n),
		Credits:         req.Credits,
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		CheckoutURL:     fmt.Sprintf("https://pay.example.test/checkout/fake-order-%d", n),
		CreatedAt:       time.Now().UTC(),
	}, nil
}
