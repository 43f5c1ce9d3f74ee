package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"audit-platform/internal/credits"
	"audit-platform/internal/eventlog"
)

var ErrInvalidNotice = errors.New("invalid capture notice")

// Service turns confirmed captures into ledger credits.
//
// Idempotency: the provider order id becomes the ledger external_ref,
// so replayed webhook deliveries return the original entry and grant
// nothing twice.
type Service struct {
	gateway Gateway
	credits *credits.Service
	events  *eventlog.Service
	log     *slog.Logger
}

func NewService(gateway Gateway, cr *credits.Service, ev *eventlog.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{gateway: gateway, credits: cr, events: ev, log: log}
}

// CreateOrder starts a purchase at the provider. No credits move here.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if req.UserID == "" || req.Credits <= 0 || req.AmountMinor <= 0 || req.Currency == "" {
		return Order{}, ErrInvalidNotice
	}
	if s.gateway == nil {
		return Order{}, errors.New("payments: gateway not configured")
	}
	return s.gateway.CreateOrder(ctx, req)
}

// HandleCapture grants the purchased credits. Safe to call repeatedly
// for the same provider order.
func (s *Service) HandleCapture(ctx context.Context, n CaptureNotice) (credits.LedgerEntry, error) {
	if n.UserID == "" || n.ProviderOrderID == "" || n.Credits <= 0 {
		return credits.LedgerEntry{}, ErrInvalidNotice
	}

	entry, err := s.credits.Credit(ctx, n.UserID, n.Credits, credits.EntryTypePurchase, "purchase", n.ProviderOrderID, n.RawPayload)
	if err != nil {
		return credits.LedgerEntry{}, fmt.Errorf("grant purchase: %w", err)
	}

	if s.events != nil {
		if err := s.events.LogPaymentCaptured(ctx, n.UserID, entry.ID, n.ProviderOrderID); err != nil {
			s.log.WarnContext(ctx, "event log write failed", "provider_order_id", n.ProviderOrderID, "error", err)
		}
	}
	return entry, nil
}
