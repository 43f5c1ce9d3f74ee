package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for internal events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal lifecycle and billing events.
//
// IMPORTANT:
// - The event log is internal-only. Do not expose these records to users.
// - Callers should treat event logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("eventlog: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("eventlog: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogSessionCreated records a new audit session and its reserved estimate.
func (s *Service) LogSessionCreated(ctx context.Context, sessionID, actorUserID, ip string, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeSessionCreated,
		ActorUserID: actorUserID,
		IPAddress:   ip,
		SessionID:   sessionID,
		Message:     "audit session created",
		Metadata:    metadata,
	})
}

// LogSessionFinalized records a terminal transition with its outcome.
func (s *Service) LogSessionFinalized(ctx context.Context, sessionID, outcome, reason string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeSessionFinalized,
		SessionID: sessionID,
		Message:   "session finalized: " + outcome,
		Metadata:  reason,
	})
}

// LogCreditsCommitted records the deduction posted for a session.
func (s *Service) LogCreditsCommitted(ctx context.Context, sessionID, ledgerID string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCreditsCommitted,
		SessionID: sessionID,
		LedgerID:  ledgerID,
		Message:   "credits committed",
	})
}

// LogCommitRetry records a deduction that failed and was queued for retry.
func (s *Service) LogCommitRetry(ctx context.Context, sessionID string, errMsg string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCommitRetry,
		SessionID: sessionID,
		Message:   "credit commit queued for retry",
		Metadata:  errMsg,
	})
}

// LogPaymentCaptured records a confirmed top-up from the payment provider.
func (s *Service) LogPaymentCaptured(ctx context.Context, userID, ledgerID, providerRef string) error {
	return s.Append(ctx, Event{
		Type:        EventTypePaymentCaptured,
		ActorUserID: userID,
		LedgerID:    ledgerID,
		Message:     "payment captured",
		Metadata:    providerRef,
	})
}
