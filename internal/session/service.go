package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"audit-platform/internal/credits"
	"audit-platform/internal/eventlog"
	"audit-platform/internal/pricing"
	"audit-platform/internal/reporting"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
)

// Service owns the audit session lifecycle.
//
// Ordering invariant: credits are reserved BEFORE the session row is
// inserted, so a rejected submission leaves no trace. The deduction is
// committed exactly once at finalize, and only for completed sessions.
type Service struct {
	store   Store
	credits *credits.Service
	pricing *pricing.Service
	events  *eventlog.Service
	retrier *credits.CommitRetrier
	log     *slog.Logger
	clock   func() time.Time

	maxInputBytes int
}

func NewService(store Store, cr *credits.Service, pr *pricing.Service, ev *eventlog.Service, retrier *credits.CommitRetrier, log *slog.Logger, maxInputBytes int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxInputBytes <= 0 {
		maxInputBytes = 512 * 1024
	}
	return &Service{
		store:         store,
		credits:       cr,
		pricing:       pr,
		events:        ev,
		retrier:       retrier,
		log:           log,
		clock:         time.Now,
		maxInputBytes: maxInputBytes,
	}
}

type CreateRequest struct {
	// OwnerID is empty for anonymous (API key / MCP) submissions.
	OwnerID string

	// BillingUserID is the ledger account to reserve against. Required.
	BillingUserID string

	Code     string
	Language string

	// ClientIP is captured for the event log only.
	ClientIP string
}

// Create validates the submission, reserves the estimate, and inserts
// the pending session row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (AuditSession, error) {
	if strings.TrimSpace(req.Code) == "" {
		return AuditSession{}, fmt.Errorf("%w: empty contract code", ErrInvalidInput)
	}
	if len(req.Code) > s.maxInputBytes {
		return AuditSession{}, fmt.Errorf("%w: contract exceeds %d bytes", ErrInvalidInput, s.maxInputBytes)
	}
	lang, ok := ParseLanguage(req.Language)
	if !ok {
		return AuditSession{}, fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, req.Language)
	}
	if req.BillingUserID == "" {
		return AuditSession{}, fmt.Errorf("%w: missing billing account", ErrInvalidInput)
	}

	now := s.clock().UTC()
	est, err := s.pricing.EstimateCost(ctx, pricing.EstimateRequest{
		Language:  string(lang),
		SizeBytes: len(req.Code),
		At:        now,
	})
	if err != nil {
		return AuditSession{}, fmt.Errorf("estimate cost: %w", err)
	}

	// Reserve first: an unaffordable submission must leave no session row.
	if _, err := s.credits.Reserve(ctx, req.BillingUserID, est.TotalCredits); err != nil {
		return AuditSession{}, err
	}

	sess := AuditSession{
		ID:            uuid.NewString(),
		OwnerID:       req.OwnerID,
		BillingUserID: req.BillingUserID,
		InputCode:     req.Code,
		Language:      lang,
		Status:        StatusPending,
		CostEstimate:  est.TotalCredits,
		Visibility:    VisibilityPrivate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return AuditSession{}, fmt.Errorf("insert session: %w", err)
	}

	if s.events != nil {
		meta, _ := json.Marshal(map[string]any{"estimate": est.TotalCredits, "language": lang, "size_bytes": len(req.Code)})
		if err := s.events.LogSessionCreated(ctx, sess.ID, req.OwnerID, req.ClientIP, string(meta)); err != nil {
			s.log.WarnContext(ctx, "event log write failed", "session_id", sess.ID, "error", err)
		}
	}
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id string) (AuditSession, error) {
	if id == "" {
		return AuditSession{}, ErrInvalidInput
	}
	return s.store.Get(ctx, id)
}

// TransitionToAnalyzing attempts the pending -> analyzing claim.
// Exactly one concurrent caller wins; losers get the current row back.
func (s *Service) TransitionToAnalyzing(ctx context.Context, id string) (bool, AuditSession, error) {
	won, err := s.store.ClaimAnalyzing(ctx, id, s.clock().UTC())
	if err != nil {
		return false, AuditSession{}, err
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false, AuditSession{}, err
	}
	return won, sess, nil
}

// AppendChunk adds engine output to the report. Late chunks arriving
// after the session left analyzing are dropped with a warning; the
// stored report is frozen at terminal.
func (s *Service) AppendChunk(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	ok, err := s.store.AppendReport(ctx, id, chunk, s.clock().UTC())
	if err != nil {
		return err
	}
	if !ok {
		s.log.WarnContext(ctx, "chunk dropped after terminal state", "session_id", id, "bytes", len(chunk))
	}
	return nil
}

// Outcome describes how a session ended.
type Outcome struct {
	Status      Status // StatusCompleted or StatusFailed
	ErrorReason string

	// EngineReportedCost, when > 0 on completion, can lower the charge.
	// The reserved estimate stays the hard ceiling.
	EngineReportedCost int64
}

// Finalize moves the session to a terminal status exactly once. The
// winner derives the vulnerability summary and, on completion, commits
// the deduction. Failed sessions are never charged.
func (s *Service) Finalize(ctx context.Context, id string, outcome Outcome) (AuditSession, bool, error) {
	if outcome.Status != StatusCompleted && outcome.Status != StatusFailed {
		return AuditSession{}, false, ErrInvalidInput
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return AuditSession{}, false, err
	}
	if current.Status.IsTerminal() {
		return current, false, nil
	}

	now := s.clock().UTC()
	upd := FinalizeUpdate{
		Status:      outcome.Status,
		ErrorReason: outcome.ErrorReason,
		CompletedAt: now,
	}

	if outcome.Status == StatusCompleted {
		sum := reporting.Summarize(current.Report)
		if raw, err := json.Marshal(sum); err == nil {
			upd.SummaryJSON = string(raw)
		}
		upd.Score = sum.SecurityScore

		charge := current.CostEstimate
		if outcome.EngineReportedCost > 0 && outcome.EngineReportedCost < charge {
			charge = outcome.EngineReportedCost
		}
		upd.CostActual = &charge
	}

	final, won, err := s.store.Finalize(ctx, id, upd)
	if err != nil {
		return AuditSession{}, false, err
	}
	if !won {
		return final, false, nil
	}

	if s.events != nil {
		if err := s.events.LogSessionFinalized(ctx, id, string(outcome.Status), outcome.ErrorReason); err != nil {
			s.log.WarnContext(ctx, "event log write failed", "session_id", id, "error", err)
		}
	}

	if outcome.Status == StatusCompleted && final.CostActual != nil {
		s.commitCharge(ctx, final, *final.CostActual)
	}
	return final, true, nil
}

func (s *Service) commitCharge(ctx context.Context, sess AuditSession, amount int64) {
	entry, err := s.credits.Commit(ctx, sess.BillingUserID, sess.ID, amount, "audit_session")
	if err != nil {
		s.log.ErrorContext(ctx, "credit commit failed, queueing retry",
			"session_id", sess.ID, "user_id", sess.BillingUserID, "amount", amount, "error", err)
		if s.retrier != nil {
			s.retrier.Enqueue(sess.BillingUserID, sess.ID, amount, "audit_session")
		}
		if s.events != nil {
			_ = s.events.LogCommitRetry(ctx, sess.ID, err.Error())
		}
		return
	}
	if s.events != nil {
		if err := s.events.LogCreditsCommitted(ctx, sess.ID, entry.ID); err != nil {
			s.log.WarnContext(ctx, "event log write failed", "session_id", sess.ID, "error", err)
		}
	}
}

// Cancel finalizes as failed with the platform cancel reason. Cancelling
// an already-terminal session is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (AuditSession, bool, error) {
	return s.Finalize(ctx, id, Outcome{Status: StatusFailed, ErrorReason: FailReasonCancelled})
}

// SetVisibility updates sharing metadata. Owner only; anonymous sessions
// have no owner and cannot be shared.
func (s *Service) SetVisibility(ctx context.Context, id, actorID string, admin bool, vis Visibility, title, description string, tags []string) (AuditSession, error) {
	if vis != VisibilityPrivate && vis != VisibilityPublic {
		return AuditSession{}, fmt.Errorf("%w: bad visibility %q", ErrInvalidInput, vis)
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return AuditSession{}, err
	}
	if !admin {
		if sess.OwnerID == "" || sess.OwnerID != actorID {
			return AuditSession{}, ErrForbidden
		}
	}
	if len(tags) > 10 {
		tags = tags[:10]
	}
	return s.store.UpdateVisibility(ctx, id, vis, strings.TrimSpace(title), strings.TrimSpace(description), tags, s.clock().UTC())
}

// GetPublic returns a session only when it is shared and finished.
func (s *Service) GetPublic(ctx context.Context, id string) (AuditSession, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return AuditSession{}, err
	}
	if sess.Visibility != VisibilityPublic || sess.Status != StatusCompleted {
		return AuditSession{}, ErrNotFound
	}
	return sess, nil
}

// ListPublic lists shared completed sessions, newest first.
func (s *Service) ListPublic(ctx context.Context, limit int) ([]AuditSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListPublic(ctx, limit)
}

// ListByOwner lists the caller's own sessions.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]AuditSession, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// AccessibleBy reports whether an actor may read this session.
// Anonymous sessions are capability-addressed: knowing the id grants read.
func (a AuditSession) AccessibleBy(actorID string, admin bool) bool {
	if admin {
		return true
	}
	if a.OwnerID == "" {
		return true
	}
	return a.OwnerID == actorID
}
