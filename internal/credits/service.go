package credits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

// Store abstracts ledger persistence so the service can run against
// Postgres in production and the in-memory store in tests.
//
// Atomicity contract: AppendEntry must apply the ledger insert and the
// projection update as one atomic step, and must return the already
// existing entry (ok=false for inserted, ok=true for duplicate) when
// the entry's uniqueness key is already present:
// - deductions are unique per (user_id, session_id)
// - purchases are unique per (user_id, external_ref) when the ref is set
type Store interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
	AppendEntry(ctx context.Context, e LedgerEntry) (applied LedgerEntry, duplicate bool, err error)
	ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
}

// Service provides credit operations for the audit pipeline.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - At most one deduction per audit session, no matter how many times
//   Commit is called for it
type Service struct {
	store Store
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, clock: time.Now}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return s.store.GetBalance(ctx, userID)
}

// Reserve verifies the user can afford the estimate. It writes nothing:
// a failed analysis must leave the balance untouched, so the actual
// deduction only happens at Commit.
func (s *Service) Reserve(ctx context.Context, userID string, estimate int64) (Reservation, error) {
	if userID == "" || estimate <= 0 {
		return Reservation{}, ErrInvalidArgument
	}
	b, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// No projection row means no credits were ever granted.
			return Reservation{}, ErrInsufficientCredits
		}
		return Reservation{}, err
	}
	if b.Credits < estimate {
		return Reservation{}, ErrInsufficientCredits
	}
	return Reservation{UserID: userID, Estimate: estimate, MadeAt: s.clock().UTC()}, nil
}

// Commit records the single deduction for a finished session. Calling it
// again for the same session returns the original entry unchanged.
//
// Commit never fails on balance: the analysis has already been delivered,
// so the deduction is recorded even if concurrent sessions drained the
// balance past zero in the meantime.
func (s *Service) Commit(ctx context.Context, userID, sessionID string, amount int64, reason string) (LedgerEntry, error) {
	if userID == "" || sessionID == "" || amount <= 0 {
		return LedgerEntry{}, ErrInvalidArgument
	}
	if reason == "" {
		reason = "audit_session"
	}

	entry := LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      EntryTypeDeduction,
		Amount:    -amount,
		Reason:    reason,
		SessionID: sessionID,
		CreatedAt: s.clock().UTC(),
	}
	applied, duplicate, err := s.store.AppendEntry(ctx, entry)
	if err != nil {
		return LedgerEntry{}, err
	}
	if duplicate {
		s.log.InfoContext(ctx, "duplicate credit commit ignored",
			"user_id", userID, "session_id", sessionID, "ledger_id", applied.ID)
	}
	return applied, nil
}

// Credit appends a positive entry (purchase, bonus, refund, initial).
// Purchases carry the provider reference as externalRef; a repeated
// webhook delivery with the same ref returns the original entry.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, typ EntryType, reason, externalRef, metadata string) (LedgerEntry, error) {
	if userID == "" || amount <= 0 {
		return LedgerEntry{}, ErrInvalidArgument
	}
	switch typ {
	case EntryTypePurchase, EntryTypeBonus, EntryTypeRefund, EntryTypeInitial:
	default:
		return LedgerEntry{}, ErrInvalidArgument
	}
	if typ == EntryTypePurchase && externalRef == "" {
		return LedgerEntry{}, ErrInvalidArgument
	}

	entry := LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Reason:      reason,
		ExternalRef: externalRef,
		Metadata:    metadata,
		CreatedAt:   s.clock().UTC(),
	}
	applied, duplicate, err := s.store.AppendEntry(ctx, entry)
	if err != nil {
		return LedgerEntry{}, err
	}
	if duplicate {
		s.log.InfoContext(ctx, "duplicate credit grant ignored",
			"user_id", userID, "external_ref", externalRef, "ledger_id", applied.ID)
	}
	return applied, nil
}

// ListLedger returns the user's most recent entries, newest first.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEntries(ctx, userID, limit)
}

// VerifyLedger recomputes the ledger sum and compares it with the cached
// projection. A mismatch is reported, never silently corrected; fixing it
// requires an explicit refund/bonus entry by an operator.
func (s *Service) VerifyLedger(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	sum, err := s.store.SumEntries(ctx, userID)
	if err != nil {
		return err
	}
	b, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) && sum == 0 {
			return nil
		}
		return err
	}
	if b.Credits != sum {
		s.log.ErrorContext(ctx, "credit ledger mismatch",
			"user_id", userID, "projection", b.Credits, "ledger_sum", sum)
		return ErrLedgerInconsistency
	}
	return nil
}
