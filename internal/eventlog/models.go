package eventlog

import "time"

// Event is an immutable, append-only internal log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and ip capture are best-effort; never block the pipeline on
//   event logging failures.
//
// Storage recommendation (Postgres):
// - Table platform_events with an INSERT-only policy.
// - Optional: trigger to prevent UPDATE/DELETE.
// - Optional: partition by time for retention.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	LedgerID  string `json:"ledger_id,omitempty" db:"ledger_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSessionCreated   EventType = "session_created"
	EventTypeSessionFinalized EventType = "session_finalized"
	EventTypeCreditsCommitted EventType = "credits_committed"
	EventTypeCommitRetry      EventType = "commit_retry"
	EventTypePaymentCaptured  EventType = "payment_captured"
)
