package credits

import "time"

// LedgerEntry is an immutable append-only record of a credit balance change.
//
// Money invariants:
// - Any balance change MUST have a corresponding ledger entry.
// - The ledger is append-only; entries are never updated or deleted.
// - The cached balance is a projection and must always equal the ledger sum.
type LedgerEntry struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Type categorizes the ledger entry. Keep stable.
	Type EntryType `json:"type" db:"type"`

	// Amount is signed: purchases/bonuses/refunds are positive,
	// deductions are negative.
	Amount int64 `json:"amount" db:"amount"`

	// Reason is a short human-readable cause ("audit_session", "purchase", ...).
	Reason string `json:"reason" db:"reason"`

	// SessionID links a deduction to the audit session it paid for.
	// Exactly one deduction may exist per session; the storage layer
	// enforces this with a partial unique index.
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// ExternalRef is optional: payment provider reference, promo code, etc.
	// Used for webhook idempotency on purchases.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// BalanceAfter snapshots the projection right after this entry applied.
	BalanceAfter int64 `json:"balance_after" db:"balance_after"`

	// Metadata is optional JSON for audit/debug (store as JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	EntryTypeDeduction EntryType = "deduction" // audit session charge
	EntryTypePurchase  EntryType = "purchase"  // paid top-up
	EntryTypeBonus     EntryType = "bonus"     // promotional grant
	EntryTypeRefund    EntryType = "refund"    // manual correction
	EntryTypeInitial   EntryType = "initial"   // signup grant
)

// Balance is the cached projection row for one user.
type Balance struct {
	UserID    string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation records that a session's estimated cost fit within the
// user's balance at creation time. It is a check, not a hold: no ledger
// entry is written and the balance is unchanged until Commit.
type Reservation struct {
	UserID   string    `json:"user_id"`
	Estimate int64     `json:"estimate"`
	MadeAt   time.Time `json:"made_at"`
}
