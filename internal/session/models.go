package session

import "time"

// AuditSession represents one analysis run over a submitted contract.
//
// Lifecycle invariant: pending -> analyzing -> {completed, failed}.
// Terminal states are absorbing; no field of a terminal session changes
// except visibility metadata.
//
// Money invariant reminder: the deduction for a session references the
// session id in the credit ledger (session_id) rather than mutating any
// money fields here. CostEstimate is fixed at create; CostActual is set
// once at finalize and never exceeds the estimate.
type AuditSession struct {
	ID string `json:"id" db:"id"`

	// OwnerID is empty for anonymous submissions (MCP / API-key callers).
	// Billing for those lands on the configured service account instead.
	OwnerID string `json:"owner_id,omitempty" db:"owner_id"`

	// BillingUserID is the ledger account charged for this session.
	// Equals OwnerID for signed-in users.
	BillingUserID string `json:"billing_user_id" db:"billing_user_id"`

	InputCode string   `json:"input_code" db:"input_code"`
	Language  Language `json:"language" db:"language"`

	Status Status `json:"status" db:"status"`

	// CostEstimate is the amount reserved at create time, in credits.
	CostEstimate int64 `json:"cost_estimate" db:"cost_estimate"`

	// CostActual is the committed deduction. Nil until finalize; nil
	// forever on failed sessions (failures are never charged).
	CostActual *int64 `json:"cost_actual,omitempty" db:"cost_actual"`

	// Report accumulates engine output in arrival order. Append-only
	// while analyzing, frozen at terminal.
	Report string `json:"report" db:"report"`

	// ErrorReason is set on failed sessions ("timeout", "cancelled",
	// or an engine error string).
	ErrorReason string `json:"error_reason,omitempty" db:"error_reason"`

	Visibility Visibility `json:"visibility" db:"visibility"`

	// Sharing metadata, mutable post-hoc by the owner.
	Title       string   `json:"title,omitempty" db:"title"`
	Description string   `json:"description,omitempty" db:"description"`
	Tags        []string `json:"tags,omitempty" db:"tags"`

	// SummaryJSON holds the derived vulnerability summary (display only).
	SummaryJSON   string `json:"summary_json,omitempty" db:"summary_json"`
	SecurityScore int    `json:"security_score" db:"security_score"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Language string

const (
	LanguageSolidity Language = "solidity"
	LanguageRust     Language = "rust"
	LanguageMove     Language = "move"
	LanguageCairo    Language = "cairo"
	LanguageVyper    Language = "vyper"
	LanguageYul      Language = "yul"
	LanguageUnknown  Language = "unknown"
)

// ParseLanguage normalizes a declared language. Empty means unknown;
// anything outside the enum is rejected rather than guessed.
func ParseLanguage(v string) (Language, bool) {
	switch Language(v) {
	case LanguageSolidity, LanguageRust, LanguageMove, LanguageCairo, LanguageVyper, LanguageYul, LanguageUnknown:
		return Language(v), true
	case "":
		return LanguageUnknown, true
	default:
		return "", false
	}
}

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// FailReasonTimeout and FailReasonCancelled are the two platform-issued
// failure reasons; everything else comes from the engine.
const (
	FailReasonTimeout   = "timeout"
	FailReasonCancelled = "cancelled"
)
