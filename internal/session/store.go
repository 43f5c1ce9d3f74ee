package session

import (
	"context"
	"time"
)

// FinalizeUpdate carries everything a terminal transition writes in one step.
type FinalizeUpdate struct {
	Status      Status
	ErrorReason string
	CostActual  *int64
	SummaryJSON string
	Score       int
	CompletedAt time.Time
}

// Store is the persistence contract for audit sessions.
//
// CAS contract: ClaimAnalyzing and Finalize are compare-and-set on the
// status column. They return won=false without touching the row when the
// status already moved, which is how concurrent starters and finalizers
// are reduced to exactly one winner even across processes.
type Store interface {
	Insert(ctx context.Context, s AuditSession) error
	Get(ctx context.Context, id string) (AuditSession, error)

	// ClaimAnalyzing flips pending -> analyzing.
	ClaimAnalyzing(ctx context.Context, id string, at time.Time) (won bool, err error)

	// AppendReport appends a chunk to the report, only while analyzing.
	// Returns false when the session already left analyzing.
	AppendReport(ctx context.Context, id string, chunk string, at time.Time) (bool, error)

	// Finalize flips analyzing (or pending, for early cancels) to a
	// terminal status and writes the outcome fields.
	Finalize(ctx context.Context, id string, upd FinalizeUpdate) (AuditSession, bool, error)

	UpdateVisibility(ctx context.Context, id string, vis Visibility, title, description string, tags []string, at time.Time) (AuditSession, error)

	ListByOwner(ctx context.Context, ownerID string, limit int) ([]AuditSession, error)

	// ListPublic returns completed public sessions, newest first.
	ListPublic(ctx context.Context, limit int) ([]AuditSession, error)
}
