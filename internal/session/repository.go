package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists audit sessions.
//
// Assumed schema: table audit_sessions with the columns scanned below;
// tags is JSONB, cost_actual and completed_at are nullable.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `
id, owner_id, billing_user_id, input_code, language, status, cost_estimate, cost_actual,
report, error_reason, visibility, title, description, tags, summary_json, security_score,
created_at, updated_at, completed_at
`

func (p *PostgresStore) Insert(ctx context.Context, s AuditSession) error {
	const q = `
INSERT INTO audit_sessions (` + sessionColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
`
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, q,
		s.ID,
		s.OwnerID,
		s.BillingUserID,
		s.InputCode,
		s.Language,
		s.Status,
		s.CostEstimate,
		s.CostActual,
		s.Report,
		s.ErrorReason,
		s.Visibility,
		s.Title,
		s.Description,
		tags,
		s.SummaryJSON,
		s.SecurityScore,
		s.CreatedAt,
		s.UpdatedAt,
		s.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (AuditSession, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM audit_sessions
WHERE id = $1
`
	return scanSession(p.db.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) ClaimAnalyzing(ctx context.Context, id string, at time.Time) (bool, error) {
	// CAS: only the pending row moves; a lost race affects zero rows.
	const q = `
UPDATE audit_sessions
SET status = 'analyzing', updated_at = $2
WHERE id = $1 AND status = 'pending'
`
	res, err := p.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) AppendReport(ctx context.Context, id string, chunk string, at time.Time) (bool, error) {
	// Guarded append: a terminal row never changes.
	const q = `
UPDATE audit_sessions
SET report = report || $2, updated_at = $3
WHERE id = $1 AND status = 'analyzing'
`
	res, err := p.db.ExecContext(ctx, q, id, chunk, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, id string, upd FinalizeUpdate) (AuditSession, bool, error) {
	const q = `
UPDATE audit_sessions
SET status = $2, error_reason = $3, cost_actual = $4, summary_json = $5,
    security_score = $6, completed_at = $7, updated_at = $7
WHERE id = $1 AND status IN ('pending', 'analyzing')
`
	res, err := p.db.ExecContext(ctx, q, id, upd.Status, upd.ErrorReason, upd.CostActual, upd.SummaryJSON, upd.Score, upd.CompletedAt)
	if err != nil {
		return AuditSession{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuditSession{}, false, err
	}
	sess, err := p.Get(ctx, id)
	if err != nil {
		return AuditSession{}, false, err
	}
	return sess, n > 0, nil
}

func (p *PostgresStore) UpdateVisibility(ctx context.Context, id string, vis Visibility, title, description string, tags []string, at time.Time) (AuditSession, error) {
	const q = `
UPDATE audit_sessions
SET visibility = $2, title = $3, description = $4, tags = $5, updated_at = $6
WHERE id = $1
`
	raw, err := json.Marshal(tags)
	if err != nil {
		return AuditSession{}, err
	}
	res, err := p.db.ExecContext(ctx, q, id, vis, title, description, raw, at)
	if err != nil {
		return AuditSession{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuditSession{}, err
	}
	if n == 0 {
		return AuditSession{}, ErrNotFound
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]AuditSession, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM audit_sessions
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	return p.list(ctx, q, ownerID, limit)
}

func (p *PostgresStore) ListPublic(ctx context.Context, limit int) ([]AuditSession, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM audit_sessions
WHERE visibility = 'public' AND status = 'completed'
ORDER BY completed_at DESC
LIMIT $1
`
	return p.list(ctx, q, limit)
}

func (p *PostgresStore) list(ctx context.Context, q string, args ...any) ([]AuditSession, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (AuditSession, error) {
	var s AuditSession
	var tags []byte
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.BillingUserID,
		&s.InputCode,
		&s.Language,
		&s.Status,
		&s.CostEstimate,
		&s.CostActual,
		&s.Report,
		&s.ErrorReason,
		&s.Visibility,
		&s.Title,
		&s.Description,
		&tags,
		&s.SummaryJSON,
		&s.SecurityScore,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuditSession{}, ErrNotFound
		}
		return AuditSession{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &s.Tags); err != nil {
			return AuditSession{}, err
		}
	}
	return s, nil
}
