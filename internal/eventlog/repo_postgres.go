package eventlog

import (
	"context"
	"database/sql"
)

// PostgresRepo appends events to the platform_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO platform_events (
  id, type, actor_user_id, actor_role, ip_address, session_id, ledger_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.SessionID,
		e.LedgerID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
