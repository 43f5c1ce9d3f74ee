package credits

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"audit-platform/pkg/utils"
)

// PostgresStore persists the ledger and the balance projection.
//
// Assumed schema:
// - credit_ledger (immutable append-only)
//   with partial unique indexes:
//     UNIQUE (user_id, session_id) WHERE type = 'deduction'
//     UNIQUE (user_id, external_ref) WHERE external_ref <> ''
// - credit_balances (projection, one row per user)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (Balance, error) {
	const q = `
SELECT user_id, credits, updated_at
FROM credit_balances
WHERE user_id = $1
`
	var b Balance
	if err := p.db.QueryRowContext(ctx, q, userID).Scan(
		&b.UserID,
		&b.Credits,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, bool, error) {
	var out LedgerEntry
	var duplicate bool

	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Serialize concurrent money operations per user.
		if err := lockBalanceRow(ctx, tx, e.UserID, e.CreatedAt); err != nil {
			return err
		}

		// Idempotency: return the already-posted entry if the uniqueness
		// key is present, leaving ledger and projection untouched.
		if existing, ok, err := findDuplicate(ctx, tx, e); err != nil {
			return err
		} else if ok {
			out = existing
			duplicate = true
			return nil
		}

		b, err := applyBalanceDelta(ctx, tx, e.UserID, e.Amount, e.CreatedAt)
		if err != nil {
			return err
		}
		e.BalanceAfter = b.Credits
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})

	return out, duplicate, err
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	const q = `
SELECT id, user_id, type, amount, reason, session_id, external_ref, balance_after, metadata, created_at
FROM credit_ledger
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := p.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Type,
			&e.Amount,
			&e.Reason,
			&e.SessionID,
			&e.ExternalRef,
			&e.BalanceAfter,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM credit_ledger
WHERE user_id = $1
`
	var sum int64
	if err := p.db.QueryRowContext(ctx, q, userID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func lockBalanceRow(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	// Upsert-then-lock so first-ever entries have a row to serialize on.
	const ins = `
INSERT INTO credit_balances (user_id, credits, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ins, userID, now); err != nil {
		return err
	}
	const lock = `
SELECT user_id FROM credit_balances WHERE user_id = $1 FOR UPDATE
`
	var id string
	return tx.QueryRowContext(ctx, lock, userID).Scan(&id)
}

func findDuplicate(ctx context.Context, tx *sql.Tx, e LedgerEntry) (LedgerEntry, bool, error) {
	var q string
	var args []any
	switch {
	case e.Type == EntryTypeDeduction:
		q = `
SELECT id, user_id, type, amount, reason, session_id, external_ref, balance_after, metadata, created_at
FROM credit_ledger
WHERE user_id = $1 AND session_id = $2 AND type = 'deduction'
LIMIT 1
`
		args = []any{e.UserID, e.SessionID}
	case e.ExternalRef != "":
		q = `
SELECT id, user_id, type, amount, reason, session_id, external_ref, balance_after, metadata, created_at
FROM credit_ledger
WHERE user_id = $1 AND external_ref = $2
LIMIT 1
`
		args = []any{e.UserID, e.ExternalRef}
	default:
		return LedgerEntry{}, false, nil
	}

	var existing LedgerEntry
	err := tx.QueryRowContext(ctx, q, args...).Scan(
		&existing.ID,
		&existing.UserID,
		&existing.Type,
		&existing.Amount,
		&existing.Reason,
		&existing.SessionID,
		&existing.ExternalRef,
		&existing.BalanceAfter,
		&existing.Metadata,
		&existing.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return existing, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO credit_ledger (
  id, user_id, type, amount, reason, session_id, external_ref, balance_after, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Type,
		e.Amount,
		e.Reason,
		e.SessionID,
		e.ExternalRef,
		e.BalanceAfter,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, userID string, delta int64, now time.Time) (Balance, error) {
	const q = `
UPDATE credit_balances
SET credits = credits + $2, updated_at = $3
WHERE user_id = $1
RETURNING user_id, credits, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, userID, delta, now).Scan(
		&b.UserID,
		&b.Credits,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}
