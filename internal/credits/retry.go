package credits

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CommitRetrier re-drives deduction commits that failed transiently
// (for example a DB blip right at session finalize). Delivery is
// at-least-once; the idempotent Commit makes double delivery harmless.
type CommitRetrier struct {
	svc      *Service
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending []pendingCommit
}

type pendingCommit struct {
	UserID    string
	SessionID string
	Amount    int64
	Reason    string
	Attempts  int
}

const maxCommitAttempts = 10

func NewCommitRetrier(svc *Service, log *slog.Logger, interval time.Duration) *CommitRetrier {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &CommitRetrier{svc: svc, log: log, interval: interval}
}

func (r *CommitRetrier) Enqueue(userID, sessionID string, amount int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingCommit{
		UserID:    userID,
		SessionID: sessionID,
		Amount:    amount,
		Reason:    reason,
	})
}

// Run processes the queue until ctx is cancelled.
func (r *CommitRetrier) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.drain(ctx)
		}
	}
}

func (r *CommitRetrier) drain(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range batch {
		if _, err := r.svc.Commit(ctx, p.UserID, p.SessionID, p.Amount, p.Reason); err != nil {
			p.Attempts++
			if p.Attempts >= maxCommitAttempts {
				r.log.ErrorContext(ctx, "credit commit abandoned after retries",
					"user_id", p.UserID, "session_id", p.SessionID, "amount", p.Amount, "error", err)
				continue
			}
			r.log.WarnContext(ctx, "credit commit retry failed",
				"user_id", p.UserID, "session_id", p.SessionID, "attempts", p.Attempts, "error", err)
			r.mu.Lock()
			r.pending = append(r.pending, p)
			r.mu.Unlock()
			continue
		}
		r.log.InfoContext(ctx, "credit commit recovered",
			"user_id", p.UserID, "session_id", p.SessionID, "amount", p.Amount)
	}
}

// PendingCount is used by tests and health reporting.
func (r *CommitRetrier) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
