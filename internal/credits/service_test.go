package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	svc.clock = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc, store
}

func grant(t *testing.T, svc *Service, userID string, amount int64) {
	t.Helper()
	if _, err := svc.Credit(context.Background(), userID, amount, EntryTypeInitial, "signup", "", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestReserve_InsufficientCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// No grants at all: reserve must fail without creating anything.
	if _, err := svc.Reserve(ctx, "u1", 10); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	grant(t, svc, "u1", 5)
	if _, err := svc.Reserve(ctx, "u1", 10); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := svc.Reserve(ctx, "u1", 5); err != nil {
		t.Fatalf("expected reserve to pass at exact balance, got %v", err)
	}

	// Reserve writes nothing.
	entries, err := svc.ListLedger(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the grant entry, got %d", len(entries))
	}
}

func TestCommit_IdempotentPerSession(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	grant(t, svc, "u1", 100)

	first, err := svc.Commit(ctx, "u1", "sess-1", 30, "audit_session")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	second, err := svc.Commit(ctx, "u1", "sess-1", 30, "audit_session")
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same ledger entry, got %s vs %s", first.ID, second.ID)
	}

	b, err := svc.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Credits != 70 {
		t.Fatalf("expected 70 credits after single deduction, got %d", b.Credits)
	}
}

func TestCommit_ConcurrentCallsProduceOneDeduction(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	grant(t, svc, "u1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Commit(ctx, "u1", "sess-1", 25, "audit_session")
		}()
	}
	wg.Wait()

	entries, err := svc.ListLedger(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var deductions int
	for _, e := range entries {
		if e.Type == EntryTypeDeduction {
			deductions++
		}
	}
	if deductions != 1 {
		t.Fatalf("expected exactly one deduction, got %d", deductions)
	}
	if err := svc.VerifyLedger(ctx, "u1"); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestCredit_PurchaseIdempotentByProviderRef(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Credit(ctx, "u1", 50, EntryTypePurchase, "topup", "order-42", "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	second, err := svc.Credit(ctx, "u1", 50, EntryTypePurchase, "topup", "order-42", "")
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return the original entry")
	}

	b, _ := svc.GetBalance(ctx, "u1")
	if b.Credits != 50 {
		t.Fatalf("expected 50 credits, got %d", b.Credits)
	}
}

func TestCredit_RejectsInvalidArgs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "", 10, EntryTypeBonus, "", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.Credit(ctx, "u1", 0, EntryTypeBonus, "", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.Credit(ctx, "u1", 10, EntryTypeDeduction, "", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for deduction via Credit, got %v", err)
	}
	// Purchases require a provider reference for webhook idempotency.
	if _, err := svc.Credit(ctx, "u1", 10, EntryTypePurchase, "", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestBalanceEqualsLedgerSum(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	grant(t, svc, "u1", 100)
	if _, err := svc.Credit(ctx, "u1", 40, EntryTypePurchase, "topup", "order-1", ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Commit(ctx, "u1", "s1", 25, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Commit(ctx, "u1", "s2", 60, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Credit(ctx, "u1", 5, EntryTypeRefund, "goodwill", "", ""); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if err := svc.VerifyLedger(ctx, "u1"); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
	b, _ := svc.GetBalance(ctx, "u1")
	if b.Credits != 100+40-25-60+5 {
		t.Fatalf("unexpected balance %d", b.Credits)
	}
}

func TestBalanceAfterSnapshots(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	grant(t, svc, "u1", 100)
	e, err := svc.Commit(ctx, "u1", "s1", 30, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.BalanceAfter != 70 {
		t.Fatalf("expected balance_after 70, got %d", e.BalanceAfter)
	}
	if e.Amount != -30 {
		t.Fatalf("expected signed amount -30, got %d", e.Amount)
	}
}

func TestCommitRetrier_RecoversFailedCommit(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	grant(t, svc, "u1", 100)

	r := NewCommitRetrier(svc, nil, time.Hour)
	r.Enqueue("u1", "sess-9", 20, "audit_session")
	if r.PendingCount() != 1 {
		t.Fatalf("expected one pending commit")
	}
	r.drain(ctx)
	if r.PendingCount() != 0 {
		t.Fatalf("expected queue drained")
	}

	b, _ := svc.GetBalance(ctx, "u1")
	if b.Credits != 80 {
		t.Fatalf("expected 80 credits, got %d", b.Credits)
	}

	// Replays are absorbed by the idempotent commit.
	r.Enqueue("u1", "sess-9", 20, "audit_session")
	r.drain(ctx)
	b, _ = svc.GetBalance(ctx, "u1")
	if b.Credits != 80 {
		t.Fatalf("expected replay to be a no-op, got %d", b.Credits)
	}
}
