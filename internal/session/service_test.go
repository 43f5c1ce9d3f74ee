package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"audit-platform/internal/credits"
	"audit-platform/internal/eventlog"
	"audit-platform/internal/pricing"
)

func testPricing() *pricing.Service {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.LanguageRate{
		{ID: "sol", Language: "solidity", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: pricing.RateStatusActive},
		{ID: "any", Language: "unknown", BaseCredits: 10, CreditsPerKilobyte: 3, EffectiveFrom: from, Status: pricing.RateStatusActive},
	}})
}

type testEnv struct {
	svc     *Service
	credits *credits.Service
	store   *MemoryStore
	events  *eventlog.MemoryRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	cs := credits.NewService(credits.NewMemoryStore(), nil)
	evRepo := eventlog.NewMemoryRepo()
	svc := NewService(store, cs, testPricing(), eventlog.NewService(evRepo), nil, nil, 10*1024)
	return &testEnv{svc: svc, credits: cs, store: store, events: evRepo}
}

func (e *testEnv) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := e.credits.Credit(context.Background(), userID, amount, credits.EntryTypeInitial, "signup", "", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (e *testEnv) create(t *testing.T, userID string) AuditSession {
	t.Helper()
	sess, err := e.svc.Create(context.Background(), CreateRequest{
		OwnerID:       userID,
		BillingUserID: userID,
		Code:          "contract C { function f() public {} }",
		Language:      "solidity",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 1000)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty code", CreateRequest{OwnerID: "u1", BillingUserID: "u1", Code: "   ", Language: "solidity"}},
		{"oversized", CreateRequest{OwnerID: "u1", BillingUserID: "u1", Code: strings.Repeat("x", 20*1024), Language: "solidity"}},
		{"bad language", CreateRequest{OwnerID: "u1", BillingUserID: "u1", Code: "contract C {}", Language: "cobol"}},
		{"no billing account", CreateRequest{OwnerID: "u1", Code: "contract C {}", Language: "solidity"}},
	}
	for _, tc := range cases {
		if _, err := env.svc.Create(ctx, tc.req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestCreate_InsufficientCreditsLeavesNoRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// u1 has nothing.
	_, err := env.svc.Create(ctx, CreateRequest{
		OwnerID: "u1", BillingUserID: "u1", Code: "contract C {}", Language: "solidity",
	})
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if list, _ := env.svc.ListByOwner(ctx, "u1", 10); len(list) != 0 {
		t.Fatalf("expected no session row, got %d", len(list))
	}
	if entries, _ := env.credits.ListLedger(ctx, "u1", 10); len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
}

func TestCreate_ReservesWithoutCharging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)

	sess := env.create(t, "u1")
	if sess.Status != StatusPending {
		t.Fatalf("expected pending, got %s", sess.Status)
	}
	if sess.CostEstimate <= 0 {
		t.Fatalf("expected positive estimate")
	}
	b, _ := env.credits.GetBalance(ctx, "u1")
	if b.Credits != 100 {
		t.Fatalf("reserve must not change balance, got %d", b.Credits)
	}
}

func TestTransitionToAnalyzing_SingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, _, err := env.svc.TransitionToAnalyzing(context.Background(), sess.ID)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAppendChunk_DroppedAfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")

	if _, _, err := env.svc.TransitionToAnalyzing(ctx, sess.ID); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := env.svc.AppendChunk(ctx, sess.ID, "part one. "); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusCompleted}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// Late chunk: silently dropped, report frozen.
	if err := env.svc.AppendChunk(ctx, sess.ID, "late chunk"); err != nil {
		t.Fatalf("append after terminal should not error: %v", err)
	}
	got, _ := env.svc.Get(ctx, sess.ID)
	if got.Report != "part one. " {
		t.Fatalf("report changed after terminal: %q", got.Report)
	}
}

func TestFinalize_CompletedChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")
	env.svc.TransitionToAnalyzing(ctx, sess.ID)
	env.svc.AppendChunk(ctx, sess.ID, "Severity: High\nfinding text")

	final, won, err := env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusCompleted})
	if err != nil || !won {
		t.Fatalf("finalize: won=%v err=%v", won, err)
	}
	if final.CostActual == nil || *final.CostActual != sess.CostEstimate {
		t.Fatalf("expected charge at estimate, got %v", final.CostActual)
	}
	if final.SummaryJSON == "" || final.SecurityScore >= 100 {
		t.Fatalf("expected derived summary, got %q score %d", final.SummaryJSON, final.SecurityScore)
	}

	// Double finalize: no second charge, same terminal row.
	again, won2, err := env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	if won2 {
		t.Fatalf("expected second finalize to lose")
	}
	if again.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", again.Status)
	}

	entries, _ := env.credits.ListLedger(ctx, "u1", 10)
	var deductions int
	for _, e := range entries {
		if e.Type == credits.EntryTypeDeduction {
			deductions++
		}
	}
	if deductions != 1 {
		t.Fatalf("expected exactly one deduction, got %d", deductions)
	}
	if err := env.credits.VerifyLedger(ctx, "u1"); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestFinalize_EngineReportedCostLowersCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")
	env.svc.TransitionToAnalyzing(ctx, sess.ID)

	final, _, err := env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusCompleted, EngineReportedCost: 2})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.CostActual == nil || *final.CostActual != 2 {
		t.Fatalf("expected lowered charge 2, got %v", final.CostActual)
	}

	// A reported cost above the estimate must not raise the charge.
	sess2 := env.create(t, "u1")
	env.svc.TransitionToAnalyzing(ctx, sess2.ID)
	final2, _, err := env.svc.Finalize(ctx, sess2.ID, Outcome{Status: StatusCompleted, EngineReportedCost: 100000})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if *final2.CostActual != sess2.CostEstimate {
		t.Fatalf("estimate must cap the charge, got %d", *final2.CostActual)
	}
}

func TestFinalize_FailedNeverCharges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")
	env.svc.TransitionToAnalyzing(ctx, sess.ID)
	env.svc.AppendChunk(ctx, sess.ID, "partial output")

	final, won, err := env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusFailed, ErrorReason: FailReasonTimeout})
	if err != nil || !won {
		t.Fatalf("finalize: won=%v err=%v", won, err)
	}
	if final.CostActual != nil {
		t.Fatalf("failed session must not be charged")
	}
	if final.ErrorReason != FailReasonTimeout {
		t.Fatalf("expected timeout reason, got %q", final.ErrorReason)
	}
	// Partial output survives.
	if final.Report != "partial output" {
		t.Fatalf("expected partial report preserved, got %q", final.Report)
	}

	b, _ := env.credits.GetBalance(ctx, "u1")
	if b.Credits != 100 {
		t.Fatalf("balance must be untouched, got %d", b.Credits)
	}
}

func TestCancel_FromPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")

	final, won, err := env.svc.Cancel(ctx, sess.ID)
	if err != nil || !won {
		t.Fatalf("cancel: won=%v err=%v", won, err)
	}
	if final.Status != StatusFailed || final.ErrorReason != FailReasonCancelled {
		t.Fatalf("expected failed/cancelled, got %s/%q", final.Status, final.ErrorReason)
	}

	// Cancelling again is a no-op.
	_, won, err = env.svc.Cancel(ctx, sess.ID)
	if err != nil || won {
		t.Fatalf("expected idempotent cancel, won=%v err=%v", won, err)
	}
}

func TestVisibility_OwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")
	env.svc.TransitionToAnalyzing(ctx, sess.ID)
	env.svc.Finalize(ctx, sess.ID, Outcome{Status: StatusCompleted})

	if _, err := env.svc.SetVisibility(ctx, sess.ID, "intruder", false, VisibilityPublic, "t", "d", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	updated, err := env.svc.SetVisibility(ctx, sess.ID, "u1", false, VisibilityPublic, "My audit", "desc", []string{"defi"})
	if err != nil {
		t.Fatalf("set visibility: %v", err)
	}
	if updated.Visibility != VisibilityPublic || updated.Title != "My audit" {
		t.Fatalf("visibility not applied: %+v", updated)
	}

	got, err := env.svc.GetPublic(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get public: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("wrong session")
	}

	list, err := env.svc.ListPublic(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one public session, got %d err %v", len(list), err)
	}
}

func TestGetPublic_HiddenWhileIncomplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "u1", 100)
	sess := env.create(t, "u1")

	if _, err := env.svc.GetPublic(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for private session, got %v", err)
	}
}

func TestVisibility_AnonymousSessionsNotShareable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "svc-account", 100)

	sess, err := env.svc.Create(ctx, CreateRequest{
		BillingUserID: "svc-account", // no owner
		Code:          "contract C {}",
		Language:      "solidity",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.SetVisibility(ctx, sess.ID, "anyone", false, VisibilityPublic, "", "", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for anonymous session, got %v", err)
	}
}
