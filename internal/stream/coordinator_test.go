package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"audit-platform/internal/credits"
	"audit-platform/internal/engine"
	"audit-platform/internal/pricing"
	"audit-platform/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedEngine lets the test hand chunks to the producer one at a time.
type feedEngine struct {
	mu          sync.Mutex
	invocations int
	feed        chan engine.Chunk
}

func newFeedEngine() *feedEngine {
	return &feedEngine{feed: make(chan engine.Chunk)}
}

func (e *feedEngine) Invoke(ctx context.Context, sessionID, code, language string) (<-chan engine.Chunk, error) {
	e.mu.Lock()
	e.invocations++
	e.mu.Unlock()

	out := make(chan engine.Chunk)
	go func() {
		defer close(out)
		for {
			select {
			case c, ok := <-e.feed:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					out <- engine.Chunk{Type: engine.ChunkError, Err: ctx.Err().Error()}
					return
				}
			case <-ctx.Done():
				out <- engine.Chunk{Type: engine.ChunkError, Err: ctx.Err().Error()}
				return
			}
		}
	}()
	return out, nil
}

func (e *feedEngine) Invocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invocations
}

type env struct {
	coord   *Coordinator
	svc     *session.Service
	credits *credits.Service
	eng     *feedEngine
}

func newEnv(t *testing.T, eng engine.Engine, timeout time.Duration) *env {
	t.Helper()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pr := pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.LanguageRate{
		{ID: "sol", Language: "solidity", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: pricing.RateStatusActive},
		{ID: "any", Language: "unknown", BaseCredits: 10, CreditsPerKilobyte: 3, EffectiveFrom: from, Status: pricing.RateStatusActive},
	}})
	cs := credits.NewService(credits.NewMemoryStore(), nil)
	svc := session.NewService(session.NewMemoryStore(), cs, pr, nil, nil, nil, 64*1024)

	fe, _ := eng.(*feedEngine)
	return &env{
		coord:   NewCoordinator(svc, eng, nil, timeout, 8),
		svc:     svc,
		credits: cs,
		eng:     fe,
	}
}

func (e *env) createSession(t *testing.T) session.AuditSession {
	t.Helper()
	ctx := context.Background()
	_, err := e.credits.Credit(ctx, "u1", 1000, credits.EntryTypeInitial, "signup", "", "")
	require.NoError(t, err)
	sess, err := e.svc.Create(ctx, session.CreateRequest{
		OwnerID: "u1", BillingUserID: "u1",
		Code: "contract C { function f() public {} }", Language: "solidity",
	})
	require.NoError(t, err)
	return sess
}

func recvEvent(t *testing.T, a *Attachment) (Event, bool) {
	t.Helper()
	select {
	case e, ok := <-a.Events():
		return e, ok
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}, false
	}
}

func drain(t *testing.T, a *Attachment) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case e, ok := <-a.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func waitTerminal(t *testing.T, e *env, id string) session.AuditSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := e.svc.Get(context.Background(), id)
		require.NoError(t, err)
		if sess.Status.IsTerminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached terminal state")
	return session.AuditSession{}
}

func TestAttach_ConcurrentAttachesInvokeEngineOnce(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	const n = 12
	attachments := make([]*Attachment, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.coord.Attach(context.Background(), sess.ID)
			require.NoError(t, err)
			attachments[i] = a
		}(i)
	}
	wg.Wait()

	// The producer goroutine calls Invoke; wait for it rather than
	// asserting against an unsynchronized counter.
	require.Eventually(t, func() bool { return eng.Invocations() == 1 },
		2*time.Second, 5*time.Millisecond, "engine must start")

	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "hello "}
	eng.feed <- engine.Chunk{Type: engine.ChunkComplete}

	for _, a := range attachments {
		events := drain(t, a)
		var text string
		for _, ev := range events {
			if ev.Type == EventContent {
				text += ev.Content
			}
		}
		assert.Equal(t, "hello ", text)
		require.NotEmpty(t, events)
		assert.Equal(t, EventComplete, events[len(events)-1].Type)
	}

	require.Equal(t, 1, eng.Invocations(), "engine must start exactly once")
}

func TestAttach_ReconnectCatchesUpExactly(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	first, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)

	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "alpha "}
	ev, ok := recvEvent(t, first)
	require.True(t, ok)
	require.Equal(t, "alpha ", ev.Content)

	// Disconnect passively; analysis keeps running.
	first.Close()
	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "beta "}

	// Wait for the chunk to land in the store before reattaching.
	require.Eventually(t, func() bool {
		s, err := e.svc.Get(context.Background(), sess.ID)
		return err == nil && s.Report == "alpha beta "
	}, 2*time.Second, 5*time.Millisecond)

	second, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)

	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "gamma"}
	eng.feed <- engine.Chunk{Type: engine.ChunkComplete}

	events := drain(t, second)
	var text string
	for _, ev := range events {
		if ev.Type == EventContent {
			text += ev.Content
		}
	}
	// Exact prefix + live tail: no gaps, no duplicates.
	assert.Equal(t, "alpha beta gamma", text)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestAttach_TerminalSessionReplays(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "done report"}
	eng.feed <- engine.Chunk{Type: engine.ChunkComplete}
	drain(t, a)
	waitTerminal(t, e, sess.ID)

	replay, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	events := drain(t, replay)
	require.Len(t, events, 2)
	assert.Equal(t, "done report", events[0].Content)
	assert.Equal(t, EventComplete, events[1].Type)
	assert.Equal(t, 0, e.coord.LiveCount(), "terminal streams must unregister")
}

func TestSlowConsumerDroppedAlone(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	slow, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	fast, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)

	// Overflow the slow consumer's queue (size 8 + 1 catch-up slot)
	// while keeping the fast one drained.
	done := make(chan string)
	go func() {
		var text string
		for ev := range fast.Events() {
			if ev.Type == EventContent {
				text += ev.Content
			}
		}
		done <- text
	}()

	for i := 0; i < 20; i++ {
		eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "x"}
	}
	eng.feed <- engine.Chunk{Type: engine.ChunkComplete}

	fastText := <-done
	assert.Equal(t, 20, len(fastText), "fast consumer sees everything")

	// The slow consumer's channel closed early with the drop flag set.
	drained := drain(t, slow)
	assert.True(t, slow.Dropped())
	assert.Less(t, len(drained), 21)

	// The session itself completed untouched.
	final := waitTerminal(t, e, sess.ID)
	assert.Equal(t, session.StatusCompleted, final.Status)
	assert.Equal(t, 20, len(final.Report))
}

func TestWatchdogTimeoutFailsWithoutCharge(t *testing.T) {
	e := newEnv(t, &engine.FakeEngine{Hang: true}, 50*time.Millisecond)
	sess := e.createSession(t)

	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)

	events := drain(t, a)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, session.FailReasonTimeout, last.ErrorReason)

	final := waitTerminal(t, e, sess.ID)
	assert.Equal(t, session.StatusFailed, final.Status)
	assert.Equal(t, session.FailReasonTimeout, final.ErrorReason)
	assert.Nil(t, final.CostActual)

	// Reservation released by never committing: balance untouched.
	b, err := e.credits.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Credits)
}

func TestCancelAbortsEngineAndFinalizes(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "partial "}
	ev, _ := recvEvent(t, a)
	require.Equal(t, "partial ", ev.Content)

	final, err := e.coord.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, final.Status)
	assert.Equal(t, session.FailReasonCancelled, final.ErrorReason)

	final = waitTerminal(t, e, sess.ID)
	assert.Nil(t, final.CostActual)
	assert.Equal(t, "partial ", final.Report, "partial output preserved")
}

func TestEngineErrorKeepsPartialReport(t *testing.T) {
	e := newEnv(t, &engine.FakeEngine{Script: []engine.Chunk{
		{Type: engine.ChunkContent, Content: "one "},
		{Type: engine.ChunkContent, Content: "two "},
		{Type: engine.ChunkContent, Content: "three"},
		{Type: engine.ChunkError, Err: "backend exploded"},
	}}, time.Minute)
	sess := e.createSession(t)

	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	events := drain(t, a)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "backend exploded", last.ErrorReason)

	final := waitTerminal(t, e, sess.ID)
	assert.Equal(t, session.StatusFailed, final.Status)
	assert.Equal(t, "one two three", final.Report)
	assert.Nil(t, final.CostActual)
}

func TestExactlyOneDeductionAcrossReconnects(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	for i := 0; i < 3; i++ {
		a, err := e.coord.Attach(context.Background(), sess.ID)
		require.NoError(t, err)
		a.Close()
	}
	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)

	eng.feed <- engine.Chunk{Type: engine.ChunkContent, Content: "report"}
	eng.feed <- engine.Chunk{Type: engine.ChunkComplete}
	drain(t, a)
	waitTerminal(t, e, sess.ID)

	// Attaching again after terminal must not charge again.
	replay, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	drain(t, replay)

	entries, err := e.credits.ListLedger(context.Background(), "u1", 50)
	require.NoError(t, err)
	var deductions int
	for _, entry := range entries {
		if entry.Type == credits.EntryTypeDeduction {
			deductions++
		}
	}
	assert.Equal(t, 1, deductions)
	require.NoError(t, e.credits.VerifyLedger(context.Background(), "u1"))
	assert.Equal(t, 1, eng.Invocations())
}

func TestEngineReportedCostLowersCharge(t *testing.T) {
	e := newEnv(t, &engine.FakeEngine{Script: []engine.Chunk{
		{Type: engine.ChunkContent, Content: "tiny"},
		{Type: engine.ChunkCredits, CreditsUsed: 1},
		{Type: engine.ChunkComplete, ReportedCost: 1},
	}}, time.Minute)
	sess := e.createSession(t)

	a, err := e.coord.Attach(context.Background(), sess.ID)
	require.NoError(t, err)
	events := drain(t, a)

	var sawCredits bool
	for _, ev := range events {
		if ev.Type == EventCredits {
			sawCredits = true
			assert.Equal(t, int64(1), ev.CreditsUsed)
		}
	}
	assert.True(t, sawCredits, "credits event forwarded to consumers")

	final := waitTerminal(t, e, sess.ID)
	require.NotNil(t, final.CostActual)
	assert.Equal(t, int64(1), *final.CostActual)
	assert.Less(t, *final.CostActual, sess.CostEstimate)
}

func TestCancel_ConcurrentWithFirstAttach(t *testing.T) {
	eng := newFeedEngine()
	e := newEnv(t, eng, time.Minute)
	sess := e.createSession(t)

	// Attach and Cancel race; whichever order they land in, the
	// session must end failed/cancelled with no charge and no stream
	// left behind.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if a, err := e.coord.Attach(context.Background(), sess.ID); err == nil {
			a.Close()
		}
	}()
	go func() {
		defer wg.Done()
		_, err := e.coord.Cancel(context.Background(), sess.ID)
		require.NoError(t, err)
	}()
	wg.Wait()

	final := waitTerminal(t, e, sess.ID)
	assert.Equal(t, session.StatusFailed, final.Status)
	assert.Equal(t, session.FailReasonCancelled, final.ErrorReason)
	assert.Nil(t, final.CostActual)

	b, err := e.credits.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Credits)

	require.Eventually(t, func() bool { return e.coord.LiveCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}

// gatedClaimStore holds the analyzing claim open so other consumers can
// join mid-claim, then fails it.
type gatedClaimStore struct {
	session.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClaimStore) ClaimAnalyzing(ctx context.Context, id string, at time.Time) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return false, errors.New("store unavailable")
}

func TestAttach_ClaimFailureClosesJoinedConsumers(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pr := pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.LanguageRate{
		{ID: "sol", Language: "solidity", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: pricing.RateStatusActive},
	}})
	cs := credits.NewService(credits.NewMemoryStore(), nil)
	store := &gatedClaimStore{
		Store:   session.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := session.NewService(store, cs, pr, nil, nil, nil, 64*1024)
	coord := NewCoordinator(svc, newFeedEngine(), nil, time.Minute, 8)

	ctx := context.Background()
	_, err := cs.Credit(ctx, "u1", 1000, credits.EntryTypeInitial, "signup", "", "")
	require.NoError(t, err)
	sess, err := svc.Create(ctx, session.CreateRequest{
		OwnerID: "u1", BillingUserID: "u1",
		Code: "contract C {}", Language: "solidity",
	})
	require.NoError(t, err)

	attachErr := make(chan error, 1)
	go func() {
		_, err := coord.Attach(ctx, sess.ID)
		attachErr <- err
	}()
	<-store.entered

	// A second consumer joins while the creator is stuck in the claim.
	joined, err := coord.Attach(ctx, sess.ID)
	require.NoError(t, err)

	close(store.release)
	require.Error(t, <-attachErr)

	// The joiner must be closed out, not left on a silent channel.
	select {
	case _, open := <-joined.Events():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("joined consumer left dangling after stream teardown")
	}
	require.Equal(t, 0, coord.LiveCount())
}
