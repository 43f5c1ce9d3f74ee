package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"audit-platform/internal/engine"
	"audit-platform/internal/metrics"
	"audit-platform/internal/session"
)

// Coordinator owns the per-process registry of live analysis streams.
//
// Guarantees:
// - The engine is invoked at most once per session: the storage-level
//   pending -> analyzing CAS picks the single starter even if several
//   consumers attach simultaneously.
// - The stored report is appended BEFORE chunks fan out, so a consumer
//   attaching mid-stream reads the report snapshot and joins live
//   delivery without gaps or duplicates.
// - A consumer that cannot keep up is dropped alone; the analysis and
//   all other consumers continue.
type Coordinator struct {
	sessions *session.Service
	eng      engine.Engine
	log      *slog.Logger

	analyzeTimeout time.Duration
	queueSize      int

	// releaseSlot gives back the per-user concurrency slot at terminal.
	// Optional.
	releaseSlot func(ctx context.Context, userID string)

	mu   sync.Mutex
	live map[string]*liveStream
}

type liveStream struct {
	sessionID string

	// ctx bounds the producer run and cancel aborts it. Both are set
	// before the stream is published in the registry and never change
	// afterwards, so they are safe to use without holding a lock.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	attachments map[*Attachment]struct{}
	done        bool
}

func NewCoordinator(sessions *session.Service, eng engine.Engine, log *slog.Logger, analyzeTimeout time.Duration, queueSize int) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if analyzeTimeout <= 0 {
		analyzeTimeout = 10 * time.Minute
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Coordinator{
		sessions:       sessions,
		eng:            eng,
		log:            log,
		analyzeTimeout: analyzeTimeout,
		queueSize:      queueSize,
		live:           make(map[string]*liveStream),
	}
}

// SetReleaseSlot installs the concurrency-cap release hook.
func (c *Coordinator) SetReleaseSlot(fn func(ctx context.Context, userID string)) {
	c.releaseSlot = fn
}

// Attach connects a consumer to a session's stream.
//
// - terminal session: the stored report replays, then the terminal
//   event, then the channel closes.
// - pending session: this attach claims the analyzing transition; the
//   winner starts the engine exactly once.
// - analyzing session: the consumer catches up from the stored report
//   and joins live delivery.
func (c *Coordinator) Attach(ctx context.Context, sessionID string) (*Attachment, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return replayAttachment(sess), nil
	}

	c.mu.Lock()
	ls, ok := c.live[sessionID]
	if !ok {
		// The watchdog context exists before the stream is visible,
		// so a racing Cancel always finds a cancel func to call.
		runCtx, cancel := context.WithTimeout(context.Background(), c.analyzeTimeout)
		ls = &liveStream{
			sessionID:   sessionID,
			ctx:         runCtx,
			cancel:      cancel,
			attachments: make(map[*Attachment]struct{}),
		}
		c.live[sessionID] = ls
	}
	c.mu.Unlock()

	if !ok {
		// First local attach: try to claim the engine start.
		won, cur, err := c.sessions.TransitionToAnalyzing(ctx, sessionID)
		if err != nil {
			// Consumers that joined while the claim was in flight
			// must not be left on a silent channel.
			ls.cancel()
			c.closeAll(ls)
			c.unregister(sessionID)
			return nil, err
		}
		switch {
		case won:
			c.startEngine(ls, cur)
		case cur.Status.IsTerminal():
			// Raced with a finalizer.
			ls.cancel()
			c.closeAll(ls)
			c.unregister(sessionID)
			return replayAttachment(cur), nil
		default:
			// Analyzing without a local producer (crashed run or
			// another process). Degrade to a snapshot: deliver what
			// the store has and tell the consumer to poll.
			ls.cancel()
			c.closeAll(ls)
			c.unregister(sessionID)
			return snapshotAttachment(cur), nil
		}
	}

	return c.join(ctx, ls, sessionID)
}

// join snapshots the stored report and registers the attachment under
// the stream lock, so fan-out cannot interleave with the catch-up read.
func (c *Coordinator) join(ctx context.Context, ls *liveStream, sessionID string) (*Attachment, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ls.done || sess.Status.IsTerminal() {
		return replayAttachment(sess), nil
	}

	a := newAttachment(c.queueSize+1, func(att *Attachment) { c.detach(ls, att) })
	if sess.Report != "" {
		// Catch-up prefix goes in before the attachment can see any
		// live chunk. The +1 queue slot guarantees room for it.
		a.push(Event{Type: EventContent, Content: sess.Report})
	}
	ls.attachments[a] = struct{}{}
	metrics.LiveAttachments.Inc()
	return a, nil
}

// startEngine launches the producer goroutine on the stream's own
// context, detached from any HTTP request: a consumer disconnect must
// not stop the analysis.
func (c *Coordinator) startEngine(ls *liveStream, sess session.AuditSession) {
	metrics.EngineInvocations.Inc()
	go c.run(ls.ctx, ls, sess)
}

func (c *Coordinator) run(ctx context.Context, ls *liveStream, sess session.AuditSession) {
	defer ls.cancel()

	chunks, err := c.eng.Invoke(ctx, sess.ID, sess.InputCode, string(sess.Language))
	if err != nil {
		c.log.ErrorContext(ctx, "engine start failed", "session_id", sess.ID, "error", err)
		c.finish(ctx, ls, session.Outcome{Status: session.StatusFailed, ErrorReason: err.Error()})
		return
	}

	var reportedCost int64
	for chunk := range chunks {
		switch chunk.Type {
		case engine.ChunkContent:
			c.deliver(ctx, ls, chunk.Content)
		case engine.ChunkCredits:
			reportedCost = chunk.CreditsUsed
			c.broadcast(ls, Event{Type: EventCredits, CreditsUsed: chunk.CreditsUsed})
		case engine.ChunkComplete:
			if chunk.ReportedCost > 0 {
				reportedCost = chunk.ReportedCost
			}
			c.finish(ctx, ls, session.Outcome{Status: session.StatusCompleted, EngineReportedCost: reportedCost})
			return
		case engine.ChunkError:
			c.finish(ctx, ls, session.Outcome{Status: session.StatusFailed, ErrorReason: failReason(ctx, chunk.Err)})
			return
		}
	}
	// Channel closed without a terminal chunk; treat as failure.
	c.finish(ctx, ls, session.Outcome{Status: session.StatusFailed, ErrorReason: failReason(ctx, "engine stream ended unexpectedly")})
}

// deliver appends to the store first, then fans out. Both happen under
// the stream lock so joiners see either the stored prefix or the live
// push, never both and never neither.
func (c *Coordinator) deliver(ctx context.Context, ls *liveStream, content string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// Persist with a fresh context: delivery must survive the run
	// context expiring mid-append.
	if err := c.sessions.AppendChunk(context.WithoutCancel(ctx), ls.sessionID, content); err != nil {
		c.log.ErrorContext(ctx, "chunk persist failed", "session_id", ls.sessionID, "error", err)
	}
	c.pushLocked(ls, Event{Type: EventContent, Content: content})
}

func (c *Coordinator) broadcast(ls *liveStream, e Event) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	c.pushLocked(ls, e)
}

// pushLocked fans an event out, evicting any attachment whose queue is
// full. Callers hold ls.mu.
func (c *Coordinator) pushLocked(ls *liveStream, e Event) {
	for a := range ls.attachments {
		if !a.push(e) {
			a.dropped.Store(true)
			delete(ls.attachments, a)
			close(a.ch)
			metrics.LiveAttachments.Dec()
			metrics.DroppedAttachments.Inc()
			c.log.Warn("slow consumer dropped", "session_id", ls.sessionID)
		}
	}
}

// finish finalizes the session, emits the terminal event to every
// attachment, and releases the stream.
func (c *Coordinator) finish(ctx context.Context, ls *liveStream, outcome session.Outcome) {
	// Finalize with an uncancellable context: billing and the terminal
	// write must not be lost to the watchdog that triggered them.
	final, won, err := c.sessions.Finalize(context.WithoutCancel(ctx), ls.sessionID, outcome)
	if err != nil {
		c.log.ErrorContext(ctx, "finalize failed", "session_id", ls.sessionID, "error", err)
	}
	if won {
		metrics.SessionsFinalized.WithLabelValues(string(outcome.Status), outcome.ErrorReason).Inc()
		if final.CostActual != nil {
			metrics.CreditsDeducted.Add(float64(*final.CostActual))
		}
		if c.releaseSlot != nil && final.BillingUserID != "" {
			c.releaseSlot(context.WithoutCancel(ctx), final.BillingUserID)
		}
	}

	ls.mu.Lock()
	ls.done = true
	c.pushLocked(ls, terminalEvent(final))
	for a := range ls.attachments {
		delete(ls.attachments, a)
		close(a.ch)
		metrics.LiveAttachments.Dec()
	}
	ls.mu.Unlock()

	c.unregister(ls.sessionID)
}

// Cancel aborts a running analysis and finalizes failed/"cancelled".
// Sessions with no live stream (still pending) finalize directly.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) (session.AuditSession, error) {
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()

	if ls != nil {
		// The producer sees the context error and finalizes; calling
		// Finalize here too is safe, CAS picks one winner.
		ls.cancel()
	}
	final, won, err := c.sessions.Cancel(ctx, sessionID)
	if err != nil {
		return session.AuditSession{}, err
	}
	if won {
		metrics.SessionsFinalized.WithLabelValues(string(session.StatusFailed), session.FailReasonCancelled).Inc()
		if c.releaseSlot != nil && final.BillingUserID != "" {
			c.releaseSlot(ctx, final.BillingUserID)
		}
	}
	return final, nil
}

// closeAll marks a stream dead and evicts any consumers that raced in
// while it was being set up.
func (c *Coordinator) closeAll(ls *liveStream) {
	ls.mu.Lock()
	ls.done = true
	for a := range ls.attachments {
		delete(ls.attachments, a)
		close(a.ch)
		metrics.LiveAttachments.Dec()
	}
	ls.mu.Unlock()
}

func (c *Coordinator) detach(ls *liveStream, a *Attachment) {
	ls.mu.Lock()
	if _, ok := ls.attachments[a]; ok {
		delete(ls.attachments, a)
		close(a.ch)
		metrics.LiveAttachments.Dec()
	}
	ls.mu.Unlock()
}

func (c *Coordinator) unregister(sessionID string) {
	c.mu.Lock()
	delete(c.live, sessionID)
	c.mu.Unlock()
}

// LiveCount reports registered streams, for health endpoints and tests.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func failReason(ctx context.Context, engineErr string) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return session.FailReasonTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return session.FailReasonCancelled
	default:
		return engineErr
	}
}

// replayAttachment serves a finished session from storage: report, then
// the terminal marker, then close.
func replayAttachment(sess session.AuditSession) *Attachment {
	a := newAttachment(2, nil)
	if sess.Report != "" {
		a.push(Event{Type: EventContent, Content: sess.Report})
	}
	a.push(terminalEvent(sess))
	close(a.ch)
	return a
}

// snapshotAttachment serves the current report of a session analyzing
// outside this process, then closes with a hint to poll.
func snapshotAttachment(sess session.AuditSession) *Attachment {
	a := newAttachment(2, nil)
	if sess.Report != "" {
		a.push(Event{Type: EventContent, Content: sess.Report})
	}
	a.push(Event{Type: EventError, Status: sess.Status, ErrorReason: "live stream unavailable, poll session status"})
	close(a.ch)
	return a
}

func terminalEvent(sess session.AuditSession) Event {
	if sess.Status == session.StatusCompleted {
		return Event{
			Type:          EventComplete,
			Status:        sess.Status,
			CostActual:    sess.CostActual,
			SecurityScore: sess.SecurityScore,
			SummaryJSON:   sess.SummaryJSON,
		}
	}
	return Event{Type: EventError, Status: sess.Status, ErrorReason: sess.ErrorReason}
}
