package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"audit-platform/internal/auth"
	"audit-platform/internal/credits"
	"audit-platform/internal/payments"
	"audit-platform/internal/rbac"
	"audit-platform/internal/session"
	"audit-platform/internal/stream"
	"audit-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Sessions *session.Service
	Streams  *stream.Coordinator
	Credits  *credits.Service
	Payments *payments.Service

	// Redis backs the per-user active-session cap. Nil disables the
	// cap (tests, single-node dev runs).
	Redis             *redis.Client
	MaxActiveSessions int

	// CapTTL bounds how long a leaked slot survives a process crash.
	// Should exceed the engine analyze timeout.
	CapTTL time.Duration

	Log *slog.Logger
}

// ActiveSessionsKey is the redis counter key for a user's concurrently
// analyzing sessions. Shared with the coordinator's release hook.
func ActiveSessionsKey(userID string) string {
	return "audits:active:" + userID
}

func (h Handlers) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// actor extracts the authenticated identity set by the auth middleware.
func actor(c *gin.Context) (userID string, admin bool) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return uid, rbac.IsAdmin(role)
}

// abortForError maps service sentinels onto HTTP statuses. Unknown
// errors become opaque 500s; internals stay out of responses.
func (h Handlers) abortForError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, credits.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, credits.ErrInsufficientCredits):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
	case errors.Is(err, session.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, credits.ErrInvalidArgument),
		errors.Is(err, payments.ErrInvalidNotice):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger().ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

/* ===================== AUTH ===================== */

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT access token.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleUser
	}
	token, err := h.Auth.IssueAccess(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

/* ===================== AUDITS ===================== */

type createAuditRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// CreateAudit validates the submission, reserves the cost estimate, and
// returns the pending session. The analysis starts on the first stream
// attach, not here.
func (h Handlers) CreateAudit(c *gin.Context) {
	uid, _ := actor(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	var req createAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	ok, err := h.acquireSlot(ctx, uid)
	if err != nil {
		h.abortForError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "active session limit reached"})
		return
	}

	owner := uid
	if auth.IsAPIKeyAuth(c) {
		// Service callers submit anonymously; billing stays on the
		// service account.
		owner = ""
	}

	sess, err := h.Sessions.Create(ctx, session.CreateRequest{
		OwnerID:       owner,
		BillingUserID: uid,
		Code:          req.Code,
		Language:      req.Language,
		ClientIP:      c.ClientIP(),
	})
	if err != nil {
		h.releaseSlot(ctx, uid)
		h.abortForError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":    sess.ID,
		"cost_estimate": sess.CostEstimate,
		"status":        sess.Status,
	})
}

// StreamAudit attaches the caller to the session's SSE stream. The
// first attach starts the analysis; later attaches catch up from the
// stored report and join live. A client disconnect detaches passively
// and never stops the engine.
func (h Handlers) StreamAudit(c *gin.Context) {
	uid, admin := actor(c)
	ctx := c.Request.Context()

	sess, err := h.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	if !sess.AccessibleBy(uid, admin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	att, err := h.Streams.Attach(ctx, sess.ID)
	if err != nil {
		h.abortForError(c, err)
		return
	}
	defer att.Close()

	setSSEHeaders(c.Writer)
	sw, err := newSSEWriter(c.Writer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Status(http.StatusOK)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away. Detach only; the analysis keeps running.
			return
		case <-keepalive.C:
			if err := sw.keepAlive(); err != nil {
				return
			}
		case ev, ok := <-att.Events():
			if !ok {
				if att.Dropped() {
					_ = sw.writeEvent(string(stream.EventError), gin.H{"error": "stream backlog exceeded, reconnect to catch up"})
				}
				return
			}
			if err := sw.writeEvent(string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}

// AuditStatus reads the stored row directly, bypassing the stream
// registry. This is the polling fallback when SSE is unavailable.
func (h Handlers) AuditStatus(c *gin.Context) {
	uid, admin := actor(c)
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	if !sess.AccessibleBy(uid, admin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, statusView(sess))
}

// CancelAudit aborts a running or pending session. Already-terminal
// sessions return their final state unchanged.
func (h Handlers) CancelAudit(c *gin.Context) {
	uid, admin := actor(c)
	ctx := c.Request.Context()

	sess, err := h.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	if !sess.AccessibleBy(uid, admin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	final, err := h.Streams.Cancel(ctx, sess.ID)
	if err != nil {
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(final))
}

// ListAudits returns the caller's own sessions, newest first.
func (h Handlers) ListAudits(c *gin.Context) {
	uid, _ := actor(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	sessions, err := h.Sessions.ListByOwner(c.Request.Context(), uid, queryLimit(c))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summaryView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type visibilityRequest struct {
	Visibility  string   `json:"visibility"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// SetVisibility updates sharing metadata. Owner only; visibility never
// touches the pipeline or the frozen report.
func (h Handlers) SetVisibility(c *gin.Context) {
	uid, admin := actor(c)

	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	sess, err := h.Sessions.SetVisibility(c.Request.Context(), c.Param("id"), uid, admin,
		session.Visibility(req.Visibility), req.Title, req.Description, req.Tags)
	if err != nil {
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaryView(sess))
}

/* ===================== PUBLIC GALLERY ===================== */

// ListPublicAudits lists shared completed sessions, summaries only.
func (h Handlers) ListPublicAudits(c *gin.Context) {
	sessions, err := h.Sessions.ListPublic(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summaryView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetPublicAudit serves a shared session's full report. Private or
// unfinished sessions are indistinguishable from missing ones.
func (h Handlers) GetPublicAudit(c *gin.Context) {
	sess, err := h.Sessions.GetPublic(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	view := statusView(sess)
	view["language"] = sess.Language
	if sess.Title != "" {
		view["title"] = sess.Title
	}
	if sess.Description != "" {
		view["description"] = sess.Description
	}
	if len(sess.Tags) > 0 {
		view["tags"] = sess.Tags
	}
	c.JSON(http.StatusOK, view)
}

/* ===================== CREDITS ===================== */

// CreditBalance returns the caller's projection balance. Users with no
// ledger history read as zero rather than 404.
func (h Handlers) CreditBalance(c *gin.Context) {
	uid, _ := actor(c)
	b, err := h.Credits.GetBalance(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, credits.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "credits": 0})
			return
		}
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// CreditLedger returns the caller's recent ledger entries, newest first.
func (h Handlers) CreditLedger(c *gin.Context) {
	uid, _ := actor(c)
	entries, err := h.Credits.ListLedger(c.Request.Context(), uid, queryLimit(c))
	if err != nil {
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

/* ===================== PAYMENTS ===================== */

type createOrderRequest struct {
	Credits     int64  `json:"credits"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// CreateOrder starts a credit purchase at the payment provider. No
// credits move until the capture webhook lands.
func (h Handlers) CreateOrder(c *gin.Context) {
	uid, _ := actor(c)

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	order, err := h.Payments.CreateOrder(c.Request.Context(), payments.CreateOrderRequest{
		UserID:      uid,
		Credits:     req.Credits,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
	})
	if err != nil {
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// PaymentCaptured is the provider webhook that actually grants credits.
// Replayed deliveries are idempotent on the provider order id.
//
// NOTE: This endpoint should be protected by provider signature validation in production.
func (h Handlers) PaymentCaptured(c *gin.Context) {
	var notice payments.CaptureNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	entry, err := h.Payments.HandleCapture(c.Request.Context(), notice)
	if err != nil {
		h.abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger_id": entry.ID, "balance_after": entry.BalanceAfter})
}

/* ===================== HELPERS ===================== */

func (h Handlers) acquireSlot(ctx context.Context, userID string) (bool, error) {
	if h.Redis == nil {
		return true, nil
	}
	limit := h.MaxActiveSessions
	if limit <= 0 {
		limit = 3
	}
	ttl := h.CapTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return utils.AcquireConcurrencyCap(ctx, h.Redis, ActiveSessionsKey(userID), limit, ttl)
}

func (h Handlers) releaseSlot(ctx context.Context, userID string) {
	if h.Redis == nil {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, h.Redis, ActiveSessionsKey(userID)); err != nil {
		h.logger().Warn("slot release failed", "user_id", userID, "error", err)
	}
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

// statusView is the polling response shape.
func statusView(s session.AuditSession) gin.H {
	out := gin.H{
		"id":            s.ID,
		"status":        s.Status,
		"report":        s.Report,
		"cost_estimate": s.CostEstimate,
		"created_at":    s.CreatedAt,
	}
	if s.ErrorReason != "" {
		out["error"] = s.ErrorReason
	}
	if s.CostActual != nil {
		out["cost_actual"] = *s.CostActual
	}
	if s.SummaryJSON != "" {
		out["summary"] = json.RawMessage(s.SummaryJSON)
		out["security_score"] = s.SecurityScore
	}
	if s.CompletedAt != nil {
		out["completed_at"] = *s.CompletedAt
	}
	return out
}

// summaryView omits the contract code and the full report.
func summaryView(s session.AuditSession) gin.H {
	out := gin.H{
		"id":         s.ID,
		"status":     s.Status,
		"language":   s.Language,
		"visibility": s.Visibility,
		"created_at": s.CreatedAt,
	}
	if s.Title != "" {
		out["title"] = s.Title
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Tags) > 0 {
		out["tags"] = s.Tags
	}
	if s.SummaryJSON != "" {
		out["summary"] = json.RawMessage(s.SummaryJSON)
		out["security_score"] = s.SecurityScore
	}
	if s.CompletedAt != nil {
		out["completed_at"] = *s.CompletedAt
	}
	return out
}
