package main

import (
	"database/sql"

	"audit-platform/internal/auth"
	"audit-platform/internal/httpapi"
	"audit-platform/internal/mcp"
	"audit-platform/internal/metrics"
	"audit-platform/internal/rbac"
	"audit-platform/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, mcpServer *mcp.Server, authManager *auth.Manager, coordinator *stream.Coordinator, db *sql.DB, rdb *redis.Client) {
	r.Use(metrics.Middleware())

	// public
	r.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		code := 200
		if err := db.PingContext(c.Request.Context()); err != nil {
			status, code = "degraded", 503
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			status, code = "degraded", 503
		}
		c.JSON(code, gin.H{"status": status, "live_streams": coordinator.LiveCount()})
	})
	r.GET("/metrics", metrics.Handler())

	// Shared audit gallery; no auth, completed public sessions only.
	r.GET("/public/audits", h.ListPublicAudits)
	r.GET("/public/audits/:id", h.GetPublicAudit)

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by provider signature validation in production.
	r.POST("/webhooks/payments/captured", h.PaymentCaptured)

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/token", h.IssueToken)

	// MCP tool callers authenticate with a user token or the service
	// API key; either way billing lands on a ledger account.
	r.POST("/mcp", auth.RequireUserOrAPIKey(authManager), mcpServer.Handle)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireUserOrAPIKey(authManager))
	{
		audits := v1.Group("/audits")
		audits.Use(rbac.RequireAnyRole(rbac.RoleUser, rbac.RoleService))
		{
			audits.POST("", h.CreateAudit)
			audits.GET("", h.ListAudits)
			audits.GET("/:id/stream", h.StreamAudit)
			audits.GET("/:id/status", h.AuditStatus)
			audits.POST("/:id/cancel", h.CancelAudit)
			audits.PATCH("/:id/visibility", h.SetVisibility)
		}

		// Credit purchases are user-only; service accounts are funded
		// by operators, not by checkout.
		creditsGroup := v1.Group("/credits")
		creditsGroup.Use(rbac.RequireAnyRole(rbac.RoleUser, rbac.RoleService))
		{
			creditsGroup.GET("/balance", h.CreditBalance)
			creditsGroup.GET("/ledger", h.CreditLedger)
			creditsGroup.POST("/orders", rbac.RequireAnyRole(rbac.RoleUser), h.CreateOrder)
		}
	}
}
