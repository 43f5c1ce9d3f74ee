package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const apiKeyHeader = "X-API-Key"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects identity into
// request context. It does not perform RBAC checks; those belong to
// internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, m)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		setIdentity(c, claims.UserID, claims.Role)
		c.Next()
	}
}

// RequireUserOrAPIKey accepts either a user bearer token or the service
// API key. API-key callers act as the configured service account with
// the service role; their sessions have no owner.
func RequireUserOrAPIKey(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, ok := bearerClaims(c, m); ok {
			setIdentity(c, claims.UserID, claims.Role)
			c.Next()
			return
		}
		if account, ok := m.VerifyAPIKey(strings.TrimSpace(c.GetHeader(apiKeyHeader))); ok {
			setIdentity(c, account, "service")
			c.Set("api_key_auth", true)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid credentials"})
	}
}

func bearerClaims(c *gin.Context, m *Manager) (Claims, bool) {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
		return Claims{}, false
	}
	claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
	if err != nil {
		return Claims{}, false
	}
	return claims, true
}

func setIdentity(c *gin.Context, userID, role string) {
	ctx := WithIdentity(c.Request.Context(), userID, role)
	c.Request = c.Request.WithContext(ctx)

	// Also store on gin context for handler convenience.
	c.Set("user_id", userID)
	c.Set("role", role)
}

// IsAPIKeyAuth reports whether the request authenticated with the
// service API key rather than a user token.
func IsAPIKeyAuth(c *gin.Context) bool {
	return c.GetBool("api_key_auth")
}
