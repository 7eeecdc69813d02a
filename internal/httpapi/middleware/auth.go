// Package middleware holds the gin middleware chain the dispatch API wraps
// every route with: auth, recovery, request logging.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"dispatch/internal/infra"
)

const (
	callerUIDKey  = "caller_uid"
	callerRoleKey = "caller_role"
)

// Auth verifies the bearer Firebase ID token on every request and stores
// the caller's UID and role claim on the gin context for downstream
// handlers. A request with a missing, malformed, or unverifiable token is
// rejected before it reaches any handler.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(401, gin.H{"error": "missing or malformed authorization header"})
			return
		}
		idToken := strings.TrimPrefix(header, "Bearer ")

		token, err := verifier.VerifyIDToken(c.Request.Context(), idToken)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "invalid token"})
			return
		}

		c.Set(callerUIDKey, token.UID)
		role, _ := token.Claims["role"].(string)
		c.Set(callerRoleKey, role)
		c.Next()
	}
}

// CallerUID returns the Firebase UID the Auth middleware verified for the
// current request, or "" if Auth has not run.
func CallerUID(c *gin.Context) string {
	v, _ := c.Get(callerUIDKey)
	s, _ := v.(string)
	return s
}

// CallerRole returns the role claim the Auth middleware read off the
// verified token, or "" if absent.
func CallerRole(c *gin.Context) string {
	v, _ := c.Get(callerRoleKey)
	s, _ := v.(string)
	return s
}

// RequireRole aborts with 403 unless the caller's verified role is one of
// allowed. Must run after Auth.
func RequireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, a := range allowed {
			if role == a {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(403, gin.H{"error": "caller role not permitted for this operation"})
	}
}
