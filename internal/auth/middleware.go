package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/ledger"
)

const contextKeyClaims = "authClaims"

// Middleware verifies the bearer token when present and stores its claims.
// The acting principal is attached to the request context for the ledger's
// audit trail. Requests without a token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.Next()
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			code, msg := "invalid_token", "Token is invalid"
			if errors.Is(err, ErrExpiredToken) {
				code, msg = "token_expired", "Token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "message": msg})
			return
		}
		c.Set(contextKeyClaims, claims)
		actorType := ledger.ActorUser
		if claims.IsAdmin() {
			actorType = ledger.ActorAdmin
		}
		c.Request = c.Request.WithContext(ledger.WithActor(c.Request.Context(), actorType, claims.Subject))
		c.Next()
	}
}

// RequireAuth rejects unauthenticated requests.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetClaims(c); !ok {
			abortUnauthorized(c)
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose token lacks the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrAdmin rejects requests where the path parameter param names
// a different user than the token subject, unless the caller is an admin.
func RequireSelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !claims.IsAdmin() && claims.Subject != c.Param(param) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only access your own account",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims, if any.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// UserID returns the authenticated subject or "".
func UserID(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.Subject
	}
	return ""
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
	})
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter used by browser WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}
