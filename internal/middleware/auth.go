// Package middleware holds the gin middleware shared by the API.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-sla/internal/auth"
)

const (
	ClaimsKey = "claims"
	RoleKey   = "role"
)

type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

// NewAuthMiddleware returns middleware backed by jwtManager. A nil manager
// disables authentication: every request passes as admin.
func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jwtManager}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.jwtManager == nil {
			c.Set(RoleKey, auth.RoleAdmin)
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			unauthorized(c, "Missing authorization token")
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				unauthorized(c, "Token has expired")
				return
			}
			unauthorized(c, "Invalid token")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the authenticated role grants p.
// It must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(p auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(RoleKey)
		if !exists {
			unauthorized(c, "Not authenticated")
			return
		}
		role, _ := v.(auth.Role)
		if !auth.HasPermission(role, p) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the validated token claims, or nil when auth is off.
func GetClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	// Inbox links handed to browsers carry the token in the query.
	return c.Query("token")
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   message,
	})
}
