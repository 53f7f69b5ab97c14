package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	operatorKey    = "operator"
)

// AuthMiddleware validates bearer tokens. With auth disabled every request
// passes with all permissions.
func (s *Service) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Set(permissionsKey, allPermissions())
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			c.Abort()
			return
		}

		claims, permissions, err := s.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			c.Abort()
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(operatorKey, claims.Operator)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasPermission(c, required) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": string(required),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func HasPermission(c *gin.Context, required Permission) bool {
	perms, ok := c.Get(permissionsKey)
	if !ok {
		return false
	}
	for _, p := range perms.([]Permission) {
		if p == required {
			return true
		}
	}
	return false
}

// Operator returns the authenticated operator name, empty with auth
// disabled.
func Operator(c *gin.Context) string {
	return c.GetString(operatorKey)
}
