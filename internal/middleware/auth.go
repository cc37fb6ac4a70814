package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rentcore/internal/domain"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/response"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// JWTAuth accepts "Authorization: Bearer <token>" and stores the caller's id
// and role in the gin context.
func JWTAuth(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			response.Abort(c, http.StatusUnauthorized, "AUTH_HEADER_MISSING", "Missing Authorization header")
			return
		}

		tokenStr, ok := strings.CutPrefix(h, "Bearer ")
		tokenStr = strings.TrimSpace(tokenStr)
		if !ok || tokenStr == "" {
			response.Abort(c, http.StatusUnauthorized, "INVALID_AUTH_FORMAT", "Authorization header must be Bearer <token>")
			return
		}

		claims, err := jwtService.ValidateToken(tokenStr)
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// Actor returns the authenticated caller. ok is false on routes not behind
// JWTAuth.
func Actor(c *gin.Context) (domain.Actor, bool) {
	id := c.GetInt64(ctxUserID)
	if id == 0 {
		return domain.Actor{}, false
	}
	return domain.Actor{ID: id, Role: domain.UserRole(c.GetString(ctxRole))}, true
}
