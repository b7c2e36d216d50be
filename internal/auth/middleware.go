package auth

import (
	"errors"
	"net/http"
	"strings"

	"memberchat/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const ctxUserKey = "user"

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

func abortResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnapproved):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account pending approval", "kind": "unapproved"})
	case errors.Is(err, ErrExpired):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "membership expired", "kind": "expired"})
	case errors.Is(err, ErrUnauthenticated):
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "kind": "unauthenticated"})
	default:
		log.Error().Err(err).Msg("resolve identity")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Required 要求请求携带有效且通过审批/有效期校验的 Bearer token。
func Required(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := r.Resolve(c.Request.Context(), bearerToken(c))
		if err != nil {
			abortResolveError(c, err)
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// RequireRole 必须挂在 Required 之后。
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok || !allowed[user.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role", "kind": "forbidden"})
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok && u != nil
}

func GetUserID(c *gin.Context) uint {
	if u, ok := CurrentUser(c); ok {
		return u.ID
	}
	return 0
}
