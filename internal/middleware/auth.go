package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-engine/pkg/auth"
)

const (
	ContextUserID = "user_id"
	ContextClaims = "claims"
)

type AuthMiddleware struct {
	authorizer auth.Authorizer
}

func NewAuthMiddleware(authorizer auth.Authorizer) *AuthMiddleware {
	return &AuthMiddleware{authorizer: authorizer}
}

// Authenticate verifies the bearer token and sets the caller in context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return m.authenticate(false)
}

// AuthenticateWebSocket also accepts the token as a `token` query
// parameter, since browsers cannot set headers on the upgrade request.
func (m *AuthMiddleware) AuthenticateWebSocket() gin.HandlerFunc {
	return m.authenticate(true)
}

func (m *AuthMiddleware) authenticate(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			abort(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := m.authorizer.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// RequireScope rejects callers whose token lacks scope.
func (m *AuthMiddleware) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(ContextClaims)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if cl, ok := claims.(*auth.Claims); !ok || !cl.HasScope(scope) {
			abort(c, http.StatusForbidden, "missing scope "+scope)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:    status,
		Message: message,
		TraceID: c.GetString(ContextRequestID),
	})
}
