package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"uploadfinalizer/internal/auth"
)

const contextKeySubject = "subject"

// RequireAuth verifies the caller's Clerk session token and stashes
// its subject claim in the request context. Unlike the teacher's
// AuthMiddleware, it never syncs a user row: this service has no user
// domain of its own, only an identity string kept in the request
// context. No handler scopes uploads by that subject.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			sendError(c, http.StatusUnauthorized, "unauthorized: missing or malformed bearer token", nil)
			return
		}

		claims, err := auth.VerifyToken(parts[1])
		if err != nil {
			sendError(c, http.StatusUnauthorized, "unauthorized: invalid token", err)
			return
		}

		c.Set(contextKeySubject, claims.Subject)
		c.Next()
	}
}

func subjectFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextKeySubject)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
