package middleware

import (
	"strings"

	"medlink/internal/core/services"
	"medlink/pkg/errors"
	"medlink/pkg/logger"

	"github.com/gin-gonic/gin"
)

const subjectKey = "subject"

// AuthMiddleware requires a valid bearer token. The websocket route may pass the
// token as ?access_token= since browsers cannot set headers on upgrade requests.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Error(errors.NewUnauthorizedError("authorization header required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), 401))
			c.Abort()
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Request = c.Request.WithContext(logger.WithSubject(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
		return "", false
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// Subject returns the token subject set by AuthMiddleware.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
