package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/auth"
	"chat-relay/internal/observability"
	"chat-relay/internal/telemetry"
)

const (
	UserIDKey   = "userID"
	DeviceIDKey = "deviceID"
)

// AuthMiddleware validates the bearer token and stores the caller's user id on the context.
func AuthMiddleware(validator auth.Validator, audit *telemetry.AuditEmitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			msg := "invalid authorization header"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing authorization"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			audit.Emit(c.Request.Context(), "WARN", "rejected access token on "+c.FullPath(), observability.RequestIDFromRequest(c.Request), 0)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(DeviceIDKey, claims.DeviceID)
		c.Next()
	}
}
