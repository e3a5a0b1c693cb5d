package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-relay/internal/middleware"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// userIDFromContext returns the authenticated caller, or 0 when there is none.
func userIDFromContext(c *gin.Context) int64 {
	return c.GetInt64(middleware.UserIDKey)
}
