package handlers

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
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

// audit emits an info-level audit record when an auditor is configured.
func audit(ctx context.Context, auditor Auditor, actor Actor, format string, args ...any) {
	if auditor == nil {
		return
	}
	userID := actor.UserID
	auditor.Emit(ctx, "info", fmt.Sprintf(format, args...), actor.RequestID, &userID)
}
