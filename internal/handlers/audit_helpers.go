package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/observability"
	"dm-service/internal/telemetry"
)

const requestIDContextKey = "requestID"

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}

	requestID := c.GetHeader(observability.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func (h *ChatHandler) emitAudit(c *gin.Context, level, action, text string, fields map[string]string) {
	h.audit.Emit(c.Request.Context(), telemetry.AuditEvent{
		Level:     level,
		Action:    action,
		Text:      text,
		RequestID: requestIDFromContext(c),
		UserID:    c.GetString("userID"),
		Fields:    fields,
	})
}
