package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
)

// RequestID makes sure every request carries an X-Request-Id and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(observability.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(observability.HeaderRequestID, id)
		}
		c.Set("requestID", id)
		c.Header(observability.HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog writes one line per request.
func AccessLog(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		if status >= 500 {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("requestID")).
			Str("user_id", c.GetString("userID")).
			Msg("request")
	}
}
