package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/service"
)

// writeError maps service errors to status codes. fallback is the message
// used when the cause should not reach the client.
func writeError(c *gin.Context, err error, fallback string) {
	var validation *service.ValidationError
	var limited *service.RateLimitedError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &limited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": limited.Reason})
	case service.IsUpload(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case service.IsTransport(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fallback})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
