// Package middleware contains Gin middleware shared across the signaling
// HTTP and WebSocket surfaces.
package middleware

import (
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns (or propagates) a correlation id for the request
// and stashes it both on the Gin context, for handlers that read it
// directly, and on the request's context.Context, so logging.Info/Warn/
// Error calls made with c.Request.Context() downstream carry a
// "correlationId" field without the handler threading it through by hand.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(
			logging.WithCorrelationContext(c.Request.Context(), correlationID),
		)

		c.Next()
	}
}
