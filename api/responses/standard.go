// Package responses formats API replies; errors are sent as RFC 7807 problem documents.
package responses

import (
	"net/http"
	"time"

	"github.com/Aidin1998/xtconnector/pkg/errors"
	"github.com/gin-gonic/gin"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}, message ...string) {
	msg := "Operation successful"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}

	c.JSON(http.StatusOK, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Error sends an RFC 7807 problem derived from err.
func Error(c *gin.Context, err error) {
	problem := errors.ProblemFromError(err, c.Request.URL.Path)
	if traceID := getTraceID(c); traceID != "" {
		problem.WithExtra("trace_id", traceID)
	}
	problem.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}

// BadRequest sends a 400 validation problem.
func BadRequest(c *gin.Context, field, detail string) {
	Error(c, errors.NewValidationError(field, detail, nil))
}

// getTraceID extracts trace ID from context
func getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}
