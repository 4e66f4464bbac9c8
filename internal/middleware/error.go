package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notify-engine/internal/repository"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			log.Error().
				Err(e.Err).
				Str("request_id", traceID).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Interface("meta", e.Meta).
				Msg("Request error")
		}

		lastErr := c.Errors.Last().Err
		status, message := StatusFor(lastErr)
		c.JSON(status, ErrorResponse{
			Code:    status,
			Message: message,
			TraceID: traceID,
		})
	}
}

// StatusFor maps an error to its HTTP status and client-facing message.
// Internal errors are not echoed to the client.
func StatusFor(err error) (int, string) {
	var (
		withStatus interface{ StatusCode() int }
		invalid    *apperrors.PermanentValidationError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case apperrors.IsBrokerUnavailable(err):
		return http.StatusServiceUnavailable, "message broker unavailable"
	case errors.As(err, &withStatus):
		status := withStatus.StatusCode()
		if status >= 500 {
			return status, "internal server error"
		}
		return status, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
