package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/logging"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error            string             `json:"error"`
	Message          string             `json:"message"`
	RemainingSeconds *int64             `json:"remainingSeconds,omitempty"`
	Violations       []apperr.Violation `json:"violations,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindPolicyViolation, apperr.KindResourceLimit:
		return http.StatusUnprocessableEntity
	case apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindTemporalGuard:
		return http.StatusTooEarly
	case apperr.KindSecurityViolation:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse. Unclassified errors are
// logged and reported without detail.
func respondError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An unexpected error occurred",
		})
		return
	}

	body := ErrorResponse{
		Error:      e.Code,
		Message:    e.Message,
		Violations: e.Violations,
	}
	if e.Kind == apperr.KindTemporalGuard && e.Remaining > 0 {
		secs := e.RemainingSeconds()
		body.RemainingSeconds = &secs
	}
	// Closed windows are final, not retry hints.
	if errors.Is(err, apperr.ErrCancelWindowExpired) || errors.Is(err, apperr.ErrWindowExpired) {
		c.AbortWithStatusJSON(http.StatusGone, body)
		return
	}
	c.AbortWithStatusJSON(statusFor(e.Kind), body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}
