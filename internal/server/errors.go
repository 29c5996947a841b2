package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/invora/internal/invoice/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Conflict context, present on 409 responses so the caller can refetch
	// and decide whether to retry.
	CurrentState         string `json:"current_state,omitempty"`
	CurrentReviewVersion *int64 `json:"current_review_version,omitempty"`

	Field string `json:"field,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware maps domain errors collected on the context to a
// JSON error body with the right status code.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var conflict *invoicedomain.ConflictError
	if errors.As(err, &conflict) {
		version := conflict.CurrentVersion
		return http.StatusConflict, errorPayload{
			Type:                 "conflict",
			Message:              conflict.Error(),
			CurrentState:         string(conflict.CurrentState),
			CurrentReviewVersion: &version,
		}
	}

	var invalidTransition *invoicedomain.InvalidTransitionError
	if errors.As(err, &invalidTransition) {
		return http.StatusConflict, errorPayload{
			Type:         "conflict",
			Message:      invalidTransition.Error(),
			CurrentState: string(invalidTransition.Current),
		}
	}

	var invalidInput *invoicedomain.InvalidInputError
	if errors.As(err, &invalidInput) {
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: invalidInput.Error(),
			Field:   invalidInput.Field,
		}
	}

	switch {
	case errors.Is(err, invoicedomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "invoice not found",
		}
	case errors.Is(err, invoicedomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, invoicedomain.ErrInvalidInput):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, invoicedomain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "extraction provider unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
