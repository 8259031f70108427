// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// ErrUnauthorized indicates a request without an authenticated actor.
var ErrUnauthorized = errors.New("unauthorized")

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var partial *shared.PartialSuccessError
	var missing *shared.MissingFieldError
	switch {
	case errors.As(err, &partial):
		JSON(w, http.StatusMultiStatus, PartialSuccessBody{
			ProblemDetail: ProblemDetail{Type: "partial-success", Title: "Partial Success", Status: http.StatusMultiStatus, Detail: err.Error()},
			Committed:     partial.Committed,
		})
	case errors.As(err, &missing):
		JSON(w, http.StatusBadRequest, ProblemDetail{Type: "missing-required-field", Title: "Missing Required Field", Status: http.StatusBadRequest, Detail: err.Error(), Field: missing.Field})
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrNotReady):
		Problem(w, http.StatusConflict, "Not Ready", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
