// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := Classify(err)
	detail := ""
	if status < http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}

// Classify returns the HTTP status and problem title for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrDuplicate), errors.Is(err, docstore.ErrAlreadyExists):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, docstore.ErrRetryExhausted):
		return http.StatusServiceUnavailable, "Contention"
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrUnprocessable):
		return http.StatusUnprocessableEntity, "Unprocessable"
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
