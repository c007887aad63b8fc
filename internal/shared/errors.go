package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrUnprocessable indicates well-formed input that the current state rejects.
	ErrUnprocessable = errors.New("unprocessable request")
	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicate indicates a create collided with an existing resource.
	ErrDuplicate = errors.New("duplicate entry")
)
