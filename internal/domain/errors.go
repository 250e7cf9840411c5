package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidState indicates the operation is not legal in the current status
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden indicates the caller may not act on the resource
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates a concurrent writer changed the record first
	ErrConflict = errors.New("version conflict")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
)
