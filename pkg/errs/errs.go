// Package errs defines the request error taxonomy shared by the market core
// and the HTTP layer. Every error surfaced to a caller is one of the four
// classes below; anything else is treated as an internal error.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Class discriminates the error families the API exposes.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassAuth
	ClassBusiness
	ClassNotFound
)

// Error carries a class and a human-readable message. Business and validation
// messages are part of the API contract and are returned verbatim.
type Error struct {
	Class   Class
	Message string
}

func (e *Error) Error() string { return e.Message }

// Validation reports malformed or missing request input (HTTP 400).
func Validation(format string, args ...interface{}) *Error {
	return &Error{Class: ClassValidation, Message: fmt.Sprintf(format, args...)}
}

// Auth reports a failed authentication. The message is fixed so callers
// cannot tell which sub-check failed.
func Auth() *Error {
	return &Error{Class: ClassAuth, Message: "invalid authorization"}
}

// Business reports a domain rule violation (HTTP 403 with a specific reason).
func Business(format string, args ...interface{}) *Error {
	return &Error{Class: ClassBusiness, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing resource (HTTP 404).
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Class: ClassNotFound, Message: fmt.Sprintf(format, args...)}
}

// ClassOf extracts the class of err, or ClassInternal for unknown errors.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	switch ClassOf(err) {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassAuth, ClassBusiness:
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
