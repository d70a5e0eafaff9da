// Package errors provides the typed error taxonomy shared by every layer of
// the service. Each error carries a Code that transports map to their own
// status codes, plus the offending field or resource when one is known.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error.
type Code string

const (
	ErrCodeNotFound            Code = "NOT_FOUND"
	ErrCodeInvalidInput        Code = "INVALID_INPUT"
	ErrCodeConfiguration       Code = "CONFIGURATION_ERROR"
	ErrCodeInvalidTransition   Code = "INVALID_TRANSITION"
	ErrCodeForbidden           Code = "FORBIDDEN"
	ErrCodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	ErrCodeConflict            Code = "CONFLICT"
	ErrCodeDegraded            Code = "DEPENDENCY_DEGRADED"
	ErrCodeInternal            Code = "INTERNAL"
)

// Error is the concrete error type returned by the service.
type Error struct {
	Code     Code
	Message  string
	Field    string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.ErrConcurrencyConflict) works on wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Field == "" && t.Resource == ""
}

// Sentinels for errors.Is comparisons. They match any *Error with the same code.
var (
	ErrNotFound            = &Error{Code: ErrCodeNotFound}
	ErrInvalidInput        = &Error{Code: ErrCodeInvalidInput}
	ErrConfiguration       = &Error{Code: ErrCodeConfiguration}
	ErrInvalidTransition   = &Error{Code: ErrCodeInvalidTransition}
	ErrForbidden           = &Error{Code: ErrCodeForbidden}
	ErrConcurrencyConflict = &Error{Code: ErrCodeConcurrencyConflict}
	ErrConflict            = &Error{Code: ErrCodeConflict}
	ErrDegraded            = &Error{Code: ErrCodeDegraded}
)

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Resource: resource,
	}
}

// InvalidInput reports a request field that failed validation.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// Configuration reports a missing or inconsistent step configuration.
func Configuration(field, message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message, Field: field}
}

// InvalidTransition reports an action that is not legal in the current state.
func InvalidTransition(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidTransition, Message: message, Field: field}
}

// Forbidden reports an actor that may not act on the resource.
func Forbidden(field, message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message, Field: field}
}

// ConcurrencyConflict reports an optimistic version mismatch.
func ConcurrencyConflict(resource, id string, expectedVersion int64) *Error {
	return &Error{
		Code:     ErrCodeConcurrencyConflict,
		Message:  fmt.Sprintf("%s %s was modified concurrently (expected version %d)", resource, id, expectedVersion),
		Field:    "version",
		Resource: resource,
	}
}

// Conflict reports a uniqueness violation such as a duplicate active workflow.
func Conflict(field, message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Field: field}
}

// Degraded reports a collaborator that failed; callers usually log it and
// continue with a best-effort default.
func Degraded(dependency string, err error) *Error {
	return &Error{
		Code:     ErrCodeDegraded,
		Message:  fmt.Sprintf("%s unavailable", dependency),
		Resource: dependency,
		Err:      err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// FieldOf returns the offending field recorded on err, if any.
func FieldOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Retryable reports whether a caller may retry after re-reading state.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeConcurrencyConflict, ErrCodeDegraded:
		return true
	}
	return false
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConcurrencyConflict, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeDegraded:
		return http.StatusServiceUnavailable
	case ErrCodeConfiguration, ErrCodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Is is errors.Is from the standard library, re-exported so callers need a
// single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
