// Package apierrors implements the error taxonomy of the personalization
// gateway: validation, configuration, downstream and unhandled failures,
// each mapped to one of the HTTP statuses the gateway is allowed to return.
package apierrors

import (
	"fmt"
	"net/http"
)

// Kind is the broad error taxonomy category.
type Kind string

const (
	KindValidation    Kind = "Validation"
	KindConfiguration Kind = "Configuration"
	KindDownstream    Kind = "Downstream"
	KindUnhandled     Kind = "Unhandled"
)

// APIError is the structured error the router serializes as the response
// body envelope {type, code, message}.
type APIError struct {
	Type    Kind   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// StatusCode returns the HTTP status associated with the error.
func (e *APIError) StatusCode() int {
	if e.status != 0 {
		return e.status
	}
	switch e.Type {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusNotFound
	case KindDownstream:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails attaches free-form diagnostic text (e.g. a stack trace) to
// the error. Intended for KindUnhandled errors only.
func (e *APIError) WithDetails(details string) *APIError {
	e.Details = details
	return e
}

func newErr(status int, kind Kind, code, message string) *APIError {
	return &APIError{Type: kind, Code: code, Message: message, status: status}
}

// Validation creates a 400 validation error.
func Validation(code, message string) *APIError {
	return newErr(http.StatusBadRequest, KindValidation, code, message)
}

// NotFound creates a 404 configuration-gap error (missing namespace,
// recommender, action, or variation).
func NotFound(code, message string) *APIError {
	return newErr(http.StatusNotFound, KindConfiguration, code, message)
}

// Misconfigured creates a 500 configuration error (bad experiment,
// evaluator, or metadata type).
func Misconfigured(code, message string) *APIError {
	return newErr(http.StatusInternalServerError, KindConfiguration, code, message)
}

// Throttled creates a 429 downstream throttling error.
func Throttled(code, message string) *APIError {
	return newErr(http.StatusTooManyRequests, KindDownstream, code, message)
}

// Downstream creates a 500 downstream error, preserving the backend's own
// error code in Code.
func Downstream(code, message string) *APIError {
	return newErr(http.StatusInternalServerError, KindDownstream, code, message)
}

// Internal creates a 500 unhandled error.
func Internal(message string) *APIError {
	return newErr(http.StatusInternalServerError, KindUnhandled, "InternalError", message)
}

// As extracts an *APIError from err, wrapping it as an unhandled 500 if it
// isn't already one.
func As(err error) *APIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*APIError); ok {
		return ae
	}
	return Internal(err.Error())
}
