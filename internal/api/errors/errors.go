package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/store"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnavailable represents a dependency that is not ready
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"` // Not serialized
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, code, message)
}

// FromError maps an error returned by the registry or the store to an API
// error. A wrapped *APIError is copied so the caller may annotate it.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	switch {
	case stderrors.As(err, &apiErr):
		cp := *apiErr
		return &cp
	case stderrors.Is(err, registry.ErrEmptyRegistrant):
		return ValidationError("invalid_registrant", err.Error())
	case stderrors.Is(err, registry.ErrEmptyEventKey):
		return ValidationError("invalid_event", err.Error())
	case stderrors.Is(err, store.ErrNotFound):
		return NotFoundError("not_found", err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return TimeoutError("request_timeout", "The request took too long to complete")
	}

	return InternalError("internal_error", err.Error())
}
