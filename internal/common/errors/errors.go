// Package errors provides custom error types for the Companion bridge.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUpstream        = "UPSTREAM_ERROR"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeSessionBusy     = "SESSION_BUSY"
	ErrCodeSessionDead     = "SESSION_DEAD"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeValidationError = "VALIDATION_ERROR"
)

// OpenAI-compatible error type strings used in the response envelope.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// AppError represents an application-specific error with the HTTP status and
// OpenAI error type it maps to on the wire.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		Type:       TypeInvalidRequest,
		HTTPStatus: http.StatusNotFound,
	}
}

// UpstreamUnavailable creates an error for a failed Companion call.
func UpstreamUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUpstream,
		Message:    message,
		Type:       TypeServerError,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// SessionBusy creates an error for a session stuck busy past the wait cap.
func SessionBusy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    message,
		Type:       TypeServerError,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Timeout creates an error for a request that outlived the response timeout.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		Type:       TypeServerError,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		Type:       TypeServerError,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		Type:       TypeInvalidRequest,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Type:       appErr.Type,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		Type:       TypeServerError,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetType returns the OpenAI error type string for an error.
func GetType(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeServerError
}
