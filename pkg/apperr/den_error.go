package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Transport errors
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeOffline      = "OFFLINE"

	// Request errors
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"

	// Resilience errors
	CodeCircuitOpen = "CIRCUIT_BREAKER_OPEN"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured error raised by a remote operation.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Code == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Field returns the field name attached by the caller, if any.
func (e *AppError) Field() string {
	if e.Details == nil {
		return ""
	}
	if f, ok := e.Details["field"].(string); ok {
		return f
	}
	return ""
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Transport errors
func Network(err error) *AppError {
	return &AppError{
		Code:    CodeNetworkError,
		Message: "network request failed",
		Err:     err,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

func Offline() *AppError {
	return &AppError{
		Code:    CodeOffline,
		Message: "client is offline",
	}
}

// Request errors
func Validation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidField(field, reason string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: reason,
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// CircuitOpen is returned by a breaker that rejected a call without running it.
func CircuitOpen(name string) *AppError {
	return &AppError{
		Code:    CodeCircuitOpen,
		Message: fmt.Sprintf("circuit breaker %q is open", name),
		Status:  http.StatusServiceUnavailable,
		Details: map[string]any{"breaker": name},
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
	}
}

// FromStatus builds an AppError from an HTTP response. The status is kept in
// the message so that status-shaped classification still works after the
// error has been flattened to text.
func FromStatus(status int, message string) *AppError {
	if message == "" {
		message = http.StatusText(status)
	}
	text := fmt.Sprintf("%d %s", status, message)

	switch {
	case status == http.StatusUnauthorized:
		return &AppError{Code: CodeUnauthorized, Message: message, Status: status}
	case status == http.StatusForbidden:
		return &AppError{Code: CodeForbidden, Message: message, Status: status}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &AppError{Code: CodeValidation, Message: message, Status: status}
	case status == http.StatusNotFound:
		return &AppError{Code: CodeNotFound, Message: text, Status: status}
	case status == http.StatusConflict:
		return &AppError{Code: CodeConflict, Message: text, Status: status}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &AppError{Code: CodeTimeout, Message: text, Status: status}
	default:
		// 5xx and the remaining 4xx keep only the status-shaped text.
		return &AppError{Message: text, Status: status}
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in the chain, or "".
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}
