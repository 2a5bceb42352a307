package apperr

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"syscall"
)

// =============================================================================
// Error Classification
// =============================================================================

// ErrorType is the user-facing failure category.
type ErrorType string

const (
	TypeNetwork        ErrorType = "network"
	TypeValidation     ErrorType = "validation"
	TypeAuthentication ErrorType = "authentication"
	TypeAuthorization  ErrorType = "authorization"
	TypeServer         ErrorType = "server"
	TypeClient         ErrorType = "client"
	TypeUnknown        ErrorType = "unknown"
)

// User messages
const (
	MsgNetwork        = "Connection problem. Please check your connection and try again."
	MsgAuthentication = "Your session has expired. Please log in again."
	MsgAuthorization  = "You don't have permission to perform this action."
	MsgServer         = "The server encountered an error. Please try again later."
	MsgClient         = "The request could not be completed."
	MsgCircuitOpen    = "The service is temporarily unavailable. Please try again shortly."
	MsgUnknown        = "An unexpected error occurred."
)

// Classification is what crosses from the sync layer into UI-facing code.
type Classification struct {
	Type        ErrorType `json:"type"`
	Retryable   bool      `json:"retryable"`
	UserMessage string    `json:"user_message"`
	Code        string    `json:"code,omitempty"`
}

// Transient reports whether the failure should be shown as a connection notice
// rather than a definitive error.
func (c Classification) Transient() bool {
	return c.Type == TypeNetwork || c.Type == TypeServer
}

var (
	serverStatusPattern = regexp.MustCompile(`\b5\d{2}\b`)
	clientStatusPattern = regexp.MustCompile(`\b4\d{2}\b`)
)

// Classify maps any error to a Classification. It is total: nil yields the
// zero value and unrecognised errors yield TypeUnknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	// Already classified at a lower boundary.
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Classification
	}

	appErr, hasCode := AsAppError(err)
	code := ""
	if hasCode {
		code = appErr.Code
	}

	switch code {
	case CodeNetworkError, CodeTimeout, CodeOffline:
		return Classification{Type: TypeNetwork, Retryable: true, UserMessage: MsgNetwork, Code: code}

	case CodeValidation:
		msg := appErr.Message
		if field := appErr.Field(); field != "" {
			msg = field + ": " + msg
		}
		return Classification{Type: TypeValidation, Retryable: false, UserMessage: msg, Code: code}

	case CodeUnauthorized:
		return Classification{Type: TypeAuthentication, Retryable: false, UserMessage: MsgAuthentication, Code: code}

	case CodeForbidden:
		return Classification{Type: TypeAuthorization, Retryable: false, UserMessage: MsgAuthorization, Code: code}

	case CodeCircuitOpen:
		return Classification{Type: TypeServer, Retryable: true, UserMessage: MsgCircuitOpen, Code: code}
	}

	text := err.Error()
	if serverStatusPattern.MatchString(text) {
		return Classification{Type: TypeServer, Retryable: true, UserMessage: MsgServer, Code: code}
	}
	if clientStatusPattern.MatchString(text) {
		return Classification{Type: TypeClient, Retryable: false, UserMessage: MsgClient, Code: code}
	}

	if code == "" && isTransport(err) {
		return Classification{Type: TypeNetwork, Retryable: true, UserMessage: MsgNetwork}
	}

	return Classification{Type: TypeUnknown, Retryable: false, UserMessage: MsgUnknown, Code: code}
}

// IsRetryable is the default retry predicate.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// isTransport matches failures raised below the application protocol.
func isTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// =============================================================================
// ClassifiedError
// =============================================================================

// ClassifiedError is the single error shape surfaced past the sync boundary.
type ClassifiedError struct {
	Classification
	Err error
}

// NewClassified classifies err exactly once. Returns nil for a nil error.
func NewClassified(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}
	return &ClassifiedError{Classification: Classify(err), Err: err}
}

func (e *ClassifiedError) Error() string {
	return e.UserMessage
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}
