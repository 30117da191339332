// Package llmerrors provides structured error classification and retry
// budgets for LLM API interactions.
package llmerrors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents categories of LLM errors for retry logic.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors (too long, violates policy).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified LLM error.
type Error struct {
	Err     error
	Message string
	Type    ErrorType
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(errorType ErrorType, message string, err error) *Error {
	return &Error{Type: errorType, Message: message, Err: err}
}

// TypeOf extracts the error type, classifying unwrapped errors by shape.
func TypeOf(err error) ErrorType {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Type
	}
	return classify(err)
}

// IsRetryable reports whether errors of this classification are worth
// retrying.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeUnknown:
		return false
	default:
		return false
	}
}

// Retry budgets per error type.
const (
	retriesRateLimit     = 6
	retriesTransient     = 4
	retriesEmptyResponse = 5
)

// MaxRetries returns the retry budget for an error.
func MaxRetries(err error) int {
	switch TypeOf(err) {
	case ErrorTypeRateLimit:
		return retriesRateLimit
	case ErrorTypeTransient:
		return retriesTransient
	case ErrorTypeEmptyResponse:
		return retriesEmptyResponse
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeUnknown:
		return 0
	default:
		return 0
	}
}

// InitialDelay returns the starting backoff delay for an error.
func InitialDelay(err error) time.Duration {
	if TypeOf(err) == ErrorTypeRateLimit {
		return 2 * time.Second
	}
	return time.Second
}

// classify maps raw SDK/transport errors onto the taxonomy by message
// shape. Providers that return structured errors wrap them before this is
// reached.
func classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return ErrorTypeAuth
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "context length") || strings.Contains(msg, "too long"):
		return ErrorTypeBadPrompt
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "529") ||
		strings.Contains(msg, "overloaded") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout"):
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}
