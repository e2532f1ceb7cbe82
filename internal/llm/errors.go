package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeContextLength      ErrorCode = "context_length_exceeded"
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeAuthentication     ErrorCode = "authentication_error"
	CodeServerError        ErrorCode = "server_error"
	CodeTimeout            ErrorCode = "timeout"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeUnsupported        ErrorCode = "unsupported"
)

// retryableCodes are safe to retry without changing the request.
var retryableCodes = map[ErrorCode]bool{
	CodeRateLimited:        true,
	CodeTimeout:            true,
	CodeServiceUnavailable: true,
	CodeServerError:        true,
}

// ProviderError is the typed failure every adapter returns.
type ProviderError struct {
	Provider   string
	Code       ErrorCode
	Message    string
	StatusCode int // zero when no HTTP status applies
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// NewError builds a ProviderError with the code's default retryability.
func NewError(provider string, code ErrorCode, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: retryableCodes[code],
	}
}

// NewHTTPError classifies an HTTP failure status into the neutral
// taxonomy.
func NewHTTPError(provider string, statusCode int, message string) *ProviderError {
	code := CodeFromStatus(statusCode)
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryableCodes[code],
	}
}

// CodeFromStatus maps an HTTP status to an error code.
func CodeFromStatus(statusCode int) ErrorCode {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return CodeRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return CodeAuthentication
	case statusCode == http.StatusRequestEntityTooLarge:
		return CodeContextLength
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return CodeTimeout
	case statusCode == http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case statusCode >= 500:
		return CodeServerError
	case statusCode >= 400:
		return CodeInvalidRequest
	}
	return CodeServerError
}

// Unsupported is the canonical non-retryable error for a capability a
// provider does not offer.
func Unsupported(provider, what string) *ProviderError {
	return NewError(provider, CodeUnsupported, what+" not supported")
}

// IsRetryable reports whether err permits a retry. Unclassified errors
// are not retried.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CodeOf extracts the error code, or empty for unclassified errors.
func CodeOf(err error) ErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
