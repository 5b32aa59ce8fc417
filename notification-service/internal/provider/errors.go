package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes recorded on failed delivery attempts.
const (
	CodeNoProvider         = "no_provider_available"
	CodeInvalidRecipient   = "invalid_recipient"
	CodeInvalidRequest     = "invalid_request"
	CodeAuthentication     = "authentication_failed"
	CodeRateLimited        = "rate_limited"
	CodeTimeout            = "timeout"
	CodeNetwork            = "network_error"
	CodeProviderError      = "provider_error"
	CodeEndpointSuspended  = "endpoint_suspended"
	CodeEndpointInactive   = "endpoint_inactive"
	CodeInvalidSecret      = "invalid_endpoint_secret"
	CodeNoRecipientsOnline = "no_recipients_online"
)

// Error is a classified provider failure.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return e.Code + ": " + e.Message
}

// NewError creates an Error.
func NewError(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// IsRetryable reports whether err may succeed on a later attempt.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// ErrorCode returns the code of a classified error.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeProviderError
}

// classifyStatus maps a non-success HTTP status to an Error.
func classifyStatus(status int, body string) *Error {
	if len(body) > 512 {
		body = body[:512]
	}
	e := &Error{Code: CodeProviderError, Message: body, StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code, e.Retryable = CodeRateLimited, true
	case status == http.StatusRequestTimeout:
		e.Code, e.Retryable = CodeTimeout, true
	case status >= 500:
		e.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = CodeAuthentication
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Code = CodeInvalidRequest
	}
	return e
}

// classifyTransport maps a failed round trip to an Error.
func classifyTransport(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &Error{Code: CodeNetwork, Message: err.Error(), Retryable: true}
}
