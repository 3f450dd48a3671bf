package llm

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is the base error type for completion failures.
type APIError struct {
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Concrete error classes. AuthenticationError is the only class the run
// treats as fatal; the rest are soft failures.

type AuthenticationError struct{ APIError }
type RateLimitError struct{ APIError }
type ServerError struct{ APIError }
type RequestTimeoutError struct{ APIError }
type AbortError struct{ APIError }
type ConfigurationError struct{ APIError }

// IsAuthError reports whether err is an authentication-class failure
// (bad or missing credentials). Callers stop the run on these instead of
// looping past them.
func IsAuthError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *AuthenticationError, *ConfigurationError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *RequestTimeoutError:
		return true
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// classifyError converts a provider error into the taxonomy above by
// inspecting the message text. gollm surfaces provider failures as opaque
// errors, so string matching is the only signal available.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "invalid x-api-key"),
		strings.Contains(lower, "authentication"):
		return &AuthenticationError{APIError{Message: msg, Cause: err}}
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return &RateLimitError{APIError{Message: msg, Cause: err}}
	case strings.Contains(lower, "500"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "internal server"):
		return &ServerError{APIError{Message: msg, Cause: err}}
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return &RequestTimeoutError{APIError{Message: msg, Cause: err}}
	case strings.Contains(lower, "context canceled"):
		return &AbortError{APIError{Message: msg, Cause: err}}
	default:
		return &APIError{Message: msg, Cause: err}
	}
}
