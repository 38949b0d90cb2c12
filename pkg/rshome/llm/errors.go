package llm

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorAuth                        // 401, 403
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorAuth:
		return "auth"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the kind warrants another attempt.
func (k ErrorKind) IsRetryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded
}

// APIError captures a non-200 response.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Kind classifies the error.
func (e *APIError) Kind() ErrorKind {
	return classifyAPIError(e.StatusCode, e.Body)
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") {
		return ErrorContext
	}
	if statusCode == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") {
		return ErrorRateLimit
	}
	if statusCode == 529 || strings.Contains(lower, "overloaded") {
		return ErrorOverloaded
	}

	switch {
	case statusCode == 400:
		return ErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return ErrorAuth
	case statusCode >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}
