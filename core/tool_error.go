package core

import (
	"fmt"
	"net/http"
)

// ErrorCategory classifies tool failures. The executor uses it to decide
// between retrying, failing fast, and escalating to the control loop.
type ErrorCategory string

const (
	// CategoryInputError indicates the request payload was malformed
	// Example: unknown column, syntax error in a statement
	CategoryInputError ErrorCategory = "INPUT_ERROR"

	// CategoryNotFound indicates the requested resource doesn't exist
	CategoryNotFound ErrorCategory = "NOT_FOUND"

	// CategoryRateLimit indicates the backend quota was exceeded
	CategoryRateLimit ErrorCategory = "RATE_LIMIT"

	// CategoryAuthError indicates authentication/authorization failure.
	// Never retryable.
	CategoryAuthError ErrorCategory = "AUTH_ERROR"

	// CategoryServiceError indicates the backend failed. Usually transient.
	CategoryServiceError ErrorCategory = "SERVICE_ERROR"
)

// ToolError represents a structured error from a tool invocation.
//
//	return nil, &core.ToolError{
//	    Code:      "UPSTREAM_UNAVAILABLE",
//	    Message:   "metrics API returned 503",
//	    Category:  core.CategoryServiceError,
//	    Retryable: true,
//	}
type ToolError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Category  ErrorCategory     `json:"category"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ToolError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ToolErrorFromStatus builds a ToolError from an HTTP status code returned
// by a backend. 408, 429 and 5xx are retryable; everything else is not.
func ToolErrorFromStatus(status int, message string) *ToolError {
	te := &ToolError{
		Code:    fmt.Sprintf("HTTP_%d", status),
		Message: message,
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		te.Category = CategoryAuthError
	case status == http.StatusNotFound:
		te.Category = CategoryNotFound
	case status == http.StatusTooManyRequests:
		te.Category = CategoryRateLimit
		te.Retryable = true
	case status == http.StatusRequestTimeout, status >= 500:
		te.Category = CategoryServiceError
		te.Retryable = true
	default:
		te.Category = CategoryInputError
	}
	return te
}

// HTTPStatusForCategory returns the appropriate HTTP status code for an error category.
func HTTPStatusForCategory(category ErrorCategory) int {
	switch category {
	case CategoryInputError:
		return http.StatusBadRequest // 400
	case CategoryNotFound:
		return http.StatusNotFound // 404
	case CategoryAuthError:
		return http.StatusUnauthorized // 401
	case CategoryRateLimit:
		return http.StatusTooManyRequests // 429
	case CategoryServiceError:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}
