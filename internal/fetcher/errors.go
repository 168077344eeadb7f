package fetcher

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error that occurred during a fetch operation
type ErrorType string

const (
	// ErrorTypeNetwork indicates a network-level error (connection refused, DNS, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeRateLimit indicates the request was rejected due to rate limiting (HTTP 429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServer indicates a server error (HTTP 5xx)
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient indicates a client error (HTTP 4xx except 429)
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeNotFound indicates the source has no data for the item (HTTP 404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout indicates the request timed out
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeUnavailable indicates the source was short-circuited by its circuit breaker
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeUnknown indicates an error of unknown type
	ErrorTypeUnknown ErrorType = "unknown"
)

// FetchError represents a structured error from a source connector
type FetchError struct {
	Type       ErrorType
	Retryable  bool
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewNetworkError creates a network error
func NewNetworkError(cause error) *FetchError {
	return &FetchError{
		Type:      ErrorTypeNetwork,
		Retryable: true,
		Message:   "network request failed",
		Cause:     cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(statusCode int) *FetchError {
	return &FetchError{
		Type:       ErrorTypeRateLimit,
		Retryable:  true,
		StatusCode: statusCode,
		Message:    "rate limit exceeded",
	}
}

// NewServerError creates a server error
func NewServerError(statusCode int) *FetchError {
	return &FetchError{
		Type:       ErrorTypeServer,
		Retryable:  true,
		StatusCode: statusCode,
		Message:    "server returned an error",
	}
}

// NewClientError creates a client error
func NewClientError(statusCode int, message string) *FetchError {
	return &FetchError{
		Type:       ErrorTypeClient,
		Retryable:  false,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewNotFoundError creates an error for an item the source does not have
func NewNotFoundError(message string) *FetchError {
	return &FetchError{
		Type:       ErrorTypeNotFound,
		Retryable:  false,
		StatusCode: 404,
		Message:    message,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(cause error) *FetchError {
	return &FetchError{
		Type:      ErrorTypeTimeout,
		Retryable: true,
		Message:   "request timed out",
		Cause:     cause,
	}
}

// NewUnavailableError creates an error for a source whose circuit breaker is open
func NewUnavailableError(namespace string, cause error) *FetchError {
	return &FetchError{
		Type:      ErrorTypeUnavailable,
		Retryable: true,
		Message:   fmt.Sprintf("source %s is unavailable", namespace),
		Cause:     cause,
	}
}

// ClassifyHTTPError classifies an HTTP status code into an appropriate FetchError
func ClassifyHTTPError(statusCode int) *FetchError {
	switch {
	case statusCode == 429:
		return NewRateLimitError(statusCode)
	case statusCode == 408:
		return &FetchError{
			Type:       ErrorTypeTimeout,
			Retryable:  true,
			StatusCode: statusCode,
			Message:    "request timed out",
		}
	case statusCode >= 500:
		return NewServerError(statusCode)
	case statusCode == 404:
		return NewNotFoundError("no data for item")
	case statusCode >= 400:
		return NewClientError(statusCode, fmt.Sprintf("client error: HTTP %d", statusCode))
	default:
		return &FetchError{
			Type:       ErrorTypeUnknown,
			Retryable:  false,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("unexpected status code: %d", statusCode),
		}
	}
}

// IsRetryable reports whether err carries a retryable FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// QueryError reports a malformed query. It is raised before any item is
// fetched and aborts the whole sequence.
type QueryError struct {
	Field   string
	Message string
}

func (e *QueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid query: %s", e.Message)
	}
	return fmt.Sprintf("invalid query: field %q: %s", e.Field, e.Message)
}

// NewQueryError creates a query validation error
func NewQueryError(field, message string) *QueryError {
	return &QueryError{Field: field, Message: message}
}

// CacheMissError is returned in cache mode when an item has no cached
// payload. Switching to local_download recovers from it.
type CacheMissError struct {
	ID    string
	Cause error
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("cache miss for %s", e.ID)
}

func (e *CacheMissError) Unwrap() error {
	return e.Cause
}

// ParseError reports a payload that did not match the structure expected
// for its item. Payloads are deterministic, so parse errors are never retried.
type ParseError struct {
	ID      string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.ID, e.Message, e.Cause)
	}
	return fmt.Sprintf("parse %s: %s", e.ID, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a parse error for the given item identifier
func NewParseError(id, message string, cause error) *ParseError {
	return &ParseError{ID: id, Message: message, Cause: cause}
}

// ExhaustedError is returned when Next is called on a completed sequence.
type ExhaustedError struct {
	Count int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sequence exhausted after %d items", e.Count)
}
