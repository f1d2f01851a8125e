// Package errors provides coded, categorized errors for the media cache.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache and prefetch operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Probe errors (size discovery)
	ErrCodeProbeFailed ErrorCode = "PROBE_FAILED"
	ErrCodeSizeUnknown ErrorCode = "SIZE_UNKNOWN"

	// Fetch errors
	ErrCodeFetchFailed  ErrorCode = "FETCH_FAILED"
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"
	ErrCodeRangeInvalid ErrorCode = "RANGE_INVALID"
	ErrCodeNotFound     ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"

	// Cache errors
	ErrCodeEntryRejected ErrorCode = "CACHE_ENTRY_REJECTED"

	// State errors
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrCodeClosed         ErrorCode = "COMPONENT_CLOSED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryProbe         ErrorCategory = "probe"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryCache         ErrorCategory = "cache"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// MediaCacheError represents a structured error with context.
type MediaCacheError struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *MediaCacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *MediaCacheError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, so errors.Is(err, New(ErrCodeFetchFailed, "")) works.
func (e *MediaCacheError) Is(target error) bool {
	if t, ok := target.(*MediaCacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *MediaCacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates a new error with defaults derived from the code.
func New(code ErrorCode, message string) *MediaCacheError {
	return &MediaCacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(code ErrorCode, message string, cause error) *MediaCacheError {
	return New(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeProbeFailed, ErrCodeSizeUnknown:
		return CategoryProbe
	case ErrCodeFetchFailed, ErrCodeFetchTimeout, ErrCodeRangeInvalid, ErrCodeNotFound, ErrCodeCircuitOpen:
		return CategoryFetch
	case ErrCodeEntryRejected:
		return CategoryCache
	case ErrCodeNotInitialized, ErrCodeClosed:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeFetchTimeout, ErrCodeProbeFailed:
		return true
	}
	return false
}

// HasCode reports whether err or any error it wraps carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*MediaCacheError); ok && e.Code == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if HasCode(inner, code) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *MediaCacheError) WithDetail(key string, value interface{}) *MediaCacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *MediaCacheError) WithComponent(component string) *MediaCacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *MediaCacheError) WithOperation(operation string) *MediaCacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *MediaCacheError) WithCause(cause error) *MediaCacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag
func (e *MediaCacheError) WithRetryable(retryable bool) *MediaCacheError {
	e.Retryable = retryable
	return e
}
