// Package errclass provides structured error classification for forge API and
// agent-run failures.
package errclass

import (
	"errors"
	"fmt"
	"time"
)

// Category represents the recovery class of a failure.
type Category int8

const (
	// CategoryTransient represents infrastructure flakes: rate limits, 5xx,
	// timeouts, connection resets, dirty-workspace artefacts. Retryable, and
	// never counted against the consecutive-failure threshold.
	CategoryTransient Category = iota
	// CategoryAuth represents credential problems (401, bad token, missing scope).
	CategoryAuth
	// CategoryResource represents missing or deleted targets (404/410).
	CategoryResource
	// CategoryLogic represents request errors the caller must fix (400/409/412/422).
	CategoryLogic
	// CategoryUnknown is the default for unclassified errors.
	CategoryUnknown
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryAuth:
		return "auth"
	case CategoryResource:
		return "resource"
	case CategoryLogic:
		return "logic"
	case CategoryUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified failure with recovery metadata.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable error message
	Hint       string        // Human recovery hint
	Category   Category      // Classified category
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Retry-After header value, if the server sent one
	ResetAt    time.Time     // Rate-limit window reset, if known
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error: %s", e.Category.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %v", e.Category.String(), e.Err)
	}
	return fmt.Sprintf("%s error: status %d", e.Category.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the retry executor may re-run the operation.
// Only transient failures retry; everything else propagates immediately.
func (e *Error) IsRetryable() bool {
	return e.Category == CategoryTransient
}

// Is checks if an error carries a specific category.
func Is(err error, category Category) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}

// CategoryOf returns the category of an error, or CategoryUnknown if the
// error was never classified.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnknown
}

// HintOf returns the recovery hint of a classified error, or empty.
func HintOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Hint
	}
	return ""
}

// New creates a classified error.
func New(category Category, message string) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Hint:     defaultHint(category),
	}
}

// NewWithStatus creates a classified error with an HTTP status.
func NewWithStatus(category Category, statusCode int, message string) *Error {
	return &Error{
		Category:   category,
		StatusCode: statusCode,
		Message:    message,
		Hint:       defaultHint(category),
	}
}

// NewWithCause creates a classified error wrapping another error.
func NewWithCause(category Category, cause error, message string) *Error {
	return &Error{
		Category: category,
		Err:      cause,
		Message:  message,
		Hint:     defaultHint(category),
	}
}

func defaultHint(category Category) string {
	switch category {
	case CategoryTransient:
		return "Temporary infrastructure issue; safe to retry."
	case CategoryAuth:
		return "Check that the credential is valid and has the required scopes."
	case CategoryResource:
		return "Verify the pull request, branch, or comment still exists."
	case CategoryLogic:
		return "Inspect the request payload; a validation or precondition failed."
	case CategoryUnknown:
		return "Unclassified failure; inspect the logs."
	default:
		return ""
	}
}
