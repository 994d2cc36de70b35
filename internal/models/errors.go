package models

import (
	"errors"
	"fmt"
	"time"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConflict      = errors.New("operation conflicts with current state")
)

// AppError represents an application-level error with context
type AppError struct {
	Code    string
	Message string
	Err     error

	// RetryAfter is set on RATE_LIMITED errors so callers can surface
	// a Retry-After header.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrInvalidInput creates a validation error
func ErrInvalidInput(message string) error {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
	}
}

// ErrNotFoundWithMsg creates a not found error with custom message
func ErrNotFoundWithMsg(message string) error {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: message,
		Err:     ErrNotFound,
	}
}

// ErrConflictWithMsg creates a conflict error with custom message
func ErrConflictWithMsg(message string) error {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Err:     ErrConflict,
	}
}

// ErrNoEligibleRecipients is returned by campaign start when targeting
// resolves to an empty set. The campaign is failed before any dispatch.
func ErrNoEligibleRecipients(campaignID string) error {
	return &AppError{
		Code:    "NO_ELIGIBLE_RECIPIENTS",
		Message: fmt.Sprintf("campaign %s has no eligible recipients", campaignID),
	}
}

// ErrRateLimited creates a rate limit error carrying the retry-after hint.
// Only the interactive single-send path surfaces this to API callers;
// inside the dispatch pipeline rate limiting causes a task reschedule,
// never an error to the original caller.
func ErrRateLimited(retryAfter time.Duration) error {
	return &AppError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}
