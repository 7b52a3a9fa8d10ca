// Package idxr provides a Go client for the idxr identity resolution API.
package idxr

import (
	"errors"
	"fmt"
)

// Error represents an error from the idxr API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter int // seconds; populated on 429 responses
}

func (e *Error) Error() string {
	return fmt.Sprintf("idxr: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsTimeout returns true if the error is a 504 (Gateway Timeout).
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 504
	}
	return false
}
