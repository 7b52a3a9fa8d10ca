package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures the core surfaces to callers. Transport
// layers map kinds to status codes; the core never sees HTTP.
type ErrorKind string

const (
	ErrInvalidInput          ErrorKind = "invalid_input"
	ErrNotFound              ErrorKind = "not_found"
	ErrConflict              ErrorKind = "conflict"
	ErrRateLimited           ErrorKind = "rate_limited"
	ErrQueueFull             ErrorKind = "queue_full"
	ErrTimeout               ErrorKind = "timeout"
	ErrDependencyUnavailable ErrorKind = "dependency_unavailable"
	ErrInternal              ErrorKind = "internal"
)

// Error is a classified engine error. RetryAfter is set only for
// rate_limited.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

// NewError builds a classified error without a cause.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError builds a classified error around a cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the classification from an error chain; unclassified
// errors report internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// RetryAfterOf extracts a retry hint from an error chain, zero if none.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
