package common

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the fixed taxonomy every adapter maps exchange errors into.
type ErrorKind string

const (
	ErrConnection       ErrorKind = "connection"
	ErrAuth             ErrorKind = "auth"
	ErrOrderRejected    ErrorKind = "order_rejected"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrInvalidParameter ErrorKind = "invalid_parameter"
	ErrUnknown          ErrorKind = "unknown"
)

// Error is a normalized exchange error. Adapters are responsible for mapping
// raw exchange codes into one of the ErrorKind values.
type Error struct {
	Kind       ErrorKind
	Message    string
	OrderID    string        // set for order_rejected when known
	RetryAfter time.Duration // set for rate_limited
	Code       int           // raw exchange code, when present
	Err        error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// ConnectionErr wraps a transport failure.
func ConnectionErr(err error) *Error {
	return &Error{Kind: ErrConnection, Message: err.Error(), Err: err}
}

// RejectedErr reports an exchange order rejection.
func RejectedErr(reason, orderID string) *Error {
	return &Error{Kind: ErrOrderRejected, Message: reason, OrderID: orderID}
}

// RateLimitedErr reports a rate-limit rejection with a backoff hint.
func RateLimitedErr(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       ErrRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %v", retryAfter),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the taxonomy kind from err, or ErrUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnknown
}

// IsRetryable reports whether the adapter may retry the call.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrConnection, ErrRateLimited:
		return true
	}
	return false
}
