package upstream

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionFailed = errors.New("connection failed")
	ErrBadResponse      = errors.New("bad response")
)

// ErrorType represents the category of an upstream failure
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeDecode     ErrorType = "decode"
	ErrorTypeCanceled   ErrorType = "canceled"
)

// Error is returned by every call to an external API
type Error struct {
	Type       ErrorType
	Op         string // e.g. "providers.search"
	Service    string // e.g. "registry"
	StatusCode int
	Err        error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps the error type onto the package sentinels
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == 429
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrBadResponse:
		return e.Type == ErrorTypeDecode || (e.Type == ErrorTypeAPI && e.StatusCode != 429)
	}
	return false
}

func newError(t ErrorType, service, op string, err error) *Error {
	return &Error{
		Type:      t,
		Service:   service,
		Op:        op,
		Err:       err,
		Retryable: t == ErrorTypeConnection,
	}
}

func (e *Error) withStatusCode(code int) *Error {
	e.StatusCode = code
	e.Retryable = code >= 500 || code == 429 || code == 408
	return e
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	var upErr *Error
	if errors.As(err, &upErr) {
		return upErr.Retryable
	}
	return false
}
