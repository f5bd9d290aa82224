// Package errors classifies failures of outbound calls to the billing API
// and the AI gateway so callers can decide whether to retry or re-auth.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched by ClientError.Is according to the error type.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
)

// ErrorType is the failure class of a ClientError.
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

var sentinelTypes = []struct {
	sentinel error
	typ      ErrorType
}{
	{ErrUnauthorized, ErrorTypeAuth},
	{ErrForbidden, ErrorTypeAuth},
	{ErrTimeout, ErrorTypeTimeout},
	{ErrConnectionFailed, ErrorTypeConnection},
	{ErrInvalidInput, ErrorTypeValidation},
}

// ClientError is a failed call against the billing API or the AI gateway.
type ClientError struct {
	Type       ErrorType
	Op         string // e.g. "fetch_subscription", "ai_connect"
	Endpoint   string
	Err        error
	StatusCode int // HTTP status, 0 when the call never got a response
	Retryable  bool
}

func (e *ClientError) Error() string {
	where := ""
	if e.Endpoint != "" {
		where = " on " + e.Endpoint
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed%s (HTTP %d): %v", e.Op, where, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed%s: %v", e.Op, where, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e's type, then falls through to the wrapped
// error.
func (e *ClientError) Is(target error) bool {
	for _, st := range sentinelTypes {
		if st.sentinel == target && st.typ == e.Type {
			return true
		}
	}
	return errors.Is(e.Err, target)
}

// New creates a ClientError. Connection failures and timeouts are
// retryable; everything else is not until a status code says otherwise.
func New(errorType ErrorType, op, endpoint string, err error) *ClientError {
	return &ClientError{
		Type:      errorType,
		Op:        op,
		Endpoint:  endpoint,
		Err:       err,
		Retryable: errorType == ErrorTypeConnection || errorType == ErrorTypeTimeout,
	}
}

// WithStatusCode records the HTTP status. 5xx, 408 and 429 are retryable.
func (e *ClientError) WithStatusCode(code int) *ClientError {
	e.StatusCode = code
	e.Retryable = code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	return e
}

func WrapConnectionError(op, endpoint string, err error) error {
	return New(ErrorTypeConnection, op, endpoint, err)
}

func WrapTimeoutError(op, endpoint string, err error) error {
	return New(ErrorTypeTimeout, op, endpoint, err)
}

func WrapValidationError(op, endpoint string, err error) error {
	return New(ErrorTypeValidation, op, endpoint, err)
}

func WrapAuthError(op, endpoint string, err error) error {
	return New(ErrorTypeAuth, op, endpoint, err)
}

func WrapAPIError(op, endpoint string, err error, statusCode int) error {
	return New(ErrorTypeAPI, op, endpoint, err).WithStatusCode(statusCode)
}

// IsRetryableError reports whether the call behind err is worth retrying.
func IsRetryableError(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError reports whether err means the bearer token was rejected.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		if clientErr.Type == ErrorTypeAuth {
			return true
		}
		if clientErr.StatusCode == http.StatusUnauthorized || clientErr.StatusCode == http.StatusForbidden {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
