package remote

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("remote: object not found")
	ErrSessionNotFound  = errors.New("remote: upload session not found")
	ErrAccessDenied     = errors.New("remote: access denied")
	ErrSignatureExpired = errors.New("remote: signature expired")
	ErrQuotaExceeded    = errors.New("remote: quota exceeded")
	ErrConflict         = errors.New("remote: key already exists")
	ErrNetwork          = errors.New("remote: network error")
	ErrUnavailable      = errors.New("remote: service unavailable")
	ErrInvalidRange     = errors.New("remote: invalid range")
	ErrInvalidArgument  = errors.New("remote: invalid argument")
	ErrIntegrity        = errors.New("remote: checksum mismatch")
)

// Error carries the failed operation and key around an underlying error.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("remote.%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("remote.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// ServerError is the classification reported by the server itself. It wraps
// the sentinel it maps to, so errors.Is works through it.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string

	Kind error
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("server error %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (e *ServerError) Unwrap() error {
	return e.Kind
}

// AsServerError returns the ServerError in err's chain, if any.
func AsServerError(err error) *ServerError {
	var se *ServerError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
