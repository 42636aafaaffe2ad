package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/dmitrijs2005/gophtransfer/internal/checksum"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/source"
)

var (
	ErrPaused           = errors.New("transfer paused")
	ErrCanceled         = errors.New("transfer canceled")
	ErrInvalidState     = errors.New("invalid task state")
	ErrFrozen           = errors.New("task is finalizing")
	ErrNotInterruptible = errors.New("source cannot be re-read; pause and cancel are unavailable")
)

// Kind is the client-side classification of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNetwork
	KindAccessDenied
	KindQuotaExceeded
	KindNotFound
	KindIntegrity
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAccessDenied:
		return "access-denied"
	case KindQuotaExceeded:
		return "quota-exceeded"
	case KindNotFound:
		return "not-found"
	case KindIntegrity:
		return "integrity"
	case KindInvalidArgument:
		return "invalid-argument"
	default:
		return "internal"
	}
}

// Retryable reports whether calling Start or Resume again may succeed
// without any change on the caller's side.
func (k Kind) Retryable() bool {
	return k == KindNetwork
}

// Error is a classified transfer failure.
type Error struct {
	Kind   Kind
	Key    string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer %s failed (%s, offset %d): %v", e.Key, e.Kind, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Failure is what OnFailure receives: the client classification and, when
// the server produced the error, its own report.
type Failure struct {
	Client *Error
	Server *remote.ServerError
}

// classify maps err to an *Error carrying key and offset.
func classify(err error, key string, offset int64) *Error {
	var te *Error
	if errors.As(err, &te) {
		if te.Key == "" {
			te.Key = key
		}
		if te.Offset == 0 {
			te.Offset = offset
		}
		return te
	}

	kind := KindInternal
	switch {
	case errors.Is(err, remote.ErrNetwork),
		errors.Is(err, remote.ErrUnavailable),
		errors.Is(err, remote.ErrSignatureExpired),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF):
		kind = KindNetwork
	case errors.Is(err, remote.ErrAccessDenied):
		kind = KindAccessDenied
	case errors.Is(err, remote.ErrQuotaExceeded):
		kind = KindQuotaExceeded
	case errors.Is(err, remote.ErrNotFound),
		errors.Is(err, remote.ErrSessionNotFound),
		errors.Is(err, os.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, remote.ErrIntegrity),
		errors.Is(err, checksum.ErrMismatch):
		kind = KindIntegrity
	case errors.Is(err, remote.ErrInvalidArgument),
		errors.Is(err, remote.ErrConflict),
		errors.Is(err, remote.ErrInvalidRange),
		errors.Is(err, source.ErrNotResettable),
		errors.Is(err, source.ErrUnknownSize):
		kind = KindInvalidArgument
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			kind = KindNetwork
		}
	}

	return &Error{Kind: kind, Key: key, Offset: offset, Err: err}
}
