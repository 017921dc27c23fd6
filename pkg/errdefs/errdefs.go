// Package errdefs defines the error kinds used across the download engine
// and the operations to wrap and classify them.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Newf wraps the base error and a formatted error created by fmt.Errorf,
// returns the error joined.
func Newf(base error, format string, args ...any) error {
	return errors.Join(base, fmt.Errorf(format, args...))
}

// NewE wraps the base error and the input error, returns the error joined.
func NewE(base error, err error) error {
	if err == nil || errors.Is(err, base) {
		return err
	}
	return errors.Join(base, err)
}

// Kind returns the wire name of the error's kind, e.g. "NotFound" or
// "Transport". Unclassified errors report as "Internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrAuth):
		return "Auth"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrProtocol):
		return "ProtocolViolation"
	case errors.Is(err, ErrIO):
		return "IO"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return "Transport"
	default:
		return "Internal"
	}
}

// IsRetryable reports whether the error is transient and worth another
// attempt. Only transport-class failures qualify; everything else is either
// fatal or must be surfaced to the caller unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrProtocol) || errors.Is(err, ErrIO) || errors.Is(err, ErrConflict) {
		return false
	}
	return true
}
