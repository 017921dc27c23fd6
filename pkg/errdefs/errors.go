package errdefs

import "errors"

var (
	// ErrInvalidArgument signals that the user input is malformed: a bad image
	// coordinate, an unknown source, an unparsable platform. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound signals that the requested object doesn't exist: a 404 on a
	// manifest or blob, or an index with no entry for the requested platform.
	ErrNotFound = errors.New("not found")

	// ErrAuth signals a 401/403 from the registry or a failure against the
	// token endpoint.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport signals a connection error, a 5xx response, a truncated
	// read or an inactivity timeout. Transient and retryable.
	ErrTransport = errors.New("transport error")

	// ErrProtocol signals that the remote side misbehaved: unexpected
	// content type, digest mismatch, unparsable manifest. Never retried.
	ErrProtocol = errors.New("protocol violation")

	// ErrIO signals a local disk failure.
	ErrIO = errors.New("io error")

	// ErrCanceled signals that the action was canceled or paused.
	ErrCanceled = errors.New("canceled")

	// ErrConflict signals that some internal state conflicts with the
	// requested action, e.g. resuming a task that is not paused. A change in
	// state should be able to clear this error.
	ErrConflict = errors.New("conflict")
)
