package relay

import (
	"errors"

	"github.com/gravitational/trace"
)

// ErrorKind is the wire STREAM_ERROR error-code byte, spec.md §3.
type ErrorKind byte

const (
	ErrNotFound   ErrorKind = 0x01
	ErrPermission ErrorKind = 0x02
	ErrIO         ErrorKind = 0x03
	ErrTimeout    ErrorKind = 0x04
	ErrCancelled  ErrorKind = 0x05
	ErrNoMemory   ErrorKind = 0x06
	ErrInvalid    ErrorKind = 0x07
	ErrExists     ErrorKind = 0x08
	ErrNotDir     ErrorKind = 0x09
	ErrIsDir      ErrorKind = 0x0A
	ErrUnknown    ErrorKind = 0xFF
)

// errCancelled is a sentinel for cancellation: it is a control-flow signal
// rather than a user-facing trace error kind, per SPEC_FULL.md §4.12.
var errCancelled = errors.New("stream cancelled")

// StreamError carries the wire error-kind byte and message from a
// STREAM_ERROR packet up through the operation engine.
type StreamError struct {
	Kind    ErrorKind
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// AsTrace converts a StreamError into a gravitational/trace error whose
// kind matches the wire error-code byte, so callers can use trace.IsNotFound,
// trace.IsAccessDenied, etc.
func (e *StreamError) AsTrace() error {
	msg := e.Message
	if msg == "" {
		msg = "operation failed"
	}
	switch e.Kind {
	case ErrNotFound:
		return trace.NotFound(msg)
	case ErrPermission:
		return trace.AccessDenied(msg)
	case ErrIO:
		return trace.ConnectionProblem(nil, msg)
	case ErrTimeout:
		return trace.LimitExceeded(msg)
	case ErrNoMemory:
		return trace.LimitExceeded(msg)
	case ErrInvalid:
		return trace.BadParameter(msg)
	case ErrExists:
		return trace.AlreadyExists(msg)
	case ErrNotDir:
		return trace.BadParameter(msg)
	case ErrIsDir:
		return trace.BadParameter(msg)
	case ErrCancelled:
		return errCancelled
	default:
		return trace.Wrap(errors.New(msg))
	}
}

// ErrorKindString renders a wire error kind for logging.
func ErrorKindString(k ErrorKind) string {
	switch k {
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrPermission:
		return "PERMISSION"
	case ErrIO:
		return "IO_ERROR"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrCancelled:
		return "CANCELLED"
	case ErrNoMemory:
		return "NO_MEMORY"
	case ErrInvalid:
		return "INVALID"
	case ErrExists:
		return "EXISTS"
	case ErrNotDir:
		return "NOT_DIR"
	case ErrIsDir:
		return "IS_DIR"
	default:
		return "UNKNOWN"
	}
}
