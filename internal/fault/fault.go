// Package fault defines the typed failure taxonomy shared by capture, model
// loading, transcription and cleanup. Callers see one Kind plus a
// human-readable cause instead of a raw error chain.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// Kind is a failure category.
type Kind string

const (
	DeviceUnavailable Kind = "device_unavailable"
	DeviceFailure     Kind = "device_failure"
	LoadTimeout       Kind = "load_timeout"
	EngineLoadFailure Kind = "engine_load_failure"
	TransientIO       Kind = "transient_io"
	EngineCrash       Kind = "engine_crash"
	InvalidAudio      Kind = "invalid_audio"
	ResourceExhausted Kind = "resource_exhausted"
	CleanupDegraded   Kind = "cleanup_degraded"
	// Canceled marks work abandoned because the caller canceled between attempts.
	Canceled Kind = "canceled"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause returns the human-readable cause without the kind prefix.
func (e *Error) Cause() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Cause returns a display string for err: the wrapped cause for *Error,
// err.Error() otherwise.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Cause()
	}
	return err.Error()
}

// ClassifyIO maps filesystem and OS errors onto the taxonomy. It returns ""
// when err carries no recognizable I/O condition.
func ClassifyIO(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.ENOMEM):
		return ResourceExhausted
	case errors.Is(err, fs.ErrNotExist):
		return InvalidAudio
	case errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return TransientIO
	}
	return ""
}
