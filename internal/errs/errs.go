// Package errs defines the error taxonomy shared by the buffer engines and
// the plugin harness.
//
// Every error raised across a package boundary carries a Kind. Callers test
// kinds with errors.Is against the sentinel values:
//
//	if errors.Is(err, errs.ErrTransientIO) { /* retry with backoff */ }
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies an error by how callers must react to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransientIO: disk full, temporary lock contention. Retried with backoff.
	KindTransientIO
	// KindCorruption: partial or unreadable persisted data.
	KindCorruption
	// KindProducer: malformed event or missing attachment; batch rejected.
	KindProducer
	// KindConsumer: ack beyond known data or invalid consumer id; cursor unchanged.
	KindConsumer
	// KindPluginFatal: unrecoverable plugin SetUp failure.
	KindPluginFatal
	// KindConfig: invalid or conflicting configuration.
	KindConfig
	// KindClosed: operation on a closed buffer.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindCorruption:
		return "corruption"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	case KindPluginFatal:
		return "plugin_fatal"
	case KindConfig:
		return "config"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sentinel is comparable so that errors.Is(err, ErrProducer) matches any
// *Error of that kind.
type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

var (
	ErrTransientIO = error(&sentinel{KindTransientIO})
	ErrCorruption  = error(&sentinel{KindCorruption})
	ErrProducer    = error(&sentinel{KindProducer})
	ErrConsumer    = error(&sentinel{KindConsumer})
	ErrPluginFatal = error(&sentinel{KindPluginFatal})
	ErrConfig      = error(&sentinel{KindConfig})
	ErrClosed      = error(&sentinel{KindClosed})
)

// Error is a classified error with the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// transientErrnos are I/O failures expected to clear on their own.
var transientErrnos = []syscall.Errno{
	syscall.ENOSPC,
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.EINTR,
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientIO) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// FromIO classifies a raw I/O error. Already classified errors pass
// through; transient errnos become KindTransientIO; anything else keeps
// KindUnknown so the harness treats it as an ordinary Main failure.
func FromIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	if IsTransient(err) {
		return E(KindTransientIO, op, err)
	}
	return E(KindUnknown, op, err)
}
