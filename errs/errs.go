// Package errs defines the error taxonomy shared by the transport, comm and manager packages.
//
// Every failure surfaced by the core is an *Error carrying a Kind. Callers classify errors with
// errors.Is against the exported sentinels, or with KindOf:
//
//	if errors.Is(err, errs.ErrDeviceNotConnected) {
//	    // the session is not Active
//	}
//
// Communication and Timeout errors are transient; the session reconnection policy absorbs them.
// All other kinds are returned synchronously to the caller.
package errs

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error.
type Kind uint8

const (
	// KindUnknown is reported for errors that did not originate from this module.
	KindUnknown Kind = iota
	// KindCommunication indicates a transport level failure such as a dropped link.
	KindCommunication
	// KindSession indicates an unknown session id, a wrong state, or an exceeded session ceiling.
	KindSession
	// KindTimeout indicates an operation exceeded its configured deadline.
	KindTimeout
	// KindDeviceNotConnected indicates a failed connect or an operation on a session that is not active.
	KindDeviceNotConnected
	// KindProtocol indicates malformed data detected by a transport.
	KindProtocol
	// KindInvalidInput indicates a caller supplied value failed validation.
	KindInvalidInput
	// KindConfig is a configuration boundary error.
	KindConfig
	// KindIO is an I/O boundary error.
	KindIO
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindSession:
		return "session"
	case KindTimeout:
		return "timeout"
	case KindDeviceNotConnected:
		return "device not connected"
	case KindProtocol:
		return "protocol"
	case KindInvalidInput:
		return "invalid input"
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// IsTransient reports whether errors of this kind are retried by the reconnection policy.
func (k Kind) IsTransient() bool {
	return k == KindCommunication || k == KindTimeout
}

// Sentinels for errors.Is matching. They match any *Error of the same kind.
var (
	ErrCommunication      = &Error{Kind: KindCommunication}
	ErrSession            = &Error{Kind: KindSession}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrDeviceNotConnected = &Error{Kind: KindDeviceNotConnected}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrConfig             = &Error{Kind: KindConfig}
	ErrIO                 = &Error{Kind: KindIO}
)

// Error is the typed error returned by the core.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op is the operation that failed, e.g. "transport.tcp.connect".
	Op string
	// Msg is a human readable description.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var s string
	if e.Op != "" {
		s = e.Op + ": "
	}
	s += e.Kind.String() + " error"
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind, or an identical *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Msg == "" && t.Err == nil {
		return e.Kind == t.Kind
	}

	return e == t
}

// Format supports %+v, printing the stack trace of the wrapped cause when present.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') && e.Err != nil {
			_, _ = fmt.Fprintf(s, "%s\n%+v", e.Error(), e.Err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err into an *Error of the given kind, recording the call stack.
//
// If err is already an *Error it is returned with op prepended and its kind preserved.
// Wrap returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}

	return &Error{Kind: kind, Op: op, Err: pkgerrors.WithStack(err)}
}

// FromContext converts a context error into a Timeout error for deadlines,
// and a Communication error for cancellation.
func FromContext(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Msg: "deadline exceeded", Err: err}
	}

	return &Error{Kind: KindCommunication, Op: op, Msg: "operation canceled", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// IsTransient reports whether err should be absorbed by the reconnection policy.
func IsTransient(err error) bool {
	return KindOf(err).IsTransient()
}
