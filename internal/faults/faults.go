// Package faults defines the error taxonomy shared by the adapter, the
// recovery engine and the API layer.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport: port unavailable, write or read failure.
	KindTransport
	// KindProtocol: malformed or unparseable telemetry.
	KindProtocol
	// KindCommand: the device rejected a specific command.
	KindCommand
	// KindCritical: alarm or fault that needs a controller reset.
	KindCritical
	// KindRecoveryExhausted: the recovery policy gave up.
	KindRecoveryExhausted
	// KindInvalidParameter: the request cannot be expressed in the dialect.
	KindInvalidParameter
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCommand:
		return "command"
	case KindCritical:
		return "critical"
	case KindRecoveryExhausted:
		return "recovery_exhausted"
	case KindInvalidParameter:
		return "invalid_parameter"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = &Error{Kind: KindTransport, Msg: "not connected"}
	ErrDisconnected = &Error{Kind: KindTransport, Msg: "connection closed"}
	ErrTimeout      = &Error{Kind: KindTransport, Msg: "timed out waiting for controller"}
	// ErrReset fails commands that were still queued when the controller
	// was reset. Their effect on the machine is unknown.
	ErrReset = &Error{Kind: KindCritical, Msg: "command discarded by controller reset"}

	// ErrStatusDeferred: the link is alive but the controller answers the
	// status query only after the commands queued ahead of it.
	ErrStatusDeferred = &Error{Kind: KindProtocol, Msg: "status report deferred by queued commands"}
)

// Error is a classified failure. Code carries the device error or alarm
// code when there is one, Line the command that provoked it.
type Error struct {
	Kind Kind
	Code string
	Line string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Line != "" {
		msg = fmt.Sprintf("%s [line %q]", msg, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by identity and kind-only templates such as
// &Error{Kind: KindCommand} by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return t.Msg == "" && t.Code == "" && t.Line == "" && t.Err == nil && t.Kind == e.Kind
}

// Kinded is implemented by errors that classify themselves outside this
// package.
type Kinded interface {
	Kind() Kind
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func Transport(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Msg: msg, Err: err}
}

func Protocol(msg string, raw string) *Error {
	return &Error{Kind: KindProtocol, Msg: msg, Line: raw}
}

func Command(code, line string) *Error {
	return &Error{Kind: KindCommand, Msg: "command rejected", Code: code, Line: line}
}

func Critical(code, line string) *Error {
	return &Error{Kind: KindCritical, Msg: "controller fault", Code: code, Line: line}
}

func InvalidParameter(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParameter, Msg: fmt.Sprintf(format, args...)}
}
