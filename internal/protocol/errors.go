package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure crossing a component boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotConnected
	KindTimeout
	KindMalformedPayload
	KindStorage
	KindNativeInvocation
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindTimeout:
		return "timeout"
	case KindMalformedPayload:
		return "malformed payload"
	case KindStorage:
		return "storage error"
	case KindNativeInvocation:
		return "native invocation error"
	default:
		return "error"
	}
}

// Error is the structured error carried by every hop. Op names the
// operation that failed; Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind, so that
// errors.Is(err, ErrTimeout) matches any timeout regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrMalformedPayload = &Error{Kind: KindMalformedPayload}
	ErrStorage          = &Error{Kind: KindStorage}
	ErrNativeInvocation = &Error{Kind: KindNativeInvocation}
)

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
