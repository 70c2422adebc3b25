package companion

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	// KindPermissionDenied: the microphone or speaker could not be acquired.
	KindPermissionDenied Kind = iota + 1

	// KindConnectionFailed: the conversation service refused or never
	// accepted the session.
	KindConnectionFailed

	// KindTransport: an established session failed.
	KindTransport

	// KindDecode: one response chunk could not be decoded. Never fatal.
	KindDecode
)

// Sentinel errors matched by [errors.Is] against any [*Error] of the same
// kind.
var (
	ErrPermissionDenied = errors.New("companion: audio device permission denied")
	ErrConnectionFailed = errors.New("companion: connection failed")
	ErrTransport        = errors.New("companion: transport error")
	ErrDecode           = errors.New("companion: malformed response audio")

	// ErrAlreadyActive is returned by Start while a session is connecting or
	// listening.
	ErrAlreadyActive = errors.New("companion: session already active")
)

// String returns the snake_case kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindConnectionFailed:
		return "connection_failed"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindTransport:
		return ErrTransport
	case KindDecode:
		return ErrDecode
	}
	return nil
}

// Error is a classified session failure wrapping its cause.
type Error struct {
	Kind Kind
	Err  error
}

func newError(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	s := e.Kind.sentinel()
	if s == nil {
		return fmt.Sprintf("companion: %s: %v", e.Kind, e.Err)
	}
	if e.Err == nil {
		return s.Error()
	}
	return s.Error() + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first [*Error] in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
