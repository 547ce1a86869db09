// Package a2dperr defines the error taxonomy shared by the node, engine,
// pool and decode-buffer packages. Errors are classified by Kind rather
// than by identity, so callers can branch on the contract that failed
// ("this needs a format first") instead of on a specific message.
package a2dperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// InvalidArg marks a bad parameter id, wrong direction/port, malformed
	// format, unsupported media, unmapped buffer memory, or unknown id.
	InvalidArg Kind = iota
	// IoState marks an operation that requires state not yet set
	// (have_format, n_buffers>0, transport != nil).
	IoState
	// NotFound marks an unknown parameter id or IO id.
	NotFound
	// Unsupported marks an operation this node never implements
	// (add_port, remove_port, commands other than Start/Pause/Suspend).
	Unsupported
	// TransportFailure marks acquire/codec-init failure or a socket error
	// other than EINTR/EAGAIN.
	TransportFailure
	// ResourceLoss marks Transport.Destroy: the node stays alive but
	// refuses data-path work until a new transport is provided.
	ResourceLoss
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "invalid_arg"
	case IoState:
		return "io_state"
	case NotFound:
		return "not_found"
	case Unsupported:
		return "unsupported"
	case TransportFailure:
		return "transport_failure"
	case ResourceLoss:
		return "resource_loss"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error, optionally wrapping a cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind for op, with no wrapped cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap returns an *Error of the given kind for op, wrapping err.
// Wrap returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
