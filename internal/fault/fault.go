// Package fault defines the gateway-wide error taxonomy.
//
// Every failure that crosses a component boundary is wrapped in a *Error
// carrying a machine-readable Kind and a short human-readable cause, so
// callers can branch on the kind without parsing messages and API clients
// always receive a structured diagnosis.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// RuntimeUnavailable means the container runtime is not reachable.
	// The gateway degrades instead of crashing.
	RuntimeUnavailable Kind = "runtime_unavailable"

	// InstanceFailed means a backend instance could not reach the running
	// state. The message carries a best-effort diagnostic excerpt.
	InstanceFailed Kind = "instance_failed"

	// BackendUnreachable is a transient transport failure that was retried
	// with bounded backoff before being surfaced.
	BackendUnreachable Kind = "backend_unreachable"

	// ProtocolViolation means the backend returned a malformed JSON-RPC
	// envelope. Never retried.
	ProtocolViolation Kind = "protocol_violation"

	// SessionNegotiationFailed means the session-token handshake was
	// rejected twice in a row. Never retried further.
	SessionNegotiationFailed Kind = "session_negotiation_failed"

	// UnknownTool is a routing miss: the namespaced tool name does not
	// resolve to any backend. Caller error.
	UnknownTool Kind = "unknown_tool"

	// DecryptionFailed means stored secret ciphertext is unreadable.
	// Fatal for that secret only.
	DecryptionFailed Kind = "decryption_failed"

	// IOFailure is a disk-level failure in the secret store, surfaced
	// after a single retry.
	IOFailure Kind = "io_failure"
)

// Error is a structured gateway error. Backend is the owning backend's
// definition id, empty when the failure is not backend-scoped.
type Error struct {
	Kind    Kind
	Backend string
	Cause   string
	Err     error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s (backend %s): %s", e.Kind, e.Backend, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted cause.
func New(kind Kind, causeFmt string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Sprintf(causeFmt, args...)}
}

// Wrap creates an Error wrapping err. The cause defaults to the wrapped
// error's message when causeFmt is empty.
func Wrap(kind Kind, err error, causeFmt string, args ...interface{}) *Error {
	cause := ""
	if causeFmt != "" {
		cause = fmt.Sprintf(causeFmt, args...)
	} else if err != nil {
		cause = err.Error()
	}
	return &Error{Kind: kind, Cause: cause, Err: err}
}

// WithBackend returns a copy of the error tagged with the originating
// backend id. Tagging never alters the error's kind or cause.
func (e *Error) WithBackend(backend string) *Error {
	clone := *e
	clone.Backend = backend
	return &clone
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ""
// otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Tag tags any error with a backend id, wrapping non-fault errors so the
// kind information of fault errors is preserved.
func Tag(err error, backend string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Backend == backend {
			return err
		}
		return fe.WithBackend(backend)
	}
	return fmt.Errorf("backend %s: %w", backend, err)
}
