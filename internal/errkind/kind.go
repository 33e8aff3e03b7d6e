// Package errkind classifies errors by kind rather than by Go type, per
// spec §7. Each kind maps to an HTTP status and a propagation policy:
// client errors never retry, recoverable errors are retried by the caller,
// fatal errors exit (batch) or 500 (service), expired-session and
// auth-failed both log a warning and return 200.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the five error kinds from spec §7.
type Kind int

const (
	// Client covers malformed manifests, missing fields, oversized
	// payloads, invalid sessions/parameters — never retried.
	Client Kind = iota
	// Recoverable covers serializable-transaction conflicts and transient
	// database disconnects — retried up to a configured limit.
	Recoverable
	// Fatal covers subprocess-fork failure, schema mismatch, configuration
	// violations — logged and the process exits or the request 500s.
	Fatal
	// ExpiredSession covers a session referring to an entity that no
	// longer exists or whose timestamp moved — logged as a warning, 200.
	ExpiredSession
	// AuthFailed covers challenge verification failure — logged as a
	// warning, 200, deliberately indistinguishable from success.
	AuthFailed
)

func (k Kind) String() string {
	switch k {
	case Client:
		return "client"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	case ExpiredSession:
		return "expired-session"
	case AuthFailed:
		return "auth-failed"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the status code a handler should return for this
// kind, before retry exhaustion is considered.
func (k Kind) HTTPStatus() int {
	switch k {
	case Client:
		return http.StatusBadRequest
	case Recoverable:
		return http.StatusInternalServerError
	case Fatal:
		return http.StatusInternalServerError
	case ExpiredSession, AuthFailed:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Cause) }

func (e *Error) Unwrap() error { return e.Cause }

// New wraps err with kind k. A nil err yields a nil *Error.
func New(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Cause: err}
}

// Newf is a convenience wrapper around fmt.Errorf + New.
func Newf(k Kind, format string, args ...any) error {
	return New(k, fmt.Errorf(format, args...))
}

// As reports whether err (or one it wraps) carries a Kind, returning it.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries exactly kind k.
func Is(err error, k Kind) bool {
	kind, ok := As(err)
	return ok && kind == k
}
