// Package apierr is the error taxonomy for outbound API calls: every
// Source/Sink client failure classifies into one of a small set of
// sentinel kinds so the worker and reconciler can branch on
// "was this retried at the transport layer, or is it a terminal failure
// the caller must handle" without inspecting status codes again.
package apierr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Use errors.Is to test a wrapped error's kind.
var (
	// TransientRemote: network failure, 5xx, or 429. The HTTP client layer
	// already retried with backoff; callers see this only on exhaustion.
	TransientRemote = errors.New("transient remote error")

	// PermanentRemote: 4xx other than 429. Surfaced as a record-level
	// ERROR; the job does not redeliver.
	PermanentRemote = errors.New("permanent remote error")

	// NotFound: resource disappeared mid-operation.
	NotFound = errors.New("resource not found")

	// Contract: malformed payload or missing required property.
	Contract = errors.New("contract violation")

	// Configuration: missing credential or database id. Fatal at startup.
	Configuration = errors.New("configuration error")

	// Integrity: conflicting state, e.g. two pages sharing a task-id
	// property. Logged as WARNING; first match wins.
	Integrity = errors.New("integrity conflict")
)

// Error wraps a sentinel kind with call-specific context while preserving
// errors.Is/As compatibility with the sentinel.
type Error struct {
	Err  error
	Op   string
	Kind error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New builds a classified error for op, wrapping cause if provided.
func New(op string, kind error, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// IsTransient reports whether err is (or wraps) TransientRemote.
func IsTransient(err error) bool { return errors.Is(err, TransientRemote) }

// IsPermanent reports whether err is (or wraps) PermanentRemote.
func IsPermanent(err error) bool { return errors.Is(err, PermanentRemote) }

// IsNotFound reports whether err is (or wraps) NotFound.
func IsNotFound(err error) bool { return errors.Is(err, NotFound) }

// IsContract reports whether err is (or wraps) Contract.
func IsContract(err error) bool { return errors.Is(err, Contract) }
