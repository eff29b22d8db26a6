package identity

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers branch on the class of
// the failure rather than on concrete error values.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindProvider
	KindStore
	KindAuthentication
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindStore:
		return "store"
	case KindAuthentication:
		return "authentication"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is the single error type the engine returns. Op names the
// operation that failed, Err carries the underlying cause when one
// exists.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("identity: %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Errors that are not *Error report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
