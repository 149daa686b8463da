package lob

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the gateway's status
// mapping.
type Kind uint8

const (
	// NotFound means a referenced account, order, market or balance
	// does not exist.
	NotFound Kind = iota + 1
	// InsufficientBalance means available funds do not cover a
	// reserve or withdrawal.
	InsufficientBalance
	// InvalidOrder means the order is malformed or violates the
	// market spec.
	InvalidOrder
	// InvalidState means the operation is not legal in the entity's
	// current state, such as canceling a terminal order.
	InvalidState
	// Database means a storage port failure; retriable by the caller.
	Database
	// Internal means an invariant violation; not retriable.
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InsufficientBalance:
		return "insufficient_balance"
	case InvalidOrder:
		return "invalid_order"
	case InvalidState:
		return "invalid_state"
	case Database:
		return "database"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error is the error type surfaced by all engine components.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds an error of the given kind with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or zero if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
