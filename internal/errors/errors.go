// Package errors defines the error kinds surfaced by the mDNS engine and its
// collaborators.
//
// Sentinel kinds (ErrInvalidState, ErrDuplicated, ...) classify an outcome and
// are matched with the standard errors.Is. The typed errors carry the context of
// a failure (which operation, which field) and unwrap to a sentinel kind where
// one applies, so callers can match on either.
package errors

import (
	goerrors "errors"
	"fmt"
)

// Sentinel error kinds.
var (
	// ErrInvalidState is returned when an operation needs the engine enabled.
	ErrInvalidState = goerrors.New("invalid state")

	// ErrDuplicated reports that a name conflict was resolved against a
	// registration. It is only delivered through registration callbacks.
	ErrDuplicated = goerrors.New("duplicated")

	// ErrNoBufs reports that an outbound message could not be built.
	ErrNoBufs = goerrors.New("no buffers")

	// ErrInvalidArgs reports a registration that violates a precondition.
	ErrInvalidArgs = goerrors.New("invalid args")

	// ErrParse reports a malformed inbound datagram.
	ErrParse = goerrors.New("parse error")

	// ErrDrop reports a well-formed inbound datagram that the engine ignores.
	ErrDrop = goerrors.New("dropped")
)

// NetworkError represents a socket level failure.
type NetworkError struct {
	Operation string // What was being attempted ("send", "receive", "join group")
	Err       error  // Underlying error
	Details   string // Extra context
}

func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("network error during %s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid registration argument. It matches
// ErrInvalidArgs.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidArgs
}

// WireFormatError reports a datagram that could not be decoded or encoded.
// Decoding failures match ErrParse, encoding failures match ErrNoBufs.
type WireFormatError struct {
	Operation string
	Err       error
	encode    bool
}

// NewDecodeError wraps a decoding failure.
func NewDecodeError(operation string, err error) *WireFormatError {
	return &WireFormatError{Operation: operation, Err: err}
}

// NewEncodeError wraps an encoding failure.
func NewEncodeError(operation string, err error) *WireFormatError {
	return &WireFormatError{Operation: operation, Err: err, encode: true}
}

func (e *WireFormatError) Error() string {
	return fmt.Sprintf("wire format error during %s: %v", e.Operation, e.Err)
}

func (e *WireFormatError) Unwrap() []error {
	kind := ErrParse
	if e.encode {
		kind = ErrNoBufs
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}
