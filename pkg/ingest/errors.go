package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind discriminates pipeline outcomes. Every stage returns either
// success or exactly one kind; the dispatcher is the only place a kind is
// translated to the wire contract.
type ErrorKind int

const (
	KindAuthenticationFailed ErrorKind = iota
	KindMissingFields
	KindInvalidCommand
	KindInvalidIndex
	KindInvalidValue
	KindStore
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindMissingFields:
		return "MissingFieldsError"
	case KindInvalidCommand:
		return "InvalidCommandError"
	case KindInvalidIndex:
		return "InvalidIndexError"
	case KindInvalidValue:
		return "InvalidValueError"
	case KindStore:
		return "StoreError"
	default:
		return "UnexpectedError"
	}
}

// Error is a pipeline failure with its kind and a caller-facing message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// KindOf extracts the kind from any error produced by the pipeline;
// unrecognized errors are classified as unexpected.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnexpected
}

func errAuthenticationFailed() error {
	// Absent and unrecognized credentials share one message so callers
	// cannot probe which sensor types exist.
	return &Error{Kind: KindAuthenticationFailed, Message: "Authentication failed"}
}

func errMissingFields(fields []string) error {
	return &Error{Kind: KindMissingFields, Message: fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", "))}
}

func errInvalidCommand(expected, actual string) error {
	return &Error{Kind: KindInvalidCommand, Message: fmt.Sprintf("invalid command code: expected %q, got %q", expected, actual)}
}

func errInvalidIndex(expected, actual string) error {
	return &Error{Kind: KindInvalidIndex, Message: fmt.Sprintf("invalid data index code: expected %q, got %q", expected, actual)}
}

func errInvalidValue(field, raw string) error {
	return &Error{Kind: KindInvalidValue, Message: fmt.Sprintf("field %q is not a valid number: %q", field, raw)}
}

func errStore(err error) error {
	return &Error{Kind: KindStore, Message: fmt.Sprintf("store insert failed: %v", err)}
}

func errUnexpected(v interface{}) error {
	return &Error{Kind: KindUnexpected, Message: fmt.Sprintf("unexpected error: %v", v)}
}
