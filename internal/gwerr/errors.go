// Package gwerr defines the gateway's error kind taxonomy, shared by every
// component so callers can dispatch on error class rather than string
// matching.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotConnected
	KindNotSynchronized
	KindTimeout
	KindCancelled
	KindUnknownSID
	KindUnknownNID
	KindDuplicateSID
	KindDuplicateNID
	KindUnknownType
	KindUnknownField
	KindUnknownLink
	KindUnknownUnit
	KindOutOfRange
	KindMalformedFrame
	KindCommandFailed
	KindIncompatibleFirmware
	KindInvalidDeviceID
	KindDiscoveryAborted
	KindConnectionReset
	KindUpdateFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "NOT_CONNECTED"
	case KindNotSynchronized:
		return "NOT_SYNCHRONIZED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindUnknownSID:
		return "UNKNOWN_SID"
	case KindUnknownNID:
		return "UNKNOWN_NID"
	case KindDuplicateSID:
		return "DUPLICATE_SID"
	case KindDuplicateNID:
		return "DUPLICATE_NID"
	case KindUnknownType:
		return "UNKNOWN_TYPE"
	case KindUnknownField:
		return "UNKNOWN_FIELD"
	case KindUnknownLink:
		return "UNKNOWN_LINK"
	case KindUnknownUnit:
		return "UNKNOWN_UNIT"
	case KindOutOfRange:
		return "OUT_OF_RANGE"
	case KindMalformedFrame:
		return "MALFORMED_FRAME"
	case KindCommandFailed:
		return "COMMAND_FAILED"
	case KindIncompatibleFirmware:
		return "INCOMPATIBLE_FIRMWARE"
	case KindInvalidDeviceID:
		return "INVALID_DEVICE_ID"
	case KindDiscoveryAborted:
		return "DISCOVERY_ABORTED"
	case KindConnectionReset:
		return "CONNECTION_RESET"
	case KindUpdateFailed:
		return "UPDATE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying cause with a gateway error Kind. For
// KindCommandFailed, ControllerCode carries the raw controller-reported
// error code.
type Error struct {
	Kind           Kind
	ControllerCode int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates a *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
