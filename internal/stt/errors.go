package stt

import (
	"errors"
	"fmt"

	"github.com/arzhang/goftar/internal/jobs"
)

// ErrorKind classifies adapter failures. The orchestrator's retry and
// messaging policy keys off the kind, never off vendor payload text.
type ErrorKind int

const (
	// KindConfig: missing or unusable credentials. Non-retryable.
	KindConfig ErrorKind = iota
	// KindInput: the local file to transcribe is missing. Non-retryable.
	KindInput
	// KindTransport: network-level failure talking to the vendor. Logged
	// distinctly so a future retry policy can target it.
	KindTransport
	// KindVendor: the vendor reported an explicit error status.
	KindVendor
	// KindTimeout: the polling budget was exhausted without a terminal
	// vendor status.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindInput:
		return "Input"
	case KindTransport:
		return "Transport"
	case KindVendor:
		return "Vendor"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Kind    ErrorKind
	Vendor  jobs.Vendor
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (cause: %v)", e.Vendor, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Vendor, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(vendor jobs.Vendor, kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Vendor: vendor, Message: message}
}

func wrapError(vendor jobs.Vendor, kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Vendor: vendor, Message: message, Cause: cause}
}

// IsKind reports whether err is an adapter error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr.Kind == kind
	}
	return false
}
