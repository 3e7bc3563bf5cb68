// Package errs carries the pipeline error taxonomy. Every failure that
// crosses a package boundary is tagged with a Kind so callers can decide
// between retry, drop, and teardown without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindConfig is a missing or invalid configuration value. Fatal at startup.
	KindConfig Kind = "config"
	// KindConnect is a transport failure to an exchange. Recovered by
	// adapter-local backoff.
	KindConnect Kind = "connect"
	// KindProtocol is an unexpected payload shape. The record is dropped and
	// the adapter continues.
	KindProtocol Kind = "protocol"
	// KindRateLimit is an exchange rate limit, in-band or HTTP 429.
	KindRateLimit Kind = "rate_limit"
	// KindSerialization is a record that cannot be serialized to the bus.
	// Fatal, indicates a bug.
	KindSerialization Kind = "serialization"
	// KindBus is a bus produce/consume failure. Retried with bounded
	// attempts; persistent failure is fatal.
	KindBus Kind = "bus"
	// KindState is an invariant violation on bar state. Fatal, indicates a bug.
	KindState Kind = "state"
)

// Error wraps an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. Returns nil for a nil error.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain, or "" if untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether an error kind must tear down the whole process.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindSerialization, KindState:
		return true
	default:
		return false
	}
}

// Retryable reports whether an adapter should back off and retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindRateLimit, KindBus:
		return true
	default:
		return false
	}
}
