package embedding

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure for retry purposes.
type Kind int

const (
	// KindTransient covers rate limits, timeouts, and 5xx responses.
	// Transient failures are eligible for retry.
	KindTransient Kind = iota
	// KindPermanent covers auth and invalid-request responses. Retrying
	// cannot help.
	KindPermanent
	// KindInvalidInput marks input the provider can never embed (for
	// example empty text). Never retried.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is a provider failure tagged with its kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding: %s (%s): %v", e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("embedding: %s (%s)", e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(msg string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: msg, Err: err}
}

// InvalidInput marks input the provider can never embed.
func InvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// KindOf extracts the failure kind from err. Errors that do not carry a tag
// (network-level failures, cancelled contexts) default to transient so the
// retry loop gets a chance; the attempt budget still bounds them.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
