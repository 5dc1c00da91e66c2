package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure classification.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindNotFound            Kind = "not_found"
	KindOutOfRange          Kind = "out_of_range"
	KindInvalidFormat       Kind = "invalid_format"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNoQuote             Kind = "no_quote"
	KindNoSwapTransaction   Kind = "no_swap_transaction"
	KindTxFailed            Kind = "tx_failed"
	KindTimeout             Kind = "timeout"
	KindTransport           Kind = "transport"
)

// Error is a typed error that carries a stable failure kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf classifies any error; plain errors map to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if typed, ok := As(err); ok {
		return typed.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is transport-shaped and safe to
// resubmit. Validation and on-chain failures are terminal for the invocation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
