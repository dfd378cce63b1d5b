package ir

import "fmt"

// Kind classifies an Error raised anywhere in the engine (Codec, SQL Builder, Driver,
// Transaction Manager, Hydrator, Bridge), so that embedders can react to failure classes
// without parsing error strings.
type Kind string

const (
	CONFIG               Kind = "CONFIG"
	USAGE                Kind = "USAGE"
	PROTOCOL             Kind = "PROTOCOL"
	BUILD                Kind = "BUILD"
	POOL_TIMEOUT         Kind = "POOL_TIMEOUT"
	CONNECTION           Kind = "CONNECTION"
	INTEGRITY            Kind = "INTEGRITY"
	NOT_FOUND            Kind = "NOT_FOUND"
	MULTIPLE_FOUND       Kind = "MULTIPLE_FOUND"
	TRANSACTION_TIMEOUT  Kind = "TRANSACTION_TIMEOUT"
	TRANSACTION_POISONED Kind = "TRANSACTION_POISONED"
	HYDRATION            Kind = "HYDRATION"
	BACKEND              Kind = "BACKEND"
)

// Error is the typed error returned across package boundaries of the engine.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds an *Error of the given Kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given Kind, wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
