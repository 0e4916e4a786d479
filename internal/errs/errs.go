// Package errs defines the caller-facing error taxonomy used across every
// component. Kinds map directly onto the Tool Dispatch envelope: all kinds
// except parse-level schema failures are surfaced as isError:true text,
// never a JSON-RPC error object.
package errs

import "fmt"

// Kind identifies the category of a caller-facing failure.
type Kind int

const (
	// Validation covers argument shape/content violations.
	Validation Kind = iota
	// NotFound covers a missing target entity. Message must contain "not found".
	NotFound
	// PolicyDenied covers a contact-policy refusal.
	PolicyDenied
	// Conflict covers a reservation overlap rejected all-or-nothing.
	Conflict
	// Constraint covers an invariant violation at the Store; should not occur
	// for well-formed callers and is logged as an incident upstream.
	Constraint
	// StoreUnavailable covers transient storage I/O failures.
	StoreUnavailable
	// TransportError covers transient transport-layer failures.
	TransportError
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case PolicyDenied:
		return "policy_denied"
	case Conflict:
		return "conflict"
	case Constraint:
		return "constraint"
	case StoreUnavailable:
		return "store_unavailable"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Error is the structured failure type every component returns instead of
// raising language-level exceptions for control flow.
type Error struct {
	Kind    Kind
	Message string
	// Conflicts carries structured detail for Kind == Conflict, surfaced
	// alongside a partial grant rather than as a hard failure when the
	// caller can accept per-path results.
	Conflicts any
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error. The literal word "not found" is always
// present so callers can grep for it per the canonical error text contract.
func NotFoundf(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: NotFound, Message: msg + " not found"}
}

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

// PolicyDeniedf builds a PolicyDenied error. Message must contain both
// "not accepting" and "recipient".
func PolicyDeniedf(recipient string) *Error {
	return &Error{
		Kind:    PolicyDenied,
		Message: fmt.Sprintf("%s is not accepting messages; pick another recipient", recipient),
	}
}

// As reports whether err is an *Error of the given kind.
func As(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
