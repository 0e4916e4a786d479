// Package policy implements the contact-policy gate: a pure function of
// (sender, recipient, contact edges, recipient's policy) -> Allow or
// Deny(reason). Modeled on internal/guards' composable Result/Severity
// shape, generalized from guards' four-level severity to a two-outcome
// admissibility gate, since contact admissibility has no "soft block /
// suggestion" middle ground — a send either goes through or it doesn't.
package policy

import (
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/model"
)

// Decision is the outcome of the gate.
type Decision struct {
	Allowed bool
	Reason  string // populated only when Allowed is false
}

// Allow builds a passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a failing decision whose reason always contains both
// "not accepting" and "recipient", per the canonical error text contract.
func Deny(recipientName string) Decision {
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("%s is not accepting messages; pick another recipient", recipientName),
	}
}

// Evaluate runs the gate for one (sender, recipient) pair. edgeState is the
// contact_links row state from sender to recipient, or "" if no edge
// exists.
func Evaluate(recipientName string, recipientPolicy model.ContactPolicy, edgeState model.ContactState) Decision {
	switch recipientPolicy {
	case model.PolicyOpen:
		return Allow()
	case model.PolicyBlockAll:
		return Deny(recipientName)
	case model.PolicyContactsOnly:
		if edgeState == model.ContactAccepted {
			return Allow()
		}
		return Deny(recipientName)
	case model.PolicyAuto:
		// Reserved for future adaptive behavior; always allows today.
		return Allow()
	default:
		// Unreachable once policies are coerced at write time, but fail
		// closed rather than silently allow an unrecognized policy.
		return Deny(recipientName)
	}
}
