package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mail-mcp/mailmcpd/internal/model"
)

func TestEvaluate_Open(t *testing.T) {
	d := Evaluate("bob", model.PolicyOpen, "")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestEvaluate_BlockAll(t *testing.T) {
	d := Evaluate("bob", model.PolicyBlockAll, model.ContactAccepted)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not accepting")
	assert.Contains(t, d.Reason, "bob")
}

func TestEvaluate_ContactsOnly(t *testing.T) {
	t.Run("accepted edge allows", func(t *testing.T) {
		d := Evaluate("bob", model.PolicyContactsOnly, model.ContactAccepted)
		assert.True(t, d.Allowed)
	})

	t.Run("pending edge denies", func(t *testing.T) {
		d := Evaluate("bob", model.PolicyContactsOnly, model.ContactPending)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "recipient")
	})

	t.Run("no edge denies", func(t *testing.T) {
		d := Evaluate("bob", model.PolicyContactsOnly, "")
		assert.False(t, d.Allowed)
	})

	t.Run("revoked edge denies", func(t *testing.T) {
		d := Evaluate("bob", model.PolicyContactsOnly, model.ContactRevoked)
		assert.False(t, d.Allowed)
	})
}

func TestEvaluate_Auto(t *testing.T) {
	d := Evaluate("bob", model.PolicyAuto, "")
	assert.True(t, d.Allowed)
}

func TestEvaluate_UnknownPolicyFailsClosed(t *testing.T) {
	d := Evaluate("bob", model.ContactPolicy("bogus"), model.ContactAccepted)
	assert.False(t, d.Allowed)
}

func TestDeny_ReasonContract(t *testing.T) {
	d := Deny("alice")
	assert.Contains(t, d.Reason, "not accepting")
	assert.Contains(t, d.Reason, "recipient")
}
