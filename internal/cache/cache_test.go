package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSet_RoundTrips(t *testing.T) {
	c := New()
	key := Key{ProjectID: 1, AgentID: 2, View: "inbox"}

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Set(key, []string{"a", "b"})
	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, v)
}

func TestInvalidateAgent_OnlyDropsThatAgentsEntries(t *testing.T) {
	c := New()
	k1 := Key{ProjectID: 1, AgentID: 1, View: "inbox"}
	k2 := Key{ProjectID: 1, AgentID: 2, View: "inbox"}
	c.Set(k1, "a")
	c.Set(k2, "b")

	c.InvalidateAgent(1, 1)

	_, ok := c.Get(k1)
	require.False(t, ok)
	v, ok := c.Get(k2)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestInvalidateProject_DropsEveryAgentInProject(t *testing.T) {
	c := New()
	k1 := Key{ProjectID: 1, AgentID: 1, View: "inbox"}
	k2 := Key{ProjectID: 1, AgentID: 2, View: "inbox"}
	k3 := Key{ProjectID: 2, AgentID: 1, View: "inbox"}
	c.Set(k1, "a")
	c.Set(k2, "b")
	c.Set(k3, "c")

	c.InvalidateProject(1)

	_, ok := c.Get(k1)
	require.False(t, ok)
	_, ok = c.Get(k2)
	require.False(t, ok)
	v, ok := c.Get(k3)
	require.True(t, ok)
	require.Equal(t, "c", v)
}

func TestKey_DistinguishesByView(t *testing.T) {
	c := New()
	k1 := Key{ProjectID: 1, AgentID: 1, View: "inbox"}
	k2 := Key{ProjectID: 1, AgentID: 1, View: "sent"}
	c.Set(k1, "inbox-data")
	c.Set(k2, "sent-data")

	v1, _ := c.Get(k1)
	v2, _ := c.Get(k2)
	require.Equal(t, "inbox-data", v1)
	require.Equal(t, "sent-data", v2)
}
