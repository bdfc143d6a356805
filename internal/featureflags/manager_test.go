package featureflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled_BooleanValues(t *testing.T) {
	m := NewManager("a=on,b=off,c=true,d=false,e=1,f=0")

	for _, name := range []string{"a", "c", "e"} {
		assert.True(t, m.Enabled(name, "p"), name)
	}
	for _, name := range []string{"b", "d", "f", "missing"} {
		assert.False(t, m.Enabled(name, "p"), name)
	}
}

func TestEnabled_PercentageValues(t *testing.T) {
	m := NewManager("always=100%,never=0%,canary=25%")

	assert.True(t, m.Enabled("always", "p"))
	assert.False(t, m.Enabled("never", "p"))

	first := m.Enabled("canary", "2vxsx-fae")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Enabled("canary", "2vxsx-fae"), "rollout must be deterministic per subject")
	}
	assert.False(t, m.Enabled("canary", ""), "percentage rollout requires a subject")
}

func TestDefaultsAndOverrides(t *testing.T) {
	m := NewManager(" bad , REALTIME_WS = off ")

	assert.False(t, m.Enabled(RealtimeWebsocket, ""))
	assert.True(t, m.Enabled(UIStream, ""))
	assert.True(t, m.Enabled(Search, ""))

	snap := m.Snapshot("")
	assert.Len(t, snap, 3)
	assert.False(t, snap[RealtimeWebsocket])
}

func TestNilManager(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled(Search, "p"))
}
