package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndEnumerate(t *testing.T) {
	registry := NewRegistry()

	registry.Register(New("dashboard", Policy{DefaultTTL: time.Minute}))
	registry.Register(New("agents", Policy{DefaultTTL: time.Minute}))

	require.Equal(t, []string{"agents", "dashboard"}, registry.Names())
	require.NotNil(t, registry.Get("dashboard"))
	require.Nil(t, registry.Get("unknown"))
}

func TestRegistryClearAll(t *testing.T) {
	registry := NewRegistry()

	dashboard := New("dashboard", Policy{DefaultTTL: time.Minute})
	agents := New("agents", Policy{DefaultTTL: time.Minute})
	registry.Register(dashboard)
	registry.Register(agents)

	require.True(t, dashboard.Set("dashboard:t1:stats", []byte("v"), 0))
	require.True(t, agents.Set("agents:t1:list", []byte("v"), 0))

	cleared := registry.ClearAll()
	require.Equal(t, 2, cleared)
	require.Equal(t, 0, dashboard.Size())
	require.Equal(t, 0, agents.Size())
}

func TestRegistryIgnoresNilAndUnnamed(t *testing.T) {
	registry := NewRegistry()

	registry.Register(nil)
	registry.Register(New("", Policy{DefaultTTL: time.Minute}))

	require.Empty(t, registry.Names())
}
