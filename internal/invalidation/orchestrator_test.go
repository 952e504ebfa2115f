package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calltrics/calltrics/internal/cache"
)

func newRegistryFixture(t *testing.T) *cache.Registry {
	t.Helper()

	registry := cache.NewRegistry()
	for _, name := range []string{
		cache.ConcernDashboard,
		cache.ConcernAgents,
		cache.ConcernPerformance,
		cache.ConcernLeads,
		cache.ConcernQuery,
	} {
		registry.Register(cache.New(name, cache.Policy{DefaultTTL: time.Minute}))
	}
	t.Cleanup(registry.StopAll)
	return registry
}

func seedTenant(t *testing.T, registry *cache.Registry, tenantID string) {
	t.Helper()

	set := func(name, key string) {
		store := registry.Get(name)
		require.NotNil(t, store)
		require.True(t, store.Set(key, []byte("v"), 0))
	}
	set(cache.ConcernDashboard, cache.DashboardKey(tenantID))
	set(cache.ConcernAgents, cache.AgentListKey(tenantID))
	set(cache.ConcernAgents, cache.AgentDetailKey(tenantID, "agent-1"))
	set(cache.ConcernPerformance, cache.AgentPerformanceKey(tenantID, "agent-1"))
	set(cache.ConcernLeads, cache.LeadStatsKey(tenantID))
	set(cache.ConcernQuery, cache.QueryKey(tenantID, "volume", "daily"))
}

func TestApplyCascadesCallChange(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")
	seedTenant(t, registry, "tenant-b")

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	removed := orch.Apply(Message{
		Table:     "calls",
		Operation: OpInsert,
		TenantID:  "tenant-a",
		EntityID:  "agent-1",
		BatchID:   "b1",
	})
	require.Equal(t, 3, removed)

	// tenant-a derived views are gone.
	require.False(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-a")))
	require.False(t, registry.Get(cache.ConcernPerformance).Has(cache.AgentPerformanceKey("tenant-a", "agent-1")))
	require.False(t, registry.Get(cache.ConcernQuery).Has(cache.QueryKey("tenant-a", "volume", "daily")))

	// Views a call does not feed survive.
	require.True(t, registry.Get(cache.ConcernAgents).Has(cache.AgentListKey("tenant-a")))
	require.True(t, registry.Get(cache.ConcernLeads).Has(cache.LeadStatsKey("tenant-a")))

	// Other tenants are untouched.
	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-b")))
	require.True(t, registry.Get(cache.ConcernQuery).Has(cache.QueryKey("tenant-b", "volume", "daily")))
}

func TestApplyIsIdempotent(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	msg := Message{Table: "leads", Operation: OpUpdate, TenantID: "tenant-a", BatchID: "b1"}

	first := orch.Apply(msg)
	require.Positive(t, first)
	require.Zero(t, orch.Apply(msg))
}

func TestApplyIgnoresUnwatchedTables(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	require.Zero(t, orch.Apply(Message{Table: "sessions", Operation: OpInsert, TenantID: "tenant-a", BatchID: "b1"}))
	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-a")))
}

func TestInvalidateUserScopesToTenant(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")
	seedTenant(t, registry, "tenant-b")

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	removed := orch.InvalidateUser("tenant-a")
	require.Equal(t, 6, removed)

	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-b")))
	require.True(t, registry.Get(cache.ConcernAgents).Has(cache.AgentListKey("tenant-b")))
}

func TestInvalidateAgentScopesToAgent(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")
	agents := registry.Get(cache.ConcernAgents)
	require.True(t, agents.Set(cache.AgentDetailKey("tenant-a", "agent-2"), []byte("v"), 0))

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	removed := orch.InvalidateAgent("tenant-a", "agent-1")
	require.Equal(t, 3, removed)

	require.False(t, agents.Has(cache.AgentDetailKey("tenant-a", "agent-1")))
	require.False(t, agents.Has(cache.AgentListKey("tenant-a")))
	require.False(t, registry.Get(cache.ConcernPerformance).Has(cache.AgentPerformanceKey("tenant-a", "agent-1")))

	// The sibling agent keeps its detail entry.
	require.True(t, agents.Has(cache.AgentDetailKey("tenant-a", "agent-2")))
}

func TestEmergencyCacheClearRequiresToken(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")

	orch := NewOrchestrator(registry, "sekrit", RefreshConfig{})

	require.False(t, orch.EmergencyCacheClear("incident-1", "wrong"))
	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-a")))

	require.True(t, orch.EmergencyCacheClear("incident-1", "sekrit"))
	require.Zero(t, registry.Get(cache.ConcernDashboard).Size())
}

func TestEmergencyCacheClearDeclinesWithoutConfiguredToken(t *testing.T) {
	registry := newRegistryFixture(t)
	seedTenant(t, registry, "tenant-a")

	orch := NewOrchestrator(registry, "", RefreshConfig{})
	require.False(t, orch.EmergencyCacheClear("incident-1", ""))
	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-a")))
}

func TestWarmCriticalDataRunsAllWarmers(t *testing.T) {
	registry := newRegistryFixture(t)
	orch := NewOrchestrator(registry, "", RefreshConfig{})

	orch.RegisterWarmer("dashboard", func(_ context.Context, tenantID string) error {
		registry.Get(cache.ConcernDashboard).Set(cache.DashboardKey(tenantID), []byte("warm"), 0)
		return nil
	})
	orch.RegisterWarmer("flaky", func(context.Context, string) error {
		return errors.New("upstream down")
	})

	err := orch.WarmCriticalData(context.Background(), []string{"tenant-a", "tenant-b"})
	require.Error(t, err)

	value, ok := registry.Get(cache.ConcernDashboard).Get(cache.DashboardKey("tenant-a"))
	require.True(t, ok)
	require.Equal(t, []byte("warm"), value)
	require.True(t, registry.Get(cache.ConcernDashboard).Has(cache.DashboardKey("tenant-b")))
}

func TestRefreshOnceReloadsAgingEntries(t *testing.T) {
	registry := newRegistryFixture(t)

	now := time.Now()
	clock := &now
	aged := cache.New("aged", cache.Policy{DefaultTTL: time.Minute}, cache.WithNow(func() time.Time { return *clock }))
	registry.Register(aged)
	t.Cleanup(aged.Stop)

	require.True(t, aged.Set(cache.DashboardKey("tenant-a"), []byte("stale"), time.Minute))
	later := now.Add(55 * time.Second)
	clock = &later

	orch := NewOrchestrator(registry, "", RefreshConfig{Threshold: 0.8})
	orch.RegisterLoader("aged", func(_ context.Context, key string) ([]byte, error) {
		return []byte("fresh"), nil
	})
	orch.refreshOnce(context.Background())

	value, ok := aged.Get(cache.DashboardKey("tenant-a"))
	require.True(t, ok)
	require.Equal(t, []byte("fresh"), value)
}

func TestRefreshKeepsStaleEntryWhenLoaderFails(t *testing.T) {
	registry := newRegistryFixture(t)

	now := time.Now()
	clock := &now
	aged := cache.New("aged", cache.Policy{DefaultTTL: time.Minute}, cache.WithNow(func() time.Time { return *clock }))
	registry.Register(aged)
	t.Cleanup(aged.Stop)

	require.True(t, aged.Set("k", []byte("stale"), time.Minute))
	later := now.Add(55 * time.Second)
	clock = &later

	orch := NewOrchestrator(registry, "", RefreshConfig{Threshold: 0.8})
	orch.RegisterLoader("aged", func(context.Context, string) ([]byte, error) {
		return nil, errors.New("query timeout")
	})
	orch.refreshOnce(context.Background())

	value, ok := aged.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("stale"), value)
}
