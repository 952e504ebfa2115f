package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/database"
	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/internal/models"
)

func newServiceFixture(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func newStore(t *testing.T, name string) *cache.BoundedStore {
	t.Helper()
	store := cache.New(name, cache.Policy{DefaultTTL: time.Minute})
	t.Cleanup(store.Stop)
	return store
}

func seedDashboardData(t *testing.T, db *gorm.DB, tenantID string) models.Agent {
	t.Helper()

	agent := models.Agent{TenantID: tenantID, Name: "Ava", Active: true}
	require.NoError(t, db.Create(&agent).Error)

	calls := []models.Call{
		{TenantID: tenantID, AgentID: agent.ID, Status: models.CallStatusCompleted, DurationSeconds: 60, StartedAt: time.Now()},
		{TenantID: tenantID, AgentID: agent.ID, Status: models.CallStatusCompleted, DurationSeconds: 120, StartedAt: time.Now()},
		{TenantID: tenantID, AgentID: agent.ID, Status: models.CallStatusNoAnswer, StartedAt: time.Now()},
	}
	for i := range calls {
		require.NoError(t, db.Create(&calls[i]).Error)
	}

	leads := []models.Lead{
		{TenantID: tenantID, Name: "L1", Status: models.LeadStatusQualified},
		{TenantID: tenantID, Name: "L2", Status: models.LeadStatusNew},
	}
	for i := range leads {
		require.NoError(t, db.Create(&leads[i]).Error)
	}
	return agent
}

func TestGetStatsComputesAggregates(t *testing.T) {
	db := newServiceFixture(t)
	seedDashboardData(t, db, "tenant-1")

	svc := NewDashboardService(db, newStore(t, cache.ConcernDashboard))
	stats, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.EqualValues(t, 3, stats.TotalCalls)
	require.EqualValues(t, 2, stats.CompletedCalls)
	require.InDelta(t, 90.0, stats.AvgCallDurationSec, 0.001)
	require.EqualValues(t, 2, stats.TotalLeads)
	require.EqualValues(t, 1, stats.QualifiedLeads)
	require.EqualValues(t, 1, stats.ActiveAgents)
}

func TestGetStatsServesSecondReadFromCache(t *testing.T) {
	db := newServiceFixture(t)
	seedDashboardData(t, db, "tenant-1")

	store := newStore(t, cache.ConcernDashboard)
	svc := NewDashboardService(db, store)

	first, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)

	// New rows are invisible until invalidation because the cache now holds
	// the aggregate.
	require.NoError(t, db.Create(&models.Lead{TenantID: "tenant-1", Name: "L3"}).Error)

	second, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, first.TotalLeads, second.TotalLeads)

	stats := store.Statistics()
	require.EqualValues(t, 1, stats.Hits)
}

func TestGetStatsRecomputesAfterInvalidation(t *testing.T) {
	db := newServiceFixture(t)
	seedDashboardData(t, db, "tenant-1")

	store := newStore(t, cache.ConcernDashboard)
	svc := NewDashboardService(db, store)

	_, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.Lead{TenantID: "tenant-1", Name: "L3"}).Error)
	store.InvalidatePattern(cache.TenantPrefix(cache.ConcernDashboard, "tenant-1"))

	stats, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalLeads)
}

func TestWarmerPopulatesCriticalKeys(t *testing.T) {
	db := newServiceFixture(t)
	seedDashboardData(t, db, "tenant-1")

	store := newStore(t, cache.ConcernDashboard)
	registry := cache.NewRegistry()
	registry.Register(store)

	svc := NewDashboardService(db, store)
	orch := invalidation.NewOrchestrator(registry, "", invalidation.RefreshConfig{})
	svc.RegisterWith(orch)

	require.NoError(t, orch.WarmCriticalData(context.Background(), []string{"tenant-1"}))

	// The warmed key is a hit without touching the database again.
	require.True(t, store.Has(cache.DashboardKey("tenant-1")))
	_, err := svc.GetStats(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, store.Statistics().Hits)
}

func TestTenantFromKey(t *testing.T) {
	tenant, ok := tenantFromKey("dashboard:tenant-1:stats")
	require.True(t, ok)
	require.Equal(t, "tenant-1", tenant)

	_, ok = tenantFromKey("dashboard")
	require.False(t, ok)
}
