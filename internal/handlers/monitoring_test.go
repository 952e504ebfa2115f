package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/database"
	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/internal/monitoring"
)

func newMonitoringRouter(t *testing.T) (*gin.Engine, *monitoring.AlertService) {
	t.Helper()

	registry := cache.NewRegistry()
	store := cache.New(cache.ConcernDashboard, cache.Policy{DefaultTTL: time.Minute})
	registry.Register(store)
	t.Cleanup(registry.StopAll)

	require.True(t, store.Set("dashboard:t1:stats", []byte("v"), 0))
	store.Get("dashboard:t1:stats")

	db, err := database.Open(database.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, database.AutoMigrate(db))

	monitor := monitoring.NewMonitor(registry, nil, monitoring.DefaultThresholds())
	alerts := monitoring.NewAlertService(db)
	router := NewRouter(nil, NewMonitoringHandler(monitor, alerts))
	return router, alerts
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newMonitoringRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/health", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool                    `json:"success"`
		Data    monitoring.HealthReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, monitoring.StatusHealthy, body.Data.Overall)
}

func TestExportEndpointIsLineFormat(t *testing.T) {
	router, _ := newMonitoringRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/export", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cache_dashboard_hits 1\n")
	for _, line := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n") {
		require.Len(t, strings.Fields(line), 2)
	}
}

func TestAlertEndpoints(t *testing.T) {
	router, alerts := newMonitoringRouter(t)

	raised, err := alerts.Raise("cache.memory", models.AlertSeverityCritical, "over ceiling")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/alerts", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cache.memory")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/monitoring/alerts/"+raised.ID+"/acknowledge", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/monitoring/alerts/"+raised.ID+"/resolve", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/monitoring/alerts/missing/resolve", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrometheusEndpointMounted(t *testing.T) {
	router, _ := newMonitoringRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
