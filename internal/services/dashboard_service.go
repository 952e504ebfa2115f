// Package services holds the read-through data services the caches front:
// on a miss they run the aggregate query, store the encoded result with the
// instance TTL, and serve subsequent reads from memory.
package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/pkg/logger"
)

// DashboardStats is a tenant's aggregated dashboard view.
type DashboardStats struct {
	TenantID           string    `json:"tenant_id"`
	TotalCalls         int64     `json:"total_calls"`
	CompletedCalls     int64     `json:"completed_calls"`
	AvgCallDurationSec float64   `json:"avg_call_duration_sec"`
	TotalLeads         int64     `json:"total_leads"`
	QualifiedLeads     int64     `json:"qualified_leads"`
	ActiveAgents       int64     `json:"active_agents"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// DashboardService serves tenant dashboard aggregates through the dashboard
// cache instance.
type DashboardService struct {
	db    *gorm.DB
	cache *cache.BoundedStore
	log   *zap.Logger
}

// NewDashboardService wires the service over the database and its cache.
func NewDashboardService(db *gorm.DB, store *cache.BoundedStore) *DashboardService {
	return &DashboardService{
		db:    db,
		cache: store,
		log:   logger.WithModule("services.dashboard"),
	}
}

// GetStats returns the tenant's dashboard aggregate, served from cache when
// possible.
func (s *DashboardService) GetStats(ctx context.Context, tenantID string) (DashboardStats, error) {
	key := cache.DashboardKey(tenantID)
	if payload, ok := s.cache.Get(key); ok {
		var stats DashboardStats
		if err := json.Unmarshal(payload, &stats); err == nil {
			return stats, nil
		}
		// A corrupt entry is dropped and recomputed.
		s.cache.Delete(key)
	}

	stats, err := s.queryStats(ctx, tenantID)
	if err != nil {
		return DashboardStats{}, err
	}

	if payload, err := json.Marshal(stats); err == nil {
		s.cache.Set(key, payload, 0)
	}
	return stats, nil
}

func (s *DashboardService) queryStats(ctx context.Context, tenantID string) (DashboardStats, error) {
	stats := DashboardStats{TenantID: tenantID, GeneratedAt: time.Now().UTC()}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Call{}).
		Where("tenant_id = ?", tenantID).
		Count(&stats.TotalCalls).Error; err != nil {
		return DashboardStats{}, err
	}
	if err := db.Model(&models.Call{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.CallStatusCompleted).
		Count(&stats.CompletedCalls).Error; err != nil {
		return DashboardStats{}, err
	}
	if err := db.Model(&models.Call{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.CallStatusCompleted).
		Select("COALESCE(AVG(duration_seconds), 0)").
		Scan(&stats.AvgCallDurationSec).Error; err != nil {
		return DashboardStats{}, err
	}
	if err := db.Model(&models.Lead{}).
		Where("tenant_id = ?", tenantID).
		Count(&stats.TotalLeads).Error; err != nil {
		return DashboardStats{}, err
	}
	if err := db.Model(&models.Lead{}).
		Where("tenant_id = ? AND status IN ?", tenantID,
			[]string{models.LeadStatusQualified, models.LeadStatusConverted}).
		Count(&stats.QualifiedLeads).Error; err != nil {
		return DashboardStats{}, err
	}
	if err := db.Model(&models.Agent{}).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Count(&stats.ActiveAgents).Error; err != nil {
		return DashboardStats{}, err
	}

	return stats, nil
}

// RegisterWith hooks the service into the orchestrator as both a warmer for
// critical keys and a loader for background refresh.
func (s *DashboardService) RegisterWith(orch *invalidation.Orchestrator) {
	orch.RegisterWarmer("dashboard", func(ctx context.Context, tenantID string) error {
		_, err := s.GetStats(ctx, tenantID)
		return err
	})
	orch.RegisterLoader(s.cache.Name(), func(ctx context.Context, key string) ([]byte, error) {
		tenantID, ok := tenantFromKey(key)
		if !ok {
			s.log.Warn("unparseable dashboard cache key", zap.String("key", key))
			return nil, cacheKeyError(key)
		}
		stats, err := s.queryStats(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	})
}

// tenantFromKey extracts the tenant segment of a {concern}:{tenant}:... key.
func tenantFromKey(key string) (string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
