package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/internal/models"
	apperrors "github.com/calltrics/calltrics/pkg/errors"
)

func cacheKeyError(key string) error {
	return fmt.Errorf("services: cache key %q has no tenant segment", key)
}

// AgentPerformance is one agent's call roll-up.
type AgentPerformance struct {
	TenantID           string    `json:"tenant_id"`
	AgentID            string    `json:"agent_id"`
	TotalCalls         int64     `json:"total_calls"`
	CompletedCalls     int64     `json:"completed_calls"`
	CompletionRate     float64   `json:"completion_rate"`
	AvgCallDurationSec float64   `json:"avg_call_duration_sec"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// AgentService serves agent rosters, details, and performance roll-ups
// through the agents and agent_perf cache instances.
type AgentService struct {
	db        *gorm.DB
	agents    *cache.BoundedStore
	perfCache *cache.BoundedStore
}

// NewAgentService wires the service over the database and its caches.
func NewAgentService(db *gorm.DB, agents, perf *cache.BoundedStore) *AgentService {
	return &AgentService{db: db, agents: agents, perfCache: perf}
}

// List returns the tenant's agent roster, cached.
func (s *AgentService) List(ctx context.Context, tenantID string) ([]models.Agent, error) {
	key := cache.AgentListKey(tenantID)
	if payload, ok := s.agents.Get(key); ok {
		var roster []models.Agent
		if err := json.Unmarshal(payload, &roster); err == nil {
			return roster, nil
		}
		s.agents.Delete(key)
	}

	var roster []models.Agent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("name").
		Find(&roster).Error
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(roster); err == nil {
		s.agents.Set(key, payload, 0)
	}
	return roster, nil
}

// Get returns one agent's detail, cached.
func (s *AgentService) Get(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	key := cache.AgentDetailKey(tenantID, agentID)
	if payload, ok := s.agents.Get(key); ok {
		var agent models.Agent
		if err := json.Unmarshal(payload, &agent); err == nil {
			return &agent, nil
		}
		s.agents.Delete(key)
	}

	var agent models.Agent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, agentID).
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}

	if payload, err := json.Marshal(agent); err == nil {
		s.agents.Set(key, payload, 0)
	}
	return &agent, nil
}

// Performance returns one agent's call roll-up, cached.
func (s *AgentService) Performance(ctx context.Context, tenantID, agentID string) (AgentPerformance, error) {
	key := cache.AgentPerformanceKey(tenantID, agentID)
	if payload, ok := s.perfCache.Get(key); ok {
		var perf AgentPerformance
		if err := json.Unmarshal(payload, &perf); err == nil {
			return perf, nil
		}
		s.perfCache.Delete(key)
	}

	perf, err := s.queryPerformance(ctx, tenantID, agentID)
	if err != nil {
		return AgentPerformance{}, err
	}

	if payload, err := json.Marshal(perf); err == nil {
		s.perfCache.Set(key, payload, 0)
	}
	return perf, nil
}

// RegisterWith hooks the service into the orchestrator: the roster is warmed
// as a critical key and the performance cache gets a background-refresh
// loader.
func (s *AgentService) RegisterWith(orch *invalidation.Orchestrator) {
	orch.RegisterWarmer("agent_roster", func(ctx context.Context, tenantID string) error {
		_, err := s.List(ctx, tenantID)
		return err
	})
	orch.RegisterLoader(s.perfCache.Name(), func(ctx context.Context, key string) ([]byte, error) {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			return nil, cacheKeyError(key)
		}
		perf, err := s.queryPerformance(ctx, parts[1], parts[2])
		if err != nil {
			return nil, err
		}
		return json.Marshal(perf)
	})
}

func (s *AgentService) queryPerformance(ctx context.Context, tenantID, agentID string) (AgentPerformance, error) {
	perf := AgentPerformance{
		TenantID:    tenantID,
		AgentID:     agentID,
		GeneratedAt: time.Now().UTC(),
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Call{}).
		Where("tenant_id = ? AND agent_id = ?", tenantID, agentID).
		Count(&perf.TotalCalls).Error; err != nil {
		return AgentPerformance{}, err
	}
	if err := db.Model(&models.Call{}).
		Where("tenant_id = ? AND agent_id = ? AND status = ?", tenantID, agentID, models.CallStatusCompleted).
		Count(&perf.CompletedCalls).Error; err != nil {
		return AgentPerformance{}, err
	}
	if err := db.Model(&models.Call{}).
		Where("tenant_id = ? AND agent_id = ? AND status = ?", tenantID, agentID, models.CallStatusCompleted).
		Select("COALESCE(AVG(duration_seconds), 0)").
		Scan(&perf.AvgCallDurationSec).Error; err != nil {
		return AgentPerformance{}, err
	}

	if perf.TotalCalls > 0 {
		perf.CompletionRate = float64(perf.CompletedCalls) / float64(perf.TotalCalls)
	}
	return perf, nil
}
