// Package warming pre-populates critical cache entries for tenants that are
// actually using the product, so their first dashboard load after a deploy is
// a hit instead of a thundering herd of queries.
package warming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/pkg/logger"
)

// Config tunes the warming scheduler.
type Config struct {
	// Interval between scheduled warm-up runs.
	Interval time.Duration
	// ActivityWindow selects tenants with call activity inside this window.
	ActivityWindow time.Duration
	// MaxTenants caps how many tenants one run warms, busiest first.
	MaxTenants int
}

const (
	defaultInterval       = 15 * time.Minute
	defaultActivityWindow = 24 * time.Hour
	defaultMaxTenants     = 100
)

// Scheduler discovers recently-active tenants and warms their critical cache
// entries through the invalidation orchestrator, at startup and on a cron
// schedule.
type Scheduler struct {
	db   *gorm.DB
	orch *invalidation.Orchestrator
	cfg  Config
	log  *zap.Logger

	mu       sync.Mutex
	schedule *cron.Cron
	started  bool
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithCron substitutes the cron scheduler.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.schedule = c
		}
	}
}

// NewScheduler wires a warming scheduler over the database and orchestrator.
func NewScheduler(db *gorm.DB, orch *invalidation.Orchestrator, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = defaultActivityWindow
	}
	if cfg.MaxTenants <= 0 {
		cfg.MaxTenants = defaultMaxTenants
	}

	s := &Scheduler{
		db:       db,
		orch:     orch,
		cfg:      cfg,
		log:      logger.WithModule("warming"),
		schedule: cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one immediate warm-up and schedules periodic runs. Calling it
// again is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.schedule.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduled warm-up finished with errors", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("warming: schedule: %w", err)
	}

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("startup warm-up finished with errors", zap.Error(err))
	}

	s.schedule.Start()
	s.started = true
	s.log.Info("warming scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("activity_window", s.cfg.ActivityWindow),
	)
	return nil
}

// Stop halts the schedule and waits for a running warm-up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.schedule.Stop().Done()
	s.started = false
}

// RunOnce warms every recently-active tenant's critical entries.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	tenants, err := s.RecentlyActiveTenants(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return nil
	}

	s.log.Info("warming caches for active tenants", zap.Int("tenants", len(tenants)))
	return s.orch.WarmCriticalData(ctx, tenants)
}

// RecentlyActiveTenants returns tenant ids with call activity inside the
// configured window, busiest first, capped at MaxTenants.
func (s *Scheduler) RecentlyActiveTenants(ctx context.Context) ([]string, error) {
	since := time.Now().Add(-s.cfg.ActivityWindow)

	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&models.Call{}).
		Where("started_at >= ?", since).
		Group("tenant_id").
		Order("COUNT(*) DESC").
		Limit(s.cfg.MaxTenants).
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("warming: query active tenants: %w", err)
	}
	return tenants, nil
}
