// Package maintenance runs the retention jobs that keep audit tables bounded.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/pkg/logger"
)

const (
	defaultSchedule          = "@hourly"
	defaultTriggerLogMaxAge  = 7 * 24 * time.Hour
	defaultResolvedAlertsAge = 30 * 24 * time.Hour
)

// Cleaner purges aged trigger error logs and resolved alerts on a schedule.
type Cleaner struct {
	db   *gorm.DB
	cron *cron.Cron
	now  func() time.Time
	log  *zap.Logger

	schedule          string
	triggerLogMaxAge  time.Duration
	resolvedAlertsAge time.Duration
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron expression for the cleanup job.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithTriggerLogMaxAge adjusts how long emitter error logs are retained.
func WithTriggerLogMaxAge(age time.Duration) Option {
	return func(cleaner *Cleaner) {
		if age > 0 {
			cleaner.triggerLogMaxAge = age
		}
	}
}

// WithResolvedAlertsAge adjusts how long resolved alerts are retained.
func WithResolvedAlertsAge(age time.Duration) Option {
	return func(cleaner *Cleaner) {
		if age > 0 {
			cleaner.resolvedAlertsAge = age
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(db *gorm.DB, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                db,
		now:               time.Now,
		schedule:          defaultSchedule,
		triggerLogMaxAge:  defaultTriggerLogMaxAge,
		resolvedAlertsAge: defaultResolvedAlertsAge,
		log:               logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

// Start registers the cleanup job with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.db == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("retention cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all retention routines sequentially. Primarily used in
// tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if removed, err := c.cleanupTriggerLogs(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else if removed > 0 {
		c.log.Info("purged aged trigger error logs", zap.Int64("removed", removed))
	}

	if removed, err := c.cleanupResolvedAlerts(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else if removed > 0 {
		c.log.Info("purged aged resolved alerts", zap.Int64("removed", removed))
	}

	return errs
}

func (c *Cleaner) cleanupTriggerLogs(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.triggerLogMaxAge)
	result := c.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&models.TriggerErrorLog{})
	return result.RowsAffected, result.Error
}

func (c *Cleaner) cleanupResolvedAlerts(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.resolvedAlertsAge)
	result := c.db.WithContext(ctx).
		Where("status = ? AND resolved_at < ?", models.AlertStatusResolved, cutoff).
		Delete(&models.Alert{})
	return result.RowsAffected, result.Error
}
