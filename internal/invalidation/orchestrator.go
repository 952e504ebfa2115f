package invalidation

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/pkg/logger"
	"github.com/calltrics/calltrics/pkg/metrics"
)

// Loader produces a fresh value for one cache key during background refresh.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Warmer pre-populates a tenant's critical cache entries.
type Warmer func(ctx context.Context, tenantID string) error

// RefreshConfig tunes proactive refresh of aging entries.
type RefreshConfig struct {
	// Interval between refresh sweeps.
	Interval time.Duration
	// Threshold is the fraction of an entry's TTL after which it becomes a
	// refresh candidate.
	Threshold float64
	// Timeout bounds a single loader call.
	Timeout time.Duration
}

const (
	defaultRefreshInterval  = time.Minute
	defaultRefreshThreshold = 0.8
	defaultRefreshTimeout   = 10 * time.Second
)

// Orchestrator owns cache invalidation decisions: cascading row changes to
// cache prefixes, manual per-tenant and per-agent invalidation, emergency
// clears, warming, and background refresh.
type Orchestrator struct {
	registry       *cache.Registry
	rules          map[string][]PatternTemplate
	emergencyToken string
	refreshCfg     RefreshConfig
	log            *zap.Logger

	mu       sync.Mutex
	loaders  map[string]Loader
	warmers  map[string]Warmer
	schedule *cron.Cron
	started  bool
}

// OrchestratorOption customises an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCron substitutes the refresh scheduler.
func WithCron(c *cron.Cron) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.schedule = c
		}
	}
}

// WithRules replaces the default cascade rules.
func WithRules(rules []CascadeRule) OrchestratorOption {
	return func(o *Orchestrator) {
		o.rules = indexRules(rules)
	}
}

// NewOrchestrator wires the orchestrator over a cache registry. The
// emergencyToken guards EmergencyCacheClear; an empty token declines every
// clear request.
func NewOrchestrator(registry *cache.Registry, emergencyToken string, refreshCfg RefreshConfig, opts ...OrchestratorOption) *Orchestrator {
	if refreshCfg.Interval <= 0 {
		refreshCfg.Interval = defaultRefreshInterval
	}
	if refreshCfg.Threshold <= 0 || refreshCfg.Threshold >= 1 {
		refreshCfg.Threshold = defaultRefreshThreshold
	}
	if refreshCfg.Timeout <= 0 {
		refreshCfg.Timeout = defaultRefreshTimeout
	}

	o := &Orchestrator{
		registry:       registry,
		rules:          indexRules(DefaultRules()),
		emergencyToken: emergencyToken,
		refreshCfg:     refreshCfg,
		log:            logger.WithModule("invalidation.orchestrator"),
		loaders:        make(map[string]Loader),
		warmers:        make(map[string]Warmer),
		schedule:       cron.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func indexRules(rules []CascadeRule) map[string][]PatternTemplate {
	indexed := make(map[string][]PatternTemplate, len(rules))
	for _, rule := range rules {
		indexed[rule.Table] = rule.Patterns
	}
	return indexed
}

// Apply cascades one change message into cache invalidations and returns the
// number of entries removed. Messages for unwatched tables are no-ops, as are
// duplicates of already-applied messages.
func (o *Orchestrator) Apply(msg Message) int {
	patterns, ok := o.rules[msg.Table]
	if !ok {
		metrics.InvalidationMessages.WithLabelValues("dropped").Inc()
		o.log.Debug("no cascade rule for table", zap.String("table", msg.Table))
		return 0
	}

	removed := 0
	for _, pattern := range patterns {
		store := o.registry.Get(pattern.Cache)
		if store == nil {
			continue
		}
		removed += store.InvalidatePattern(pattern.Expand(msg))
	}

	metrics.InvalidationMessages.WithLabelValues("applied").Inc()
	o.log.Debug("applied invalidation",
		zap.String("table", msg.Table),
		zap.String("operation", string(msg.Operation)),
		zap.String("tenant_id", msg.TenantID),
		zap.String("batch_id", msg.BatchID),
		zap.Int("removed", removed),
	)
	return removed
}

// InvalidateUser drops every cached entry belonging to one tenant across all
// registered caches.
func (o *Orchestrator) InvalidateUser(tenantID string) int {
	removed := 0
	o.registry.Each(func(store *cache.BoundedStore) {
		removed += store.InvalidatePattern(cache.TenantPrefix(store.Name(), tenantID))
	})

	o.log.Info("invalidated tenant caches",
		zap.String("tenant_id", tenantID),
		zap.Int("removed", removed),
	)
	return removed
}

// InvalidateAgent drops one agent's cached detail and performance entries,
// plus the tenant's agent list which embeds the agent.
func (o *Orchestrator) InvalidateAgent(tenantID, agentID string) int {
	removed := 0
	if store := o.registry.Get(cache.ConcernAgents); store != nil {
		removed += store.InvalidatePattern(cache.AgentPrefix(tenantID, agentID))
		if store.Delete(cache.AgentListKey(tenantID)) {
			removed++
		}
	}
	if store := o.registry.Get(cache.ConcernPerformance); store != nil {
		if store.Delete(cache.AgentPerformanceKey(tenantID, agentID)) {
			removed++
		}
	}

	o.log.Info("invalidated agent caches",
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", agentID),
		zap.Int("removed", removed),
	)
	return removed
}

// EmergencyCacheClear wipes every registered cache. The caller must present
// the configured token; a mismatch declines the clear with no side effects.
func (o *Orchestrator) EmergencyCacheClear(reason, token string) bool {
	if o.emergencyToken == "" {
		o.log.Warn("emergency cache clear declined: no token configured")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(o.emergencyToken)) != 1 {
		o.log.Warn("emergency cache clear declined: token mismatch",
			zap.String("reason", reason),
		)
		return false
	}

	cleared := o.registry.ClearAll()
	o.log.Warn("emergency cache clear executed",
		zap.String("reason", reason),
		zap.Int("entries_cleared", cleared),
	)
	return true
}

// RegisterLoader installs the background-refresh loader for one cache.
func (o *Orchestrator) RegisterLoader(cacheName string, loader Loader) {
	if cacheName == "" || loader == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaders[cacheName] = loader
}

// RegisterWarmer installs a named warmer run by WarmCriticalData.
func (o *Orchestrator) RegisterWarmer(name string, warmer Warmer) {
	if name == "" || warmer == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warmers[name] = warmer
}

// WarmCriticalData runs every registered warmer for each tenant. A failing
// warmer is reported but does not stop the rest.
func (o *Orchestrator) WarmCriticalData(ctx context.Context, tenantIDs []string) error {
	o.mu.Lock()
	warmers := make(map[string]Warmer, len(o.warmers))
	for name, warmer := range o.warmers {
		warmers[name] = warmer
	}
	o.mu.Unlock()

	var errs error
	for _, tenantID := range tenantIDs {
		for name, warmer := range warmers {
			if err := ctx.Err(); err != nil {
				return multierr.Append(errs, err)
			}
			if err := warmer(ctx, tenantID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("warm %s for tenant %s: %w", name, tenantID, err))
				o.log.Warn("cache warmer failed",
					zap.String("warmer", name),
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
			}
		}
	}
	return errs
}

// StartBackgroundRefresh schedules periodic refresh of entries nearing their
// TTL. Calling it again is a no-op.
func (o *Orchestrator) StartBackgroundRefresh(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}

	spec := fmt.Sprintf("@every %s", o.refreshCfg.Interval)
	if _, err := o.schedule.AddFunc(spec, func() { o.refreshOnce(ctx) }); err != nil {
		return fmt.Errorf("invalidation: schedule refresh: %w", err)
	}

	o.schedule.Start()
	o.started = true
	o.log.Info("background cache refresh started",
		zap.Duration("interval", o.refreshCfg.Interval),
		zap.Float64("threshold", o.refreshCfg.Threshold),
	)
	return nil
}

// StopBackgroundRefresh halts the scheduler and waits for a running sweep.
func (o *Orchestrator) StopBackgroundRefresh() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}
	<-o.schedule.Stop().Done()
	o.started = false
}

// refreshOnce refreshes aging entries in every cache that has a loader.
// Loader failures leave the stale entry in place; it will expire on its own.
func (o *Orchestrator) refreshOnce(ctx context.Context) {
	o.mu.Lock()
	loaders := make(map[string]Loader, len(o.loaders))
	for name, loader := range o.loaders {
		loaders[name] = loader
	}
	o.mu.Unlock()

	for cacheName, loader := range loaders {
		store := o.registry.Get(cacheName)
		if store == nil {
			continue
		}

		for _, key := range store.RefreshCandidates(o.refreshCfg.Threshold) {
			if ctx.Err() != nil {
				return
			}
			o.refreshKey(ctx, store, loader, key)
		}
	}
}

func (o *Orchestrator) refreshKey(ctx context.Context, store *cache.BoundedStore, loader Loader, key string) {
	loadCtx, cancel := context.WithTimeout(ctx, o.refreshCfg.Timeout)
	defer cancel()

	ttl, ok := store.EntryTTL(key)
	if !ok {
		return
	}

	value, err := loader(loadCtx, key)
	if err != nil {
		o.log.Warn("background refresh failed, keeping stale entry",
			zap.String("cache", store.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	store.Set(key, value, ttl)
}
