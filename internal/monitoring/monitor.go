// Package monitoring aggregates cache and emitter statistics into a health
// report and scrape-friendly exports, and raises persisted alerts when
// thresholds are breached.
package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/invalidation"
)

// HealthStatus classifies the caching subsystem.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// Thresholds configure health classification.
type Thresholds struct {
	// MinHitRate is the lowest acceptable hit rate per cache instance.
	// Instances below half of it are critical.
	MinHitRate float64
	// MaxMemoryBytes is the alerting ceiling for combined cache memory.
	MaxMemoryBytes int64
	// MaxEmitterErrors is the acceptable windowed error count per watched
	// table before the emitter is considered unhealthy.
	MaxEmitterErrors int
	// MinLookups is the sample size below which hit rate is not judged,
	// avoiding false alarms on freshly started or idle caches.
	MinLookups uint64
}

// DefaultThresholds are conservative production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHitRate:       0.5,
		MaxMemoryBytes:   256 << 20,
		MaxEmitterErrors: 10,
		MinLookups:       100,
	}
}

// PerformanceMetrics is a point-in-time aggregate across all cache instances.
type PerformanceMetrics struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Caches         []cache.Statistics `json:"caches"`
	TotalHits      uint64             `json:"total_hits"`
	TotalMisses    uint64             `json:"total_misses"`
	TotalEvictions uint64             `json:"total_evictions"`
	TotalEntries   int                `json:"total_entries"`
	TotalMemory    int64              `json:"total_memory_bytes"`
	OverallHitRate float64            `json:"overall_hit_rate"`
}

// Issue describes one threshold breach found during a health check.
type Issue struct {
	RuleID   string       `json:"rule_id"`
	Severity HealthStatus `json:"severity"`
	Message  string       `json:"message"`
}

// HealthReport is the structured result of PerformHealthCheck.
type HealthReport struct {
	Overall         HealthStatus                 `json:"overall"`
	GeneratedAt     time.Time                    `json:"generated_at"`
	Metrics         PerformanceMetrics           `json:"metrics"`
	Emitters        []invalidation.TriggerHealth `json:"emitters"`
	Issues          []Issue                      `json:"issues"`
	Recommendations []string                     `json:"recommendations"`
}

// EmitterHealth is the slice of the emitter the monitor polls.
type EmitterHealth interface {
	Health() []invalidation.TriggerHealth
}

// Monitor reads cache and emitter state and classifies it.
type Monitor struct {
	registry   *cache.Registry
	emitter    EmitterHealth
	thresholds Thresholds
	now        func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithNow overrides the monitor clock.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor wires a monitor over the cache registry and emitter. emitter may
// be nil when no change emitter is running.
func NewMonitor(registry *cache.Registry, emitter EmitterHealth, thresholds Thresholds, opts ...Option) *Monitor {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}

	m := &Monitor{
		registry:   registry,
		emitter:    emitter,
		thresholds: thresholds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetPerformanceMetrics aggregates statistics across every registered cache.
func (m *Monitor) GetPerformanceMetrics() PerformanceMetrics {
	metrics := PerformanceMetrics{GeneratedAt: m.now()}

	m.registry.Each(func(store *cache.BoundedStore) {
		stats := store.Statistics()
		metrics.Caches = append(metrics.Caches, stats)
		metrics.TotalHits += stats.Hits
		metrics.TotalMisses += stats.Misses
		metrics.TotalEvictions += stats.Evictions
		metrics.TotalEntries += stats.Entries
		metrics.TotalMemory += stats.MemoryBytes
	})
	sort.Slice(metrics.Caches, func(i, j int) bool {
		return metrics.Caches[i].Name < metrics.Caches[j].Name
	})

	lookups := metrics.TotalHits + metrics.TotalMisses
	if lookups > 0 {
		metrics.OverallHitRate = float64(metrics.TotalHits) / float64(lookups)
	}
	return metrics
}

// PerformHealthCheck classifies the subsystem against the configured
// thresholds and suggests operator actions for each issue found.
func (m *Monitor) PerformHealthCheck() HealthReport {
	report := HealthReport{
		Overall:     StatusHealthy,
		GeneratedAt: m.now(),
		Metrics:     m.GetPerformanceMetrics(),
	}
	if m.emitter != nil {
		report.Emitters = m.emitter.Health()
	}

	for _, stats := range report.Metrics.Caches {
		lookups := stats.Hits + stats.Misses
		if lookups < m.thresholds.MinLookups {
			continue
		}
		switch {
		case stats.HitRate < m.thresholds.MinHitRate/2:
			report.addIssue(Issue{
				RuleID:   "cache.hit_rate." + stats.Name,
				Severity: StatusCritical,
				Message:  fmt.Sprintf("cache %s hit rate %.2f is far below target %.2f", stats.Name, stats.HitRate, m.thresholds.MinHitRate),
			}, "Review TTLs and warming coverage for cache "+stats.Name)
		case stats.HitRate < m.thresholds.MinHitRate:
			report.addIssue(Issue{
				RuleID:   "cache.hit_rate." + stats.Name,
				Severity: StatusDegraded,
				Message:  fmt.Sprintf("cache %s hit rate %.2f is below target %.2f", stats.Name, stats.HitRate, m.thresholds.MinHitRate),
			}, "Consider longer TTLs or pre-warming for cache "+stats.Name)
		}
	}

	if m.thresholds.MaxMemoryBytes > 0 && report.Metrics.TotalMemory > m.thresholds.MaxMemoryBytes {
		report.addIssue(Issue{
			RuleID:   "cache.memory",
			Severity: StatusCritical,
			Message:  fmt.Sprintf("combined cache memory %d bytes exceeds ceiling %d", report.Metrics.TotalMemory, m.thresholds.MaxMemoryBytes),
		}, "Lower per-cache memory policies or shorten TTLs")
	}

	for _, trigger := range report.Emitters {
		switch {
		case !trigger.Enabled:
			report.addIssue(Issue{
				RuleID:   "emitter.disabled." + trigger.Table,
				Severity: StatusCritical,
				Message:  fmt.Sprintf("change emitter for table %s is disabled; caches will go stale until TTL", trigger.Table),
			}, "Re-enable the emitter for table "+trigger.Table+" after fixing the underlying failure")
		case m.thresholds.MaxEmitterErrors > 0 && trigger.RecentErrors > m.thresholds.MaxEmitterErrors:
			report.addIssue(Issue{
				RuleID:   "emitter.errors." + trigger.Table,
				Severity: StatusDegraded,
				Message:  fmt.Sprintf("change emitter for table %s logged %d recent errors", trigger.Table, trigger.RecentErrors),
			}, "Inspect trigger_error_logs for table "+trigger.Table)
		}
	}

	return report
}

func (r *HealthReport) addIssue(issue Issue, recommendation string) {
	r.Issues = append(r.Issues, issue)
	r.Recommendations = append(r.Recommendations, recommendation)

	if issue.Severity == StatusCritical {
		r.Overall = StatusCritical
	} else if r.Overall == StatusHealthy {
		r.Overall = StatusDegraded
	}
}

// RenderMetrics renders the aggregate in a line-based `metric_name value`
// format for external scrapers that do not speak the Prometheus endpoint.
func (m *Monitor) RenderMetrics() string {
	metrics := m.GetPerformanceMetrics()

	var b strings.Builder
	write := func(name string, value interface{}) {
		fmt.Fprintf(&b, "%s %v\n", name, value)
	}

	for _, stats := range metrics.Caches {
		prefix := "cache_" + stats.Name + "_"
		write(prefix+"hits", stats.Hits)
		write(prefix+"misses", stats.Misses)
		write(prefix+"hit_rate", fmt.Sprintf("%.4f", stats.HitRate))
		write(prefix+"entries", stats.Entries)
		write(prefix+"memory_bytes", stats.MemoryBytes)
		write(prefix+"evictions", stats.Evictions)
	}
	write("cache_total_hits", metrics.TotalHits)
	write("cache_total_misses", metrics.TotalMisses)
	write("cache_total_entries", metrics.TotalEntries)
	write("cache_total_memory_bytes", metrics.TotalMemory)
	write("cache_overall_hit_rate", fmt.Sprintf("%.4f", metrics.OverallHitRate))

	if m.emitter != nil {
		for _, trigger := range m.emitter.Health() {
			enabled := 0
			if trigger.Enabled {
				enabled = 1
			}
			write("emitter_"+trigger.Table+"_enabled", enabled)
			write("emitter_"+trigger.Table+"_recent_errors", trigger.RecentErrors)
		}
	}
	return b.String()
}
