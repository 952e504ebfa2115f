package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits records cache hits per named instance.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calltrics_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses records cache misses per named instance.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calltrics_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// CacheEvictions records LRU evictions per named instance.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calltrics_cache_evictions_total",
			Help: "Total number of cache entries evicted under pressure",
		},
		[]string{"cache"},
	)

	// CacheEntries tracks the current entry count per named instance.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calltrics_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"cache"},
	)

	// CacheMemoryBytes tracks the estimated memory footprint per named instance.
	CacheMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calltrics_cache_memory_bytes",
			Help: "Estimated memory used by cache entries",
		},
		[]string{"cache"},
	)

	// InvalidationMessages counts messages handled by the listener by outcome
	// (applied|dropped|error).
	InvalidationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calltrics_invalidation_messages_total",
			Help: "Invalidation messages processed by the change listener",
		},
		[]string{"outcome"},
	)

	// ListenerReconnects counts listener reconnect attempts after channel loss.
	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calltrics_listener_reconnects_total",
			Help: "Change listener reconnect attempts",
		},
	)

	// EmitterErrors counts swallowed change-emitter failures per table.
	EmitterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calltrics_emitter_errors_total",
			Help: "Change emitter failures swallowed on the write path",
		},
		[]string{"table"},
	)
)
