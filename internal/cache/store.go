package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/calltrics/calltrics/pkg/metrics"
)

// entryOverhead approximates the per-entry bookkeeping cost (map slot, list
// element, timestamps) counted against the memory ceiling.
const entryOverhead = 128

// Policy bounds a single cache instance.
type Policy struct {
	// MaxEntries caps the number of live entries. Zero means unbounded.
	MaxEntries int
	// MaxMemoryBytes caps the estimated memory footprint. Zero means unbounded.
	MaxMemoryBytes int64
	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL time.Duration
	// SweepInterval controls the proactive expiry sweep. Zero disables it.
	SweepInterval time.Duration
}

// Statistics is a point-in-time snapshot of one cache instance.
type Statistics struct {
	Name        string  `json:"name"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
}

type entry struct {
	key            string
	value          []byte
	size           int64
	ttl            time.Duration
	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
}

// BoundedStore is an in-memory key/value cache with TTL expiry, entry and
// memory ceilings, and LRU eviction. All operations are safe for concurrent
// use; mutations are serialised behind a single lock.
type BoundedStore struct {
	name   string
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used
	memory  int64

	hits        uint64
	misses      uint64
	sets        uint64
	evictions   uint64
	expirations uint64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option customises a BoundedStore.
type Option func(*BoundedStore)

// WithNow overrides the clock used for TTL decisions, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(s *BoundedStore) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a named BoundedStore. When the policy enables sweeping, a
// background goroutine removes expired entries until Stop is called.
func New(name string, policy Policy, opts ...Option) *BoundedStore {
	if policy.DefaultTTL <= 0 {
		policy.DefaultTTL = 5 * time.Minute
	}

	store := &BoundedStore{
		name:    name,
		policy:  policy,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}

	for _, opt := range opts {
		opt(store)
	}

	if policy.SweepInterval > 0 {
		store.sweepStop = make(chan struct{})
		go store.sweepLoop(policy.SweepInterval)
	}

	return store
}

// Name returns the instance name used for monitoring.
func (s *BoundedStore) Name() string { return s.name }

// Stop terminates the background sweep goroutine, if any.
func (s *BoundedStore) Stop() {
	if s.sweepStop == nil {
		return
	}
	s.sweepOnce.Do(func() {
		close(s.sweepStop)
	})
}

// Set stores a value under key with the supplied TTL (DefaultTTL when ttl <= 0).
// It reports false, without storing, when the entry alone can never fit the
// memory ceiling. Existing entries are replaced.
func (s *BoundedStore) Set(key string, value []byte, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	if ttl <= 0 {
		ttl = s.policy.DefaultTTL
	}

	size := estimateSize(key, value)
	if s.policy.MaxMemoryBytes > 0 && size > s.policy.MaxMemoryBytes {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.removeElement(elem)
	}

	if s.policy.MaxEntries > 0 {
		for s.lru.Len() >= s.policy.MaxEntries {
			s.evictOldest()
		}
	}
	if s.policy.MaxMemoryBytes > 0 {
		for s.memory+size > s.policy.MaxMemoryBytes && s.lru.Len() > 0 {
			s.evictOldest()
		}
	}

	now := s.now()
	ent := &entry{
		key:            key,
		value:          value,
		size:           size,
		ttl:            ttl,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
	s.entries[key] = s.lru.PushFront(ent)
	s.memory += size
	s.sets++
	s.publishGauges()
	return true
}

// Get returns the value for key. Expired entries are removed lazily and
// reported as misses regardless of sweep timing.
func (s *BoundedStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		s.misses++
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, false
	}

	ent := elem.Value.(*entry)
	if s.now().After(ent.expiresAt) {
		s.removeElement(elem)
		s.expirations++
		s.misses++
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		s.publishGauges()
		return nil, false
	}

	ent.lastAccessedAt = s.now()
	s.lru.MoveToFront(elem)
	s.hits++
	metrics.CacheHits.WithLabelValues(s.name).Inc()
	return ent.value, true
}

// Has reports whether a live entry exists for key without counting a hit or
// refreshing recency.
func (s *BoundedStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false
	}
	return !s.now().After(elem.Value.(*entry).expiresAt)
}

// Delete removes key and reports whether an entry was present. Deleting an
// absent key is a no-op.
func (s *BoundedStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeElement(elem)
	s.publishGauges()
	return true
}

// Clear removes every entry. Statistics counters are preserved.
func (s *BoundedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.memory = 0
	s.publishGauges()
}

// InvalidatePattern removes every key beginning with prefix and returns the
// number of entries deleted.
func (s *BoundedStore) InvalidatePattern(prefix string) int {
	if prefix == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, elem := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeElement(elem)
			removed++
		}
	}
	if removed > 0 {
		s.publishGauges()
	}
	return removed
}

// Keys returns a snapshot of all live keys in no particular order.
func (s *BoundedStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	now := s.now()
	for key, elem := range s.entries {
		if now.After(elem.Value.(*entry).expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Size returns the current entry count.
func (s *BoundedStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MemoryUsage returns the estimated footprint in bytes.
func (s *BoundedStore) MemoryUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// Statistics returns a snapshot of the instance counters.
func (s *BoundedStore) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	lookups := s.hits + s.misses
	var hitRate float64
	if lookups > 0 {
		hitRate = float64(s.hits) / float64(lookups)
	}

	return Statistics{
		Name:        s.name,
		Hits:        s.hits,
		Misses:      s.misses,
		Sets:        s.sets,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		HitRate:     hitRate,
		Entries:     len(s.entries),
		MemoryBytes: s.memory,
	}
}

// ResetStatistics zeroes all counters. Entries are unaffected.
func (s *BoundedStore) ResetStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits = 0
	s.misses = 0
	s.sets = 0
	s.evictions = 0
	s.expirations = 0
}

// RefreshCandidates returns live keys whose age has reached the supplied
// fraction of their TTL. These are the entries worth refreshing before they
// lapse into misses.
func (s *BoundedStore) RefreshCandidates(threshold float64) []string {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]string, 0)
	for key, elem := range s.entries {
		ent := elem.Value.(*entry)
		if now.After(ent.expiresAt) {
			continue
		}
		age := now.Sub(ent.createdAt)
		if float64(age) >= threshold*float64(ent.ttl) {
			candidates = append(candidates, key)
		}
	}
	return candidates
}

// EntryTTL returns the TTL an existing key was stored with, for re-setting
// refreshed values, and false when the key is absent.
func (s *BoundedStore) EntryTTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return elem.Value.(*entry).ttl, true
}

// sweepExpired removes every expired entry and returns the count removed.
func (s *BoundedStore) sweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, elem := range s.entries {
		if now.After(elem.Value.(*entry).expiresAt) {
			s.removeElement(elem)
			s.expirations++
			removed++
		}
	}
	if removed > 0 {
		s.publishGauges()
	}
	return removed
}

func (s *BoundedStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (s *BoundedStore) evictOldest() {
	elem := s.lru.Back()
	if elem == nil {
		return
	}
	s.removeElement(elem)
	s.evictions++
	metrics.CacheEvictions.WithLabelValues(s.name).Inc()
}

// removeElement unlinks an entry from the index and the LRU list. Caller
// holds the lock.
func (s *BoundedStore) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(s.entries, ent.key)
	s.lru.Remove(elem)
	s.memory -= ent.size
	if s.memory < 0 {
		s.memory = 0
	}
}

// publishGauges mirrors size and memory into Prometheus. Caller holds the lock.
func (s *BoundedStore) publishGauges() {
	metrics.CacheEntries.WithLabelValues(s.name).Set(float64(len(s.entries)))
	metrics.CacheMemoryBytes.WithLabelValues(s.name).Set(float64(s.memory))
}

func estimateSize(key string, value []byte) int64 {
	return int64(len(key)) + int64(len(value)) + entryOverhead
}
