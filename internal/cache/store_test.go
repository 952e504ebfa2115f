package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetAndGetRoundTrip(t *testing.T) {
	store := New("test", Policy{DefaultTTL: time.Minute})

	require.True(t, store.Set("dashboard:t1:stats", []byte(`{"calls":10}`), 0))

	value, ok := store.Get("dashboard:t1:stats")
	require.True(t, ok)
	require.Equal(t, []byte(`{"calls":10}`), value)

	stats := store.Statistics()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Sets)
	require.Equal(t, 1, stats.Entries)
}

func TestGetExpiredEntryIsMissWithoutSweep(t *testing.T) {
	now := time.Now()
	store := New("test", Policy{DefaultTTL: time.Minute}, WithNow(func() time.Time { return now }))

	require.True(t, store.Set("k", []byte("v"), 100*time.Millisecond))

	// Advance past expiry; no sweep has run.
	now = now.Add(150 * time.Millisecond)

	_, ok := store.Get("k")
	require.False(t, ok)

	stats := store.Statistics()
	require.Equal(t, uint64(0), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Expirations)
	require.Equal(t, 0, stats.Entries)
}

func TestHasDoesNotCountLookups(t *testing.T) {
	store := New("test", Policy{DefaultTTL: time.Minute})

	require.False(t, store.Has("absent"))
	require.True(t, store.Set("k", []byte("v"), 0))
	require.True(t, store.Has("k"))

	stats := store.Statistics()
	require.Equal(t, uint64(0), stats.Hits)
	require.Equal(t, uint64(0), stats.Misses)
}

func TestLRUEvictionUnderEntryPressure(t *testing.T) {
	store := New("test", Policy{MaxEntries: 10, DefaultTTL: time.Minute})

	for i := 0; i < 20; i++ {
		require.True(t, store.Set(fmt.Sprintf("key-%02d", i), []byte("v"), 0))
	}

	require.LessOrEqual(t, store.Size(), 10)

	// The ten most recently set keys survive.
	for i := 10; i < 20; i++ {
		require.True(t, store.Has(fmt.Sprintf("key-%02d", i)), "key-%02d should survive", i)
	}
	for i := 0; i < 10; i++ {
		require.False(t, store.Has(fmt.Sprintf("key-%02d", i)), "key-%02d should be evicted", i)
	}

	require.Equal(t, uint64(10), store.Statistics().Evictions)
}

func TestGetRefreshesRecencyForEviction(t *testing.T) {
	store := New("test", Policy{MaxEntries: 3, DefaultTTL: time.Minute})

	require.True(t, store.Set("a", []byte("1"), 0))
	require.True(t, store.Set("b", []byte("2"), 0))
	require.True(t, store.Set("c", []byte("3"), 0))

	// Touch "a" so "b" becomes the eviction victim.
	_, ok := store.Get("a")
	require.True(t, ok)

	require.True(t, store.Set("d", []byte("4"), 0))

	require.True(t, store.Has("a"))
	require.False(t, store.Has("b"))
	require.True(t, store.Has("c"))
	require.True(t, store.Has("d"))
}

func TestMemoryCeilingEvictsAndRefusesOversized(t *testing.T) {
	policy := Policy{MaxMemoryBytes: 3 * (entryOverhead + 10), DefaultTTL: time.Minute}
	store := New("test", policy)

	// Single entry larger than the whole ceiling is refused outright.
	big := make([]byte, int(policy.MaxMemoryBytes))
	require.False(t, store.Set("huge", big, 0))
	require.Equal(t, 0, store.Size())

	for i := 0; i < 5; i++ {
		require.True(t, store.Set(fmt.Sprintf("k%d", i), []byte("0123456789"), 0))
	}

	require.LessOrEqual(t, store.MemoryUsage(), policy.MaxMemoryBytes)
	require.Less(t, store.Size(), 5)
}

func TestInvalidatePatternExactness(t *testing.T) {
	store := New("test", Policy{DefaultTTL: time.Minute})

	require.True(t, store.Set("a:1:x", []byte("v"), 0))
	require.True(t, store.Set("a:1:y", []byte("v"), 0))
	require.True(t, store.Set("a:2:x", []byte("v"), 0))

	removed := store.InvalidatePattern("a:1")
	require.Equal(t, 2, removed)

	require.False(t, store.Has("a:1:x"))
	require.False(t, store.Has("a:1:y"))
	require.True(t, store.Has("a:2:x"))

	// Idempotent: a second pass removes nothing and does not error.
	require.Equal(t, 0, store.InvalidatePattern("a:1"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := New("test", Policy{DefaultTTL: time.Minute})

	require.True(t, store.Set("k", []byte("v"), 0))
	require.True(t, store.Delete("k"))
	require.False(t, store.Delete("k"))
	require.False(t, store.Delete("never-existed"))
}

func TestClearPreservesStatistics(t *testing.T) {
	store := New("test", Policy{DefaultTTL: time.Minute})

	require.True(t, store.Set("k", []byte("v"), 0))
	_, _ = store.Get("k")

	store.Clear()

	require.Equal(t, 0, store.Size())
	require.Equal(t, int64(0), store.MemoryUsage())
	require.Equal(t, uint64(1), store.Statistics().Hits)

	store.ResetStatistics()
	require.Equal(t, uint64(0), store.Statistics().Hits)
}

func TestSweepExpiredRemovesColdEntries(t *testing.T) {
	now := time.Now()
	store := New("test", Policy{DefaultTTL: time.Minute}, WithNow(func() time.Time { return now }))

	require.True(t, store.Set("cold", []byte("v"), 50*time.Millisecond))
	require.True(t, store.Set("warm", []byte("v"), time.Hour))

	now = now.Add(time.Second)

	removed := store.sweepExpired()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, store.Size())
	require.True(t, store.Has("warm"))
}

func TestRefreshCandidatesSelectsAgedEntries(t *testing.T) {
	now := time.Now()
	store := New("test", Policy{DefaultTTL: time.Minute}, WithNow(func() time.Time { return now }))

	require.True(t, store.Set("aged", []byte("v"), 100*time.Millisecond))
	require.True(t, store.Set("fresh", []byte("v"), time.Hour))

	now = now.Add(90 * time.Millisecond)

	candidates := store.RefreshCandidates(0.8)
	require.Equal(t, []string{"aged"}, candidates)

	ttl, ok := store.EntryTTL("aged")
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, ttl)
}

func TestKeysSkipsExpired(t *testing.T) {
	now := time.Now()
	store := New("test", Policy{DefaultTTL: time.Minute}, WithNow(func() time.Time { return now }))

	require.True(t, store.Set("live", []byte("v"), time.Hour))
	require.True(t, store.Set("dead", []byte("v"), time.Millisecond))

	now = now.Add(time.Second)

	require.Equal(t, []string{"live"}, store.Keys())
}
