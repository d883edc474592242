package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_IsStale(t *testing.T) {
	base := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	e := NewEntry[int](5 * time.Minute)

	assert.True(t, e.IsStale(base), "empty entry is stale")

	e.Set(42, base)
	v, ok := e.Value()
	require.True(t, ok)
	assert.Equal(t, 42, v)

	assert.False(t, e.IsStale(base.Add(4*time.Minute)))
	assert.True(t, e.IsStale(base.Add(5*time.Minute)), "stale exactly at ttl")

	e.Invalidate()
	assert.True(t, e.IsStale(base))
	_, ok = e.Value()
	assert.False(t, ok)
}

func TestTTLMap_GetExpires(t *testing.T) {
	base := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, float64](time.Minute, 0)

	m.Set("EURUSD", 0.9, base)

	v, ok := m.Get("EURUSD", base.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, 0.9, v)

	_, ok = m.Get("EURUSD", base.Add(2*time.Minute))
	assert.False(t, ok)

	_, ok = m.Get("GBPUSD", base)
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestTTLMap_EvictsLeastRecentlyUsed(t *testing.T) {
	base := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, int](time.Hour, 2)

	m.Set("a", 1, base)
	m.Set("b", 2, base.Add(time.Second))
	_, _ = m.Get("a", base.Add(2*time.Second))
	m.Set("c", 3, base.Add(3*time.Second))

	fresh := m.Fresh(base.Add(4 * time.Second))
	assert.Len(t, fresh, 2)
	assert.Contains(t, fresh, "a")
	assert.Contains(t, fresh, "c")
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestTTLMap_RemoveExpired(t *testing.T) {
	base := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, int](time.Minute, 0)

	m.Set("old", 1, base)
	m.Set("new", 2, base.Add(time.Minute))

	removed := m.RemoveExpired(base.Add(90 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Stats().Entries)
}

func TestTTLMap_NextExpiry(t *testing.T) {
	base := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, int](time.Minute, 0)

	_, ok := m.NextExpiry(base)
	assert.False(t, ok, "empty map never expires")

	m.Set("a", 1, base)
	m.Set("b", 2, base.Add(30*time.Second))

	next, ok := m.NextExpiry(base.Add(10 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), next)

	next, ok = m.NextExpiry(base.Add(time.Minute))
	assert.True(t, ok, "stale entries are skipped")
	assert.Equal(t, base.Add(90*time.Second), next)

	_, ok = m.NextExpiry(base.Add(2 * time.Minute))
	assert.False(t, ok)
}
