package cache

import (
	"sync"
	"time"
)

// Entry is a single cached value with the time it was computed and how long it stays fresh.
// It carries no lock; owners guard it with their own mutex.
type Entry[T any] struct {
	value      T
	computedAt time.Time
	ttl        time.Duration
	set        bool
}

// NewEntry creates an empty entry with the given freshness window
func NewEntry[T any](ttl time.Duration) Entry[T] {
	return Entry[T]{ttl: ttl}
}

// Set stores value as computed at the given time
func (e *Entry[T]) Set(value T, computedAt time.Time) {
	e.value = value
	e.computedAt = computedAt
	e.set = true
}

// Value returns the cached value and whether one was ever set
func (e *Entry[T]) Value() (T, bool) {
	return e.value, e.set
}

// ComputedAt returns when the current value was computed
func (e *Entry[T]) ComputedAt() time.Time {
	return e.computedAt
}

// TTL returns the freshness window
func (e *Entry[T]) TTL() time.Duration {
	return e.ttl
}

// IsStale reports whether the entry is empty or at least ttl old at now
func (e *Entry[T]) IsStale(now time.Time) bool {
	if !e.set {
		return true
	}
	return now.Sub(e.computedAt) >= e.ttl
}

// Invalidate drops the cached value
func (e *Entry[T]) Invalidate() {
	var zero T
	e.value = zero
	e.computedAt = time.Time{}
	e.set = false
}

// TTLMap is a keyed cache whose entries expire independently
type TTLMap[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]*mapEntry[V]
	ttl        time.Duration
	maxEntries int
	stats      Stats
}

type mapEntry[V any] struct {
	Entry[V]
	accessed time.Time
}

// Stats reports cache effectiveness
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// NewTTLMap creates a keyed cache; maxEntries <= 0 disables eviction
func NewTTLMap[K comparable, V any](ttl time.Duration, maxEntries int) *TTLMap[K, V] {
	return &TTLMap[K, V]{
		entries:    make(map[K]*mapEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Set stores value for key as computed at the given time
func (m *TTLMap[K, V]) Set(key K, value V, computedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLRU()
	}

	e := &mapEntry[V]{Entry: NewEntry[V](m.ttl), accessed: computedAt}
	e.Set(value, computedAt)
	m.entries[key] = e
}

// Get returns the value for key if it is fresh at now
func (m *TTLMap[K, V]) Get(key K, now time.Time) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[key]
	if !exists || e.IsStale(now) {
		m.stats.Misses++
		var zero V
		return zero, false
	}

	e.accessed = now
	m.stats.Hits++
	return e.value, true
}

// Fresh returns a copy of every entry that is fresh at now
func (m *TTLMap[K, V]) Fresh(now time.Time) map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[K]V, len(m.entries))
	for key, e := range m.entries {
		if !e.IsStale(now) {
			out[key] = e.value
		}
	}
	return out
}

// NextExpiry returns the earliest instant at which a currently fresh entry goes stale
func (m *TTLMap[K, V]) NextExpiry(now time.Time) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var next time.Time
	found := false
	for _, e := range m.entries {
		if e.IsStale(now) {
			continue
		}
		if at := e.computedAt.Add(e.ttl); !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// Delete removes key
func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// RemoveExpired drops every entry stale at now and returns how many were removed
func (m *TTLMap[K, V]) RemoveExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if e.IsStale(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns hit/miss counters
func (m *TTLMap[K, V]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	s.Entries = len(m.entries)
	return s
}

// evictLRU removes the least recently accessed entry (caller must hold write lock)
func (m *TTLMap[K, V]) evictLRU() {
	var (
		oldestKey  K
		oldestTime time.Time
		found      bool
	)

	for key, e := range m.entries {
		if !found || e.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.accessed
			found = true
		}
	}

	if found {
		delete(m.entries, oldestKey)
		m.stats.Evictions++
	}
}
