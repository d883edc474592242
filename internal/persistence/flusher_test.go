package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*MemoryStore
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Put(ctx context.Context, doc Document) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

type countingObserver struct {
	mu      sync.Mutex
	flushes map[string]int
	errors  int
	drops   int
}

func (o *countingObserver) ObserveFlush(kind string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushes == nil {
		o.flushes = make(map[string]int)
	}
	o.flushes[kind]++
	if err != nil {
		o.errors++
	}
}

func (o *countingObserver) ObserveDrop(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops++
}

func TestFlusher_WritesAndDrainsOnClose(t *testing.T) {
	store := NewMemoryStore()
	observer := &countingObserver{}
	flusher := NewFlusher(store, DefaultFlusherConfig(), observer)
	flusher.Start()

	for _, key := range []string{"EURUSD", "GBPUSD", "USDJPY"} {
		doc, err := Encode(KindPerformanceRecord, key, 1, sample{Name: key}, time.Now())
		require.NoError(t, err)
		assert.True(t, flusher.Enqueue(doc))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, flusher.Close(ctx))

	docs, err := store.List(context.Background(), KindPerformanceRecord)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	stats := flusher.Stats()
	assert.Equal(t, int64(3), stats.Written)
	assert.Equal(t, 3, observer.flushes[KindPerformanceRecord])

	doc, err := Encode(KindPerformanceRecord, "LATE", 1, sample{}, time.Now())
	require.NoError(t, err)
	assert.False(t, flusher.Enqueue(doc), "enqueue after close is dropped")
	assert.Equal(t, 1, observer.drops)
}

func TestFlusher_CloseDuringEnqueueLosesNothingAccepted(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultFlusherConfig()
	cfg.QueueSize = 1024
	cfg.WritesPerSecond = 1e6
	cfg.Burst = 1024
	flusher := NewFlusher(store, cfg, nil)
	flusher.Start()

	const writers, perWriter = 8, 50
	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				doc, err := Encode(KindPerformanceRecord, fmt.Sprintf("S%d_%d", w, i), 1, sample{}, time.Now())
				if err != nil {
					continue
				}
				if flusher.Enqueue(doc) {
					accepted.Add(1)
				}
			}
		}(w)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, flusher.Close(ctx))
	wg.Wait()

	stats := flusher.Stats()
	assert.Equal(t, accepted.Load(), stats.Written, "every accepted document is written")
	assert.Equal(t, int64(writers*perWriter), stats.Written+stats.Dropped)
	assert.Zero(t, stats.Pending)

	docs, err := store.List(context.Background(), KindPerformanceRecord)
	require.NoError(t, err)
	assert.Len(t, docs, int(accepted.Load()))
}

func TestFlusher_DropsWhenQueueFull(t *testing.T) {
	cfg := DefaultFlusherConfig()
	cfg.QueueSize = 1
	flusher := NewFlusher(NewMemoryStore(), cfg, nil)
	// Not started: the queue only accepts one document

	doc, err := Encode(KindPerformanceRecord, "A", 1, sample{}, time.Now())
	require.NoError(t, err)

	assert.True(t, flusher.Enqueue(doc))
	assert.False(t, flusher.Enqueue(doc))
	assert.Equal(t, int64(1), flusher.Stats().Dropped)
}

func TestFlusher_BreakerOpensAfterFailures(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	cfg := DefaultFlusherConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	observer := &countingObserver{}
	flusher := NewFlusher(store, cfg, observer)
	flusher.Start()

	for i := 0; i < 5; i++ {
		doc, err := Encode(KindPerformanceRecord, "EURUSD", 1, sample{}, time.Now())
		require.NoError(t, err)
		flusher.Enqueue(doc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, flusher.Close(ctx))

	stats := flusher.Stats()
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, "open", stats.Breaker)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2, store.calls, "open breaker short-circuits the store")
}
