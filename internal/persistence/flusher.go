package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// FlusherConfig controls the background write path
type FlusherConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	WritesPerSecond float64       `yaml:"writes_per_second"`
	Burst           int           `yaml:"burst"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultFlusherConfig returns conservative defaults
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		QueueSize:       256,
		WritesPerSecond: 50,
		Burst:           10,
		WriteTimeout:    2 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

// Validate checks the flusher settings
func (c FlusherConfig) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0, got %d", c.QueueSize)
	}
	if c.WritesPerSecond <= 0 {
		return fmt.Errorf("writes_per_second must be > 0, got %.2f", c.WritesPerSecond)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be > 0, got %d", c.Burst)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be > 0")
	}
	if c.BreakerFailures == 0 {
		return fmt.Errorf("breaker_failures must be > 0")
	}
	return nil
}

// FlushObserver receives write outcomes, typically a metrics registry
type FlushObserver interface {
	ObserveFlush(kind string, err error)
	ObserveDrop(kind string)
}

// FlushStats counts flusher outcomes
type FlushStats struct {
	Written int64  `json:"written"`
	Failed  int64  `json:"failed"`
	Dropped int64  `json:"dropped"`
	Pending int    `json:"pending"`
	Breaker string `json:"breaker"`
}

// Flusher persists documents off the caller's path. Enqueue never blocks.
type Flusher struct {
	store    Store
	cfg      FlusherConfig
	queue    chan Document
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	observer FlushObserver

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// mu orders sends against Close so nothing lands in the queue after the drain
	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewFlusher creates a flusher; call Start to begin writing
func NewFlusher(store Store, cfg FlusherConfig, observer FlushObserver) *Flusher {
	settings := gobreaker.Settings{
		Name:    "persistence",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Persistence circuit breaker changed state")
		},
	}

	return &Flusher{
		store:    store,
		cfg:      cfg,
		queue:    make(chan Document, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), cfg.Burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		observer: observer,
		stop:     make(chan struct{}),
	}
}

// Start launches the writer goroutine
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
}

// Enqueue schedules doc for writing. It returns false when the document was dropped.
func (f *Flusher) Enqueue(doc Document) bool {
	f.mu.RLock()
	accepted := false
	if !f.closed {
		select {
		case f.queue <- doc:
			accepted = true
		default:
		}
	}
	f.mu.RUnlock()

	if !accepted {
		f.recordDrop(doc)
	}
	return accepted
}

// Close stops accepting documents and drains the queue until ctx expires
func (f *Flusher) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stop) })

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flusher drain interrupted with %d pending: %w", len(f.queue), ctx.Err())
	}
}

// Stats returns counters and breaker state
func (f *Flusher) Stats() FlushStats {
	return FlushStats{
		Written: f.written.Load(),
		Failed:  f.failed.Load(),
		Dropped: f.dropped.Load(),
		Pending: len(f.queue),
		Breaker: f.breaker.State().String(),
	}
}

func (f *Flusher) run() {
	defer f.wg.Done()

	for {
		select {
		case doc := <-f.queue:
			f.write(doc)
		case <-f.stop:
			f.drain()
			return
		}
	}
}

func (f *Flusher) drain() {
	for {
		select {
		case doc := <-f.queue:
			f.write(doc)
		default:
			return
		}
	}
}

func (f *Flusher) write(doc Document) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
	defer cancel()

	err := f.limiter.Wait(ctx)
	if err == nil {
		_, err = f.breaker.Execute(func() (interface{}, error) {
			return nil, f.store.Put(ctx, doc)
		})
	}

	if err != nil {
		f.failed.Add(1)
		log.Warn().
			Err(err).
			Str("kind", doc.Kind).
			Str("key", doc.Key).
			Msg("Failed to persist document")
	} else {
		f.written.Add(1)
	}

	if f.observer != nil {
		f.observer.ObserveFlush(doc.Kind, err)
	}
}

func (f *Flusher) recordDrop(doc Document) {
	f.dropped.Add(1)
	log.Warn().
		Str("kind", doc.Kind).
		Str("key", doc.Key).
		Msg("Persistence queue full, document dropped")
	if f.observer != nil {
		f.observer.ObserveDrop(doc.Kind)
	}
}
