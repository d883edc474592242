package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/config"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/metrics"
	"github.com/sawpanic/coordinator/internal/persistence"
	"github.com/sawpanic/coordinator/internal/session"
)

type options struct {
	now     func() time.Time
	store   persistence.Store
	metrics *metrics.Registry
}

// Option customizes an Engine
type Option func(*options)

// WithClock overrides time.Now for every component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStore persists correlation matrices and performance records through a
// background flusher. The engine closes the store on Close.
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithMetrics reports engine activity to a Prometheus registry
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

// snapshot is the immutable view readers work from. It is rebuilt after every write
// and re-derived by readers once validUntil has passed.
type snapshot struct {
	at         time.Time
	validUntil time.Time
	status     session.Status
	active     session.Split
	tradable   map[string]bool
	conditions map[string]conditions.MarketCondition
	positions  []correlation.Position
	account    AccountInfo
	allocation allocator.Allocation
	factors    map[string]float64
	candidates []TradingCandidate
}

// Engine is the single entry point of the trading loop. Writers serialize on mu;
// readers use the last published snapshot.
type Engine struct {
	mu sync.Mutex

	cfg          config.Config
	registry     *instrument.Registry
	correlations *correlation.Tracker
	sessions     *session.Classifier
	allocator    *allocator.Allocator
	conditions   *conditions.Tracker

	store   persistence.Store
	flusher *persistence.Flusher
	metrics *metrics.Registry
	now     func() time.Time

	positions []correlation.Position
	account   AccountInfo

	snap   atomic.Pointer[snapshot]
	closed atomic.Bool
}

// New validates cfg and wires every component. Configuration problems are
// returned as *config.ConfigurationError.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, &config.ConfigurationError{Problems: []string{"instruments: " + err.Error()}}
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		store:    o.store,
		metrics:  o.metrics,
		now:      o.now,
	}

	corrOpts := []correlation.Option{correlation.WithClock(o.now)}
	allocOpts := []allocator.Option{allocator.WithClock(o.now)}
	if o.metrics != nil {
		corrOpts = append(corrOpts, correlation.WithObserver(o.metrics))
		allocOpts = append(allocOpts, allocator.WithObserver(o.metrics))
	}
	if o.store != nil {
		var observer persistence.FlushObserver
		if o.metrics != nil {
			observer = o.metrics
		}
		e.flusher = persistence.NewFlusher(o.store, cfg.Persistence.Flusher, observer)
		e.flusher.Start()
		corrOpts = append(corrOpts, correlation.WithSink(e.flusher))
		allocOpts = append(allocOpts, allocator.WithSink(e.flusher))
	}

	e.correlations = correlation.NewTracker(cfg.Correlation, corrOpts...)
	e.sessions = session.NewClassifier(cfg.Session, registry)
	e.allocator = allocator.New(cfg.Allocator, registry, allocOpts...)
	e.conditions = conditions.NewTracker(cfg.Conditions, cfg.Facade.MinConfidence)

	e.mu.Lock()
	e.publishLocked(e.now())
	e.mu.Unlock()

	log.Info().
		Int("instruments", registry.Len()).
		Int("strategies", len(cfg.Facade.Strategies)).
		Bool("persistence", o.store != nil).
		Msg("Coordinator engine initialized")

	return e, nil
}

// Restore reloads persisted state. Failures are logged and the engine starts cold.
func (e *Engine) Restore(ctx context.Context) {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.correlations.Restore(ctx, e.store); err != nil {
		log.Warn().Err(err).Msg("Correlation matrix restore failed, starting cold")
	}
	if err := e.allocator.Restore(ctx, e.store); err != nil {
		log.Warn().Err(err).Msg("Performance record restore failed, starting neutral")
	}
	e.publishLocked(e.now())
}

// Close drains pending writes and closes the store
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if e.flusher != nil {
		if err := e.flusher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// UpdateMarketData replaces the closing-price series of symbol
func (e *Engine) UpdateMarketData(symbol string, series []correlation.PriceSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.correlations.UpdatePriceSeries(symbol, series)
	e.publishLocked(e.now())
}

// UpdateMarketConditions stores the detector output and folds it into the
// per-symbol aggregates
func (e *Engine) UpdateMarketConditions(conds map[string]conditions.MarketCondition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.conditions.Update(conds, now)
	e.publishLocked(now)
}

// UpdatePositions replaces the open position list. Symbols missing from the
// allocation trigger an optimize pass so they are never dropped from it.
func (e *Engine) UpdatePositions(positions []correlation.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.positions = make([]correlation.Position, 0, len(positions))
	for _, p := range positions {
		p.Symbol = strings.ToUpper(p.Symbol)
		e.positions = append(e.positions, p)
	}

	now := e.now()
	current := e.allocator.Allocation()
	for _, p := range e.positions {
		if _, known := e.registry.Get(p.Symbol); known && !current.Contains(p.Symbol) {
			e.optimizeLocked(now)
			break
		}
	}
	e.publishLocked(now)
}

// UpdateAccountInfo records the latest balance
func (e *Engine) UpdateAccountInfo(info AccountInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = now
	}
	e.account = info
	e.publishLocked(now)
}

// UpdateInstrumentMetrics merges execution-quality metrics for a known symbol
func (e *Engine) UpdateInstrumentMetrics(symbol string, u allocator.MetricsUpdate) (allocator.InstrumentMetrics, error) {
	cat, ok := e.registry.CategoryOf(symbol)
	if !ok {
		return allocator.InstrumentMetrics{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.allocator.UpdateInstrumentMetrics(symbol, cat, u)
	e.publishLocked(e.now())
	return m, nil
}

// RecordTradeResult feeds a closed trade into the performance record of its symbol
func (e *Engine) RecordTradeResult(t allocator.TradeResult) (allocator.PerformanceRecord, error) {
	cat, ok := e.registry.CategoryOf(t.Symbol)
	if !ok {
		return allocator.PerformanceRecord{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, t.Symbol)
	}
	t.Category = cat

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.allocator.RecordTradeResult(t)
	e.publishLocked(e.now())
	return r, nil
}

// RunCycle refreshes the session status, recomputes a stale correlation matrix,
// reoptimizes the allocation and publishes a new snapshot
func (e *Engine) RunCycle(now time.Time) CycleReport {
	if now.IsZero() {
		now = e.now()
	}
	start := time.Now()
	timer := e.metrics.StartStepTimer("cycle")

	e.mu.Lock()
	defer e.mu.Unlock()

	statusTimer := e.metrics.StartStepTimer("session")
	status := e.sessions.UpdateStatus(now)
	statusTimer.Stop("success")

	pruned := e.conditions.Prune(now)

	if e.correlations.NeedsRecompute() {
		corrTimer := e.metrics.StartStepTimer("correlation")
		if err := e.correlations.Recompute(); err != nil {
			corrTimer.Stop("skipped")
			log.Debug().Err(err).Msg("Correlation recompute skipped this cycle")
		} else {
			corrTimer.Stop("success")
		}
	}

	optimizeTimer := e.metrics.StartStepTimer("optimize")
	allocation := e.optimizeLocked(now)
	optimizeTimer.Stop("success")

	snap := e.publishLocked(now)

	e.metrics.ObserveCycle(len(snap.candidates), status.LiquidityScore)
	e.metrics.ObserveCache("conditions", e.conditions.CacheStats())
	timer.Stop("success")

	report := CycleReport{
		At:         now,
		Status:     status,
		Allocation: allocation,
		Candidates: append([]TradingCandidate(nil), snap.candidates...),
		Pruned:     pruned,
		Duration:   time.Since(start),
	}

	log.Debug().
		Float64("liquidity", status.LiquidityScore).
		Strs("sessions", status.Sessions).
		Int("selected", allocation.Len()).
		Int("candidates", len(report.Candidates)).
		Dur("duration", report.Duration).
		Msg("Trading cycle completed")

	return report
}

func (e *Engine) optimizeLocked(now time.Time) allocator.Allocation {
	return e.allocator.Optimize(allocator.OptimizeInput{
		Now:          now,
		Sessions:     e.sessions,
		Correlations: e.correlations,
		Positions:    e.positions,
		Balance:      e.account.Balance,
	})
}

// publishLocked rebuilds the reader snapshot from component state
func (e *Engine) publishLocked(now time.Time) *snapshot {
	s := &snapshot{
		at:         now,
		status:     e.sessions.Status(now),
		active:     e.sessions.ActiveInstruments(now, e.allocator.QualityScores(), e.account.Balance),
		tradable:   make(map[string]bool, e.registry.Len()),
		conditions: e.conditions.Fresh(now),
		positions:  append([]correlation.Position(nil), e.positions...),
		account:    e.account,
		allocation: e.allocator.Allocation(),
		factors:    make(map[string]float64, e.registry.Len()),
	}
	for _, inst := range e.registry.All() {
		s.tradable[inst.Symbol] = e.sessions.IsTradable(inst.Symbol, now)
		s.factors[inst.Symbol] = e.allocator.AllocationFactor(inst.Symbol)
	}
	s.validUntil = e.validUntil(now)
	s.candidates = e.buildCandidates(s)

	e.snap.Store(s)
	return s
}

// validUntil is the first instant at which the session status or any condition in a
// snapshot taken at now may have changed
func (e *Engine) validUntil(now time.Time) time.Time {
	until := now.Add(e.cfg.Session.StatusTTL)
	if next, ok := e.conditions.NextExpiry(now); ok && next.Before(until) {
		until = next
	}
	return until
}

func (e *Engine) current() *snapshot {
	return e.snap.Load()
}

// view returns the snapshot as of now. Past validUntil the session and condition
// parts are re-derived from the components without taking mu; the result replaces
// the published snapshot only if no writer has published since.
func (e *Engine) view(now time.Time) *snapshot {
	s := e.current()
	if now.Before(s.validUntil) || now.Before(s.at) {
		return s
	}

	v := *s
	v.at = now
	v.status = e.sessions.Status(now)
	v.active = e.sessions.ActiveInstruments(now, e.allocator.QualityScores(), s.account.Balance)
	v.conditions = e.conditions.Fresh(now)
	v.tradable = make(map[string]bool, len(s.tradable))
	for symbol := range s.tradable {
		v.tradable[symbol] = e.sessions.IsTradable(symbol, now)
	}
	v.validUntil = e.validUntil(now)
	v.candidates = e.buildCandidates(&v)

	if e.snap.CompareAndSwap(s, &v) {
		log.Debug().
			Time("published", s.at).
			Int("conditions", len(v.conditions)).
			Msg("Snapshot re-derived at read time")
	}
	return &v
}

// Registry exposes the instrument registry
func (e *Engine) Registry() *instrument.Registry {
	return e.registry
}

// Sessions exposes the session classifier for calendar queries
func (e *Engine) Sessions() *session.Classifier {
	return e.sessions
}

// FlushStats reports the background writer counters; ok is false without a store
func (e *Engine) FlushStats() (persistence.FlushStats, bool) {
	if e.flusher == nil {
		return persistence.FlushStats{}, false
	}
	return e.flusher.Stats(), true
}

// Ping checks the store backend when it supports health checks
func (e *Engine) Ping(ctx context.Context) error {
	if hc, ok := e.store.(persistence.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
