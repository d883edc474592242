package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/coordinator/internal/cache"
	"github.com/sawpanic/coordinator/internal/persistence"
)

const (
	matrixKey     = "current"
	matrixVersion = 1
)

// DocumentSink accepts documents for background persistence
type DocumentSink interface {
	Enqueue(doc persistence.Document) bool
}

// RecomputeObserver is notified after every recompute attempt
type RecomputeObserver interface {
	ObserveRecompute(symbols int, err error)
}

// Option customizes a Tracker
type Option func(*Tracker)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSink persists every recomputed matrix
func WithSink(sink DocumentSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithObserver reports recompute outcomes
func WithObserver(observer RecomputeObserver) Option {
	return func(t *Tracker) { t.observer = observer }
}

// Tracker maintains pairwise correlations from closing prices
type Tracker struct {
	mu       sync.RWMutex
	cfg      Config
	series   map[string][]PriceSample
	matrix   cache.Entry[*Matrix]
	covered  map[string]bool // symbols considered by the live matrix
	groups   map[string]map[string]bool // symbol -> set of symbols sharing a group
	sink     DocumentSink
	observer RecomputeObserver
	now      func() time.Time
}

// NewTracker creates a tracker; cfg must already be validated
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		series:  make(map[string][]PriceSample),
		matrix:  cache.NewEntry[*Matrix](cfg.UpdateInterval),
		covered: make(map[string]bool),
		groups:  buildGroupIndex(cfg.Groups),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func buildGroupIndex(groups map[string][]string) map[string]map[string]bool {
	index := make(map[string]map[string]bool)
	for _, members := range groups {
		for _, a := range members {
			a = strings.ToUpper(a)
			if index[a] == nil {
				index[a] = make(map[string]bool)
			}
			for _, b := range members {
				b = strings.ToUpper(b)
				if a != b {
					index[a][b] = true
				}
			}
		}
	}
	return index
}

// UpdatePriceSeries replaces the cached closes for symbol and recomputes the matrix
// when it is empty or older than the update interval.
func (t *Tracker) UpdatePriceSeries(symbol string, series []PriceSample) {
	cleaned := make([]PriceSample, 0, len(series))
	for _, s := range series {
		if s.Close > 0 && !math.IsNaN(s.Close) && !math.IsInf(s.Close, 0) {
			cleaned = append(cleaned, s)
		}
	}
	sort.SliceStable(cleaned, func(i, j int) bool { return cleaned[i].Time.Before(cleaned[j].Time) })
	if len(cleaned) > t.cfg.LookbackSamples {
		cleaned = cleaned[len(cleaned)-t.cfg.LookbackSamples:]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.series[strings.ToUpper(symbol)] = cleaned

	now := t.now()
	if t.matrix.IsStale(now) {
		if err := t.recomputeLocked(now); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Correlation recompute skipped")
		}
	}
}

// Recompute forces a matrix rebuild from the cached series
func (t *Tracker) Recompute() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recomputeLocked(t.now())
}

func (t *Tracker) recomputeLocked(now time.Time) error {
	symbols := make([]string, 0, len(t.series))
	for symbol, s := range t.series {
		if len(s) >= t.cfg.MinOverlap {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	if len(symbols) < 2 {
		err := fmt.Errorf("%w: %d symbols with >= %d samples", ErrInsufficientData, len(symbols), t.cfg.MinOverlap)
		t.observe(len(symbols), err)
		return err
	}

	m := &Matrix{
		ID:           uuid.NewString(),
		Coefficients: make(map[string]map[string]float64),
		ComputedAt:   now,
	}

	pairs := 0
	included := make(map[string]bool)
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			x, y := alignCloses(t.series[a], t.series[b])
			if len(x) < t.cfg.MinOverlap {
				continue
			}
			c := stat.Correlation(x, y, nil)
			if math.IsNaN(c) {
				// Flat series have no defined correlation
				continue
			}
			m.set(a, b, clamp(c))
			included[a], included[b] = true, true
			pairs++
		}
	}

	if pairs == 0 {
		err := fmt.Errorf("%w: no pair reached %d aligned samples", ErrInsufficientData, t.cfg.MinOverlap)
		t.observe(len(symbols), err)
		log.Warn().Err(err).Int("symbols", len(symbols)).Msg("Correlation recompute failed, keeping previous matrix")
		return err
	}

	for symbol := range included {
		m.Symbols = append(m.Symbols, symbol)
		m.set(symbol, symbol, 1.0)
	}
	sort.Strings(m.Symbols)

	t.matrix.Set(m, now)
	t.covered = make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		t.covered[symbol] = true
	}
	t.observe(len(m.Symbols), nil)
	t.persist(m)

	log.Info().
		Str("matrix_id", m.ID).
		Int("symbols", len(m.Symbols)).
		Int("pairs", pairs).
		Msg("Correlation matrix recomputed")
	return nil
}

func (t *Tracker) observe(symbols int, err error) {
	if t.observer != nil {
		t.observer.ObserveRecompute(symbols, err)
	}
}

func (t *Tracker) persist(m *Matrix) {
	if t.sink == nil {
		return
	}
	doc, err := persistence.Encode(persistence.KindCorrelationMatrix, matrixKey, matrixVersion, m, m.ComputedAt)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode correlation matrix")
		return
	}
	t.sink.Enqueue(doc)
}

// alignCloses pairs closes that share a timestamp
func alignCloses(a, b []PriceSample) ([]float64, []float64) {
	byTime := make(map[int64]float64, len(a))
	for _, s := range a {
		byTime[s.Time.UnixNano()] = s.Close
	}

	x := make([]float64, 0, len(b))
	y := make([]float64, 0, len(b))
	for _, s := range b {
		if c, ok := byTime[s.Time.UnixNano()]; ok {
			x = append(x, c)
			y = append(y, s.Close)
		}
	}
	return x, y
}

func clamp(c float64) float64 {
	return math.Max(-1, math.Min(1, c))
}

// Correlation returns the coefficient for a and b, falling back to predefined
// groups when the matrix has no value for the pair.
func (t *Tracker) Correlation(a, b string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(strings.ToUpper(a), strings.ToUpper(b))
}

func (t *Tracker) lookupLocked(a, b string) float64 {
	if a == b {
		return 1.0
	}
	m, _ := t.matrix.Value()
	if c, ok := m.Get(a, b); ok {
		return c
	}
	if t.groups[a][b] {
		return t.cfg.HighThreshold
	}
	return 0
}

// CorrelatedSymbols returns every symbol whose |correlation| with symbol meets threshold.
// threshold <= 0 uses the configured high threshold.
func (t *Tracker) CorrelatedSymbols(symbol string, threshold float64) map[string]float64 {
	if threshold <= 0 {
		threshold = t.cfg.HighThreshold
	}
	symbol = strings.ToUpper(symbol)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64)
	m, _ := t.matrix.Value()
	if m != nil {
		for other, c := range m.Coefficients[symbol] {
			if other != symbol && math.Abs(c) >= threshold {
				out[other] = c
			}
		}
	}

	for other := range t.groups[symbol] {
		if _, known := m.Get(symbol, other); known {
			continue
		}
		if t.cfg.HighThreshold >= threshold {
			out[other] = t.cfg.HighThreshold
		}
	}
	return out
}

// Matrix returns a copy of the live matrix, or nil before the first recompute
func (t *Tracker) Matrix() *Matrix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, _ := t.matrix.Value()
	return m.Clone()
}

// IsStale reports whether the matrix needs recomputation
func (t *Tracker) IsStale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.matrix.IsStale(t.now())
}

// NeedsRecompute reports whether the matrix is stale or a symbol has reached
// min_overlap samples since it was computed
func (t *Tracker) NeedsRecompute() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.matrix.IsStale(t.now()) {
		return true
	}
	for symbol, s := range t.series {
		if len(s) >= t.cfg.MinOverlap && !t.covered[symbol] {
			return true
		}
	}
	return false
}

// Symbols returns the symbols with cached price series
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.series))
	for symbol := range t.series {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// HighThreshold returns the configured materiality threshold
func (t *Tracker) HighThreshold() float64 {
	return t.cfg.HighThreshold
}

// Restore loads a persisted matrix if it is younger than the update interval
func (t *Tracker) Restore(ctx context.Context, store persistence.Store) error {
	doc, err := store.Get(ctx, persistence.KindCorrelationMatrix, matrixKey)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	var m Matrix
	if err := persistence.Decode(*doc, matrixVersion, &m); err != nil {
		return err
	}

	now := t.now()
	if now.Sub(m.ComputedAt) >= t.cfg.UpdateInterval {
		log.Info().
			Str("matrix_id", m.ID).
			Time("computed_at", m.ComputedAt).
			Msg("Persisted correlation matrix is stale, starting cold")
		return nil
	}
	if m.Coefficients == nil {
		m.Coefficients = make(map[string]map[string]float64)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.matrix.Set(&m, m.ComputedAt)
	t.covered = make(map[string]bool, len(m.Symbols))
	for _, symbol := range m.Symbols {
		t.covered[symbol] = true
	}

	log.Info().
		Str("matrix_id", m.ID).
		Int("symbols", len(m.Symbols)).
		Msg("Restored correlation matrix")
	return nil
}
