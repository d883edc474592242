package allocator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/persistence"
)

const recordVersion = 1

// DocumentSink accepts documents for background persistence
type DocumentSink interface {
	Enqueue(doc persistence.Document) bool
}

// RebalanceObserver is notified after every optimize pass
type RebalanceObserver interface {
	ObserveRebalance(full bool, selected int)
}

// Option customizes an Allocator
type Option func(*Allocator)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// WithSink persists performance records
func WithSink(sink DocumentSink) Option {
	return func(a *Allocator) { a.sink = sink }
}

// WithObserver reports optimize outcomes
func WithObserver(observer RebalanceObserver) Option {
	return func(a *Allocator) { a.observer = observer }
}

// Allocation is the selected working set per category, in selection order
type Allocation struct {
	Categories    map[instrument.Category][]string `json:"categories"`
	UpdatedAt     time.Time                        `json:"updated_at"`
	FullRebalance bool                             `json:"full_rebalance"`
}

// Symbols returns every selected symbol, category by category
func (a Allocation) Symbols() []string {
	var out []string
	for _, cat := range instrument.Categories {
		out = append(out, a.Categories[cat]...)
	}
	return out
}

// Contains reports whether symbol is selected
func (a Allocation) Contains(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range a.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// Len returns the number of selected symbols
func (a Allocation) Len() int {
	n := 0
	for _, symbols := range a.Categories {
		n += len(symbols)
	}
	return n
}

func (a Allocation) clone() Allocation {
	out := a
	out.Categories = make(map[instrument.Category][]string, len(a.Categories))
	for cat, symbols := range a.Categories {
		out.Categories[cat] = append([]string(nil), symbols...)
	}
	return out
}

func emptyAllocation() Allocation {
	a := Allocation{Categories: make(map[instrument.Category][]string)}
	for _, cat := range instrument.Categories {
		a.Categories[cat] = []string{}
	}
	return a
}

// Allocator keeps performance and quality scores and selects the working set
type Allocator struct {
	mu            sync.RWMutex
	cfg           Config
	registry      *instrument.Registry
	metrics       map[string]*InstrumentMetrics
	records       map[string]*PerformanceRecord
	allocation    Allocation
	lastRebalance time.Time
	sink          DocumentSink
	observer      RebalanceObserver
	now           func() time.Time
}

// New creates an allocator; cfg must already be validated
func New(cfg Config, registry *instrument.Registry, opts ...Option) *Allocator {
	a := &Allocator{
		cfg:        cfg,
		registry:   registry,
		metrics:    make(map[string]*InstrumentMetrics),
		records:    make(map[string]*PerformanceRecord),
		allocation: emptyAllocation(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UpdateInstrumentMetrics merges u into the symbol's metrics and rescores its category
func (a *Allocator) UpdateInstrumentMetrics(symbol string, cat instrument.Category, u MetricsUpdate) InstrumentMetrics {
	symbol = strings.ToUpper(symbol)
	if known, ok := a.registry.CategoryOf(symbol); ok {
		cat = known
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.metrics[symbol]
	if !ok {
		m = &InstrumentMetrics{Symbol: symbol, Category: cat}
		a.metrics[symbol] = m
	}
	m.merge(u)
	m.UpdatedAt = a.now()

	a.rescoreQualityLocked(cat)
	return *m
}

// rescoreQualityLocked refreshes quality for every symbol of cat against the category mean volume
func (a *Allocator) rescoreQualityLocked(cat instrument.Category) {
	var total float64
	var n int
	for _, m := range a.metrics {
		if m.Category == cat {
			total += m.Volume
			n++
		}
	}
	mean := 0.0
	if n > 0 {
		mean = total / float64(n)
	}

	maxSpread := a.cfg.MaxSpread.For(cat)
	for _, m := range a.metrics {
		if m.Category == cat {
			m.QualityScore = qualityScore(*m, a.cfg.QualityWeights, maxSpread, mean)
		}
	}
}

// RecordTradeResult folds a closed trade into the symbol's record and rescores it
func (a *Allocator) RecordTradeResult(t TradeResult) PerformanceRecord {
	symbol := strings.ToUpper(t.Symbol)
	cat := t.Category
	if known, ok := a.registry.CategoryOf(symbol); ok {
		cat = known
	}
	if t.ClosedAt.IsZero() {
		t.ClosedAt = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[symbol]
	if !ok {
		r = newRecord(symbol, cat)
		a.records[symbol] = r
	}
	r.apply(t)
	r.rescore(a.cfg)
	a.persistLocked(r, t.ClosedAt)

	log.Debug().
		Str("symbol", symbol).
		Float64("profit", t.Profit).
		Int("trades", r.Trades).
		Float64("win_rate", r.WinRate).
		Float64("score", r.Score).
		Msg("Trade result recorded")
	return *r
}

func (a *Allocator) persistLocked(r *PerformanceRecord, at time.Time) {
	if a.sink == nil {
		return
	}
	doc, err := persistence.Encode(persistence.KindPerformanceRecord, r.Symbol, recordVersion, r, at)
	if err != nil {
		log.Warn().Err(err).Str("symbol", r.Symbol).Msg("Failed to encode performance record")
		return
	}
	a.sink.Enqueue(doc)
}

// decayLocked pulls every score toward neutral
func (a *Allocator) decayLocked(now time.Time) {
	for _, r := range a.records {
		before := r.Score
		r.decay(a.cfg.DecayFactor)
		if r.Score != before {
			a.persistLocked(r, now)
		}
	}
}

func (a *Allocator) scoreLocked(symbol string) float64 {
	if r, ok := a.records[symbol]; ok {
		return r.Score
	}
	return neutralScore
}

func (a *Allocator) qualityLocked() map[string]float64 {
	out := make(map[string]float64, len(a.metrics))
	for symbol, m := range a.metrics {
		out[symbol] = m.QualityScore
	}
	return out
}

func (a *Allocator) rankLocked(symbol string, quality map[string]float64) float64 {
	q, ok := quality[symbol]
	if !ok {
		q = neutralScore
	}
	return a.cfg.PerformanceWeight*a.scoreLocked(symbol) + a.cfg.QualityWeight*q
}

// InstrumentAllocations returns each selected symbol's capital fraction
func (a *Allocator) InstrumentAllocations() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fractionsLocked()
}

func (a *Allocator) fractionsLocked() map[string]float64 {
	symbols := a.allocation.Symbols()
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out
	}

	var sum float64
	allNeutral := true
	for _, s := range symbols {
		score := a.scoreLocked(s)
		sum += score
		if score != neutralScore {
			allNeutral = false
		}
	}

	for _, s := range symbols {
		if sum <= 0 || allNeutral {
			out[s] = 1.0 / float64(len(symbols))
			continue
		}
		out[s] = a.scoreLocked(s) / sum
	}
	return out
}

// AllocationFactor scales symbol's fraction against the largest fraction;
// unselected symbols get the minimum factor
func (a *Allocator) AllocationFactor(symbol string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.factorLocked(strings.ToUpper(symbol))
}

func (a *Allocator) factorLocked(symbol string) float64 {
	fractions := a.fractionsLocked()
	f, ok := fractions[symbol]
	if !ok {
		return a.cfg.MinAllocationFactor
	}

	var maxFraction float64
	for _, v := range fractions {
		if v > maxFraction {
			maxFraction = v
		}
	}
	if maxFraction <= 0 {
		return a.cfg.MinAllocationFactor
	}
	factor := f / maxFraction
	if factor < a.cfg.MinAllocationFactor {
		return a.cfg.MinAllocationFactor
	}
	if factor > 1 {
		return 1
	}
	return factor
}

// SymbolCap is the largest total open size allowed on symbol
func (a *Allocator) SymbolCap(symbol string) float64 {
	return a.cfg.MaxLotsPerSymbol * a.AllocationFactor(symbol)
}

// Record returns the performance record for symbol
func (a *Allocator) Record(symbol string) (PerformanceRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.records[strings.ToUpper(symbol)]
	if !ok {
		return PerformanceRecord{}, false
	}
	return *r, true
}

// Records returns every performance record sorted by symbol
func (a *Allocator) Records() []PerformanceRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recordsLocked()
}

func (a *Allocator) recordsLocked() []PerformanceRecord {
	out := make([]PerformanceRecord, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Metrics returns the latest metrics for symbol
func (a *Allocator) Metrics(symbol string) (InstrumentMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	m, ok := a.metrics[strings.ToUpper(symbol)]
	if !ok {
		return InstrumentMetrics{}, false
	}
	return *m, true
}

// QualityScores returns the quality score of every symbol with metrics
func (a *Allocator) QualityScores() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.qualityLocked()
}

// Allocation returns a copy of the current selection
func (a *Allocator) Allocation() Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocation.clone()
}

// LastRebalance returns when the last full rebalance ran
func (a *Allocator) LastRebalance() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRebalance
}

// Summary is the reporting view of the allocator
type Summary struct {
	Records       []PerformanceRecord `json:"records"`
	Allocation    Allocation          `json:"allocation"`
	Fractions     map[string]float64  `json:"fractions"`
	LastRebalance time.Time           `json:"last_rebalance"`
	TotalTrades   int                 `json:"total_trades"`
	AverageScore  float64             `json:"average_score"`
}

// Summary returns records, selection and fractions in one consistent view
func (a *Allocator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Summary{
		Records:       a.recordsLocked(),
		Allocation:    a.allocation.clone(),
		Fractions:     a.fractionsLocked(),
		LastRebalance: a.lastRebalance,
		AverageScore:  neutralScore,
	}
	if len(s.Records) > 0 {
		var total float64
		for _, r := range s.Records {
			s.TotalTrades += r.Trades
			total += r.Score
		}
		s.AverageScore = total / float64(len(s.Records))
	}
	return s
}

// Restore loads persisted performance records; undecodable documents are skipped.
// A record last written more than one rebalance_frequency ago receives the decay
// steps of the rebalances it missed.
func (a *Allocator) Restore(ctx context.Context, store persistence.Store) error {
	docs, err := store.List(ctx, persistence.KindPerformanceRecord)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	restored, decayed := 0, 0
	for _, doc := range docs {
		var r PerformanceRecord
		if err := persistence.Decode(doc, recordVersion, &r); err != nil {
			log.Warn().Err(err).Str("key", doc.Key).Msg("Skipping performance record")
			continue
		}
		r.Symbol = strings.ToUpper(r.Symbol)
		if r.Symbol == "" {
			r.Symbol = strings.ToUpper(doc.Key)
		}
		if cat, ok := a.registry.CategoryOf(r.Symbol); ok {
			r.Category = cat
		}
		r.Score = clampScore(r.Score)
		if steps := missedRebalances(doc.UpdatedAt, now, a.cfg.RebalanceFrequency); steps > 0 {
			r.decay(math.Pow(a.cfg.DecayFactor, float64(steps)))
			decayed++
		}
		a.records[r.Symbol] = &r
		restored++
	}

	log.Info().Int("records", restored).Int("decayed", decayed).Msg("Restored performance records")
	return nil
}

// missedRebalances counts the whole rebalance periods between written and now
func missedRebalances(written, now time.Time, every time.Duration) int {
	if written.IsZero() || every <= 0 || !now.After(written) {
		return 0
	}
	return int(now.Sub(written) / every)
}
