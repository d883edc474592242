package conditions

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/coordinator/internal/cache"
)

// Config controls condition freshness and per-symbol history
type Config struct {
	TTL         time.Duration `yaml:"ttl"`          // Default: 15m
	HistorySize int           `yaml:"history_size"` // Default: 20
	MaxSymbols  int           `yaml:"max_symbols"`  // Default: 512
}

// DefaultConfig returns the stock freshness window and history length
func DefaultConfig() Config {
	return Config{
		TTL:         15 * time.Minute,
		HistorySize: 20,
		MaxSymbols:  512,
	}
}

// Validate checks ranges
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be >= 1, got %d", c.HistorySize)
	}
	if c.MaxSymbols < 1 {
		return fmt.Errorf("max_symbols must be >= 1, got %d", c.MaxSymbols)
	}
	return nil
}

// Aggregate is the rolling per-symbol record of condition updates
type Aggregate struct {
	Symbol      string    `json:"symbol"`
	Favorable   int       `json:"favorable"`
	Unfavorable int       `json:"unfavorable"`
	Volatility  []Level   `json:"volatility"`
	Trends      []Trend   `json:"trends"`
	Confidence  []float64 `json:"confidence"`
	LastUpdate  time.Time `json:"last_update"`
}

// MeanConfidence averages the retained confidence readings
func (a Aggregate) MeanConfidence() float64 {
	if len(a.Confidence) == 0 {
		return 0
	}
	return stat.Mean(a.Confidence, nil)
}

// DominantTrend returns the most frequent retained trend, the latest one on ties
func (a Aggregate) DominantTrend() Trend {
	counts := make(map[Trend]int)
	best, bestCount := TrendUnknown, 0
	for i := len(a.Trends) - 1; i >= 0; i-- {
		tr := a.Trends[i]
		counts[tr]++
		if counts[tr] > bestCount {
			best, bestCount = tr, counts[tr]
		}
	}
	return best
}

func (a *Aggregate) clone() Aggregate {
	out := *a
	out.Volatility = append([]Level(nil), a.Volatility...)
	out.Trends = append([]Trend(nil), a.Trends...)
	out.Confidence = append([]float64(nil), a.Confidence...)
	return out
}

func pushBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

// Tracker holds the latest condition per symbol and the rolling aggregates
type Tracker struct {
	mu            sync.RWMutex
	cfg           Config
	minConfidence float64
	latest        *cache.TTLMap[string, MarketCondition]
	aggregates    map[string]*Aggregate
}

// NewTracker creates a tracker; updates at or above minConfidence with ShouldTrade
// count as favorable
func NewTracker(cfg Config, minConfidence float64) *Tracker {
	return &Tracker{
		cfg:           cfg,
		minConfidence: minConfidence,
		latest:        cache.NewTTLMap[string, MarketCondition](cfg.TTL, cfg.MaxSymbols),
		aggregates:    make(map[string]*Aggregate),
	}
}

// Update stores every condition as received at now and folds it into the aggregates
func (t *Tracker) Update(conds map[string]MarketCondition, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for symbol, c := range conds {
		symbol = strings.ToUpper(symbol)
		c.Symbol = symbol
		if c.Timestamp.IsZero() {
			c.Timestamp = now
		}
		c.Confidence = clampUnit(c.Confidence)
		t.latest.Set(symbol, c, now)

		agg, ok := t.aggregates[symbol]
		if !ok {
			agg = &Aggregate{Symbol: symbol}
			t.aggregates[symbol] = agg
		}
		if c.Tradeable(t.minConfidence) {
			agg.Favorable++
		} else {
			agg.Unfavorable++
		}
		agg.Volatility = pushBounded(agg.Volatility, c.Volatility, t.cfg.HistorySize)
		agg.Trends = pushBounded(agg.Trends, c.Trend, t.cfg.HistorySize)
		agg.Confidence = pushBounded(agg.Confidence, c.Confidence, t.cfg.HistorySize)
		agg.LastUpdate = now
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Get returns the condition for symbol when it is still fresh at now
func (t *Tracker) Get(symbol string, now time.Time) (MarketCondition, bool) {
	return t.latest.Get(strings.ToUpper(symbol), now)
}

// Fresh returns every condition still fresh at now
func (t *Tracker) Fresh(now time.Time) map[string]MarketCondition {
	return t.latest.Fresh(now)
}

// NextExpiry returns when the first currently fresh condition expires
func (t *Tracker) NextExpiry(now time.Time) (time.Time, bool) {
	return t.latest.NextExpiry(now)
}

// Aggregate returns a copy of the rolling record for symbol
func (t *Tracker) Aggregate(symbol string) (Aggregate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agg, ok := t.aggregates[strings.ToUpper(symbol)]
	if !ok {
		return Aggregate{}, false
	}
	return agg.clone(), true
}

// Aggregates returns copies of every rolling record sorted by symbol
func (t *Tracker) Aggregates() []Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Aggregate, 0, len(t.aggregates))
	for _, agg := range t.aggregates {
		out = append(out, agg.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Prune drops expired conditions; aggregates are kept
func (t *Tracker) Prune(now time.Time) int {
	return t.latest.RemoveExpired(now)
}

// CacheStats exposes the condition cache counters
func (t *Tracker) CacheStats() cache.Stats {
	return t.latest.Stats()
}
