package allocator

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/persistence"
	"github.com/sawpanic/coordinator/internal/session"
)

var t0 = time.Date(2025, 9, 8, 14, 0, 0, 0, time.UTC)

var (
	forexSymbols     = []string{"AUDUSD", "EURJPY", "EURUSD", "GBPUSD", "NZDUSD", "USDCAD", "USDCHF", "USDJPY"}
	syntheticSymbols = []string{"BOOM1000", "CRASH1000", "R_10", "R_100", "R_25", "R_50", "R_75"}
)

type staticSessions struct{ split session.Split }

func (s staticSessions) ActiveInstruments(time.Time, map[string]float64, float64) session.Split {
	return s.split
}

func allEligible() staticSessions {
	return staticSessions{split: session.Split{Forex: forexSymbols, Synthetic: syntheticSymbols}}
}

type pairCorrelations struct {
	pairs     map[[2]string]float64
	threshold float64
}

func (p pairCorrelations) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	if c, ok := p.pairs[[2]string{a, b}]; ok {
		return c
	}
	return p.pairs[[2]string{b, a}]
}

func (p pairCorrelations) HighThreshold() float64 { return p.threshold }

type collectingSink struct{ docs []persistence.Document }

func (s *collectingSink) Enqueue(doc persistence.Document) bool {
	s.docs = append(s.docs, doc)
	return true
}

func testRegistry(t *testing.T) *instrument.Registry {
	t.Helper()
	var list []instrument.Instrument
	for _, s := range forexSymbols {
		list = append(list, instrument.Instrument{Symbol: s, Category: instrument.Forex, MinLotSize: 0.01})
	}
	for _, s := range syntheticSymbols {
		list = append(list, instrument.Instrument{Symbol: s, Category: instrument.Synthetic, MinLotSize: 0.001})
	}
	reg, err := instrument.NewRegistry(list)
	require.NoError(t, err)
	return reg
}

func newTestAllocator(t *testing.T, opts ...Option) *Allocator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return New(DefaultConfig(), testRegistry(t), opts...)
}

func recordTrades(a *Allocator, symbol string, profits ...float64) PerformanceRecord {
	var r PerformanceRecord
	for i, p := range profits {
		r = a.RecordTradeResult(TradeResult{Symbol: symbol, Profit: p, ClosedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	return r
}

func TestRecordTradeResult_NeutralBelowMinTrades(t *testing.T) {
	a := newTestAllocator(t)

	r := recordTrades(a, "EURUSD", 100, 200, 300, 400)
	assert.Equal(t, 4, r.Trades)
	assert.Equal(t, 1.0, r.WinRate)
	assert.Equal(t, 50.0, r.Score)

	r = recordTrades(a, "GBPUSD", -100, -200, -300, -400)
	assert.Equal(t, 50.0, r.Score)
}

func TestRecordTradeResult_Score(t *testing.T) {
	a := newTestAllocator(t)

	r := recordTrades(a, "eurusd", 10, 10, 10, -5, -5)
	assert.Equal(t, "EURUSD", r.Symbol)
	assert.Equal(t, instrument.Forex, r.Category)
	assert.Equal(t, 3, r.Wins)
	assert.Equal(t, 2, r.Losses)
	assert.InDelta(t, 10, r.AvgWin, 1e-9)
	assert.InDelta(t, 5, r.AvgLoss, 1e-9)
	assert.InDelta(t, 0.6, r.WinRate, 1e-9)
	assert.InDelta(t, 4, r.Expectancy, 1e-9)
	// 0.4*60 + 0.3*(50+50*4/10) + 0.3*(2/3*100)
	assert.InDelta(t, 65, r.Score, 1e-9)

	r = recordTrades(a, "R_75", -5, -5, -5, -5, -5)
	assert.Equal(t, 0.0, r.Score)

	r = recordTrades(a, "R_50", 5, 5, 5, 5, 5)
	assert.Equal(t, 100.0, r.Score)
}

func TestScoresStayInRange(t *testing.T) {
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		symbol := forexSymbols[rng.Intn(len(forexSymbols))]
		profit := (rng.Float64() - 0.45) * 1000 * rng.ExpFloat64()
		r := a.RecordTradeResult(TradeResult{Symbol: symbol, Profit: profit})
		require.GreaterOrEqual(t, r.Score, 0.0)
		require.LessOrEqual(t, r.Score, 100.0)

		m := a.UpdateInstrumentMetrics(symbol, instrument.Forex, MetricsUpdate{
			Spread:        Float(rng.Float64() * 10),
			Volume:        Float(rng.Float64() * 1e6),
			Volatility:    Float(rng.Float64()*3 - 1),
			TrendStrength: Float(rng.Float64()*3 - 1),
		})
		require.GreaterOrEqual(t, m.QualityScore, 0.0)
		require.LessOrEqual(t, m.QualityScore, 100.0)

		if i%50 == 0 {
			a.Optimize(OptimizeInput{Now: t0.Add(time.Duration(i) * time.Hour), Sessions: allEligible()})
		}
	}

	for _, r := range a.Records() {
		assert.GreaterOrEqual(t, r.Score, 0.0, r.Symbol)
		assert.LessOrEqual(t, r.Score, 100.0, r.Symbol)
	}
}

func TestUpdateInstrumentMetrics_Quality(t *testing.T) {
	a := newTestAllocator(t)

	m := a.UpdateInstrumentMetrics("EURUSD", instrument.Forex, MetricsUpdate{
		Spread:        Float(1.5),
		Volume:        Float(1000),
		Volatility:    Float(0.5),
		TrendStrength: Float(0.8),
	})
	// 100 * (0.5*0.3 + 1*0.2 + 1*0.2 + 0.8*0.3)
	assert.InDelta(t, 79, m.QualityScore, 1e-9)

	a.UpdateInstrumentMetrics("GBPUSD", instrument.Forex, MetricsUpdate{Volume: Float(3000)})
	m, ok := a.Metrics("EURUSD")
	require.True(t, ok)
	assert.InDelta(t, 69, m.QualityScore, 1e-9, "EURUSD volume is now half the category mean")

	m = a.UpdateInstrumentMetrics("EURUSD", instrument.Forex, MetricsUpdate{TrendStrength: Float(0)})
	assert.Equal(t, 1.5, m.Spread, "nil fields keep their value")
	assert.InDelta(t, 45, m.QualityScore, 1e-9)

	// Synthetic volume does not dilute the forex mean
	a.UpdateInstrumentMetrics("R_75", instrument.Synthetic, MetricsUpdate{Volume: Float(1e9)})
	m, _ = a.Metrics("EURUSD")
	assert.InDelta(t, 45, m.QualityScore, 1e-9)

	assert.Len(t, a.QualityScores(), 3)
}

func TestOptimize_RespectsCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 50; i++ {
		a := newTestAllocator(t)
		for _, s := range append(append([]string{}, forexSymbols...), syntheticSymbols...) {
			n := rng.Intn(8)
			for j := 0; j < n; j++ {
				a.RecordTradeResult(TradeResult{Symbol: s, Profit: rng.NormFloat64() * 10})
			}
		}

		alloc := a.Optimize(OptimizeInput{Now: t0, Sessions: allEligible()})
		assert.LessOrEqual(t, alloc.Len(), 6)
		assert.LessOrEqual(t, len(alloc.Categories[instrument.Forex]), 4)
		assert.LessOrEqual(t, len(alloc.Categories[instrument.Synthetic]), 4)
		assert.Equal(t, 6, alloc.Len(), "enough eligible symbols to fill every slot")

		alloc = a.Optimize(OptimizeInput{Now: t0.Add(time.Hour), Sessions: allEligible()})
		assert.LessOrEqual(t, alloc.Len(), 6)
	}
}

func TestOptimize_RanksByPerformanceAndQuality(t *testing.T) {
	a := newTestAllocator(t)
	recordTrades(a, "USDJPY", 10, 10, 10, 10, -5)
	recordTrades(a, "R_100", 10, 10, 10, 10, -5)
	recordTrades(a, "AUDUSD", -10, -10, -10, -10, 5)

	alloc := a.Optimize(OptimizeInput{Now: t0, Sessions: allEligible()})
	assert.Equal(t, "USDJPY", alloc.Categories[instrument.Forex][0])
	assert.Equal(t, "R_100", alloc.Categories[instrument.Synthetic][0])
	assert.False(t, alloc.Contains("AUDUSD"))
	assert.True(t, alloc.FullRebalance)
}

func TestOptimize_SkipsCorrelatedThenFills(t *testing.T) {
	a := newTestAllocator(t)
	recordTrades(a, "EURUSD", 10, 10, 10, 10, -5)
	recordTrades(a, "GBPUSD", 10, 10, 10, 10, -6)
	corr := pairCorrelations{threshold: 0.7, pairs: map[[2]string]float64{{"EURUSD", "GBPUSD"}: 0.92}}

	alloc := a.Optimize(OptimizeInput{
		Now:          t0,
		Sessions:     staticSessions{split: session.Split{Forex: []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"}}},
		Correlations: corr,
	})
	assert.Equal(t, []string{"EURUSD", "AUDUSD", "USDCAD", "USDJPY"}, alloc.Categories[instrument.Forex],
		"GBPUSD skipped while uncorrelated candidates remain")

	b := newTestAllocator(t)
	recordTrades(b, "EURUSD", 10, 10, 10, 10, -5)
	recordTrades(b, "GBPUSD", 10, 10, 10, 10, -6)
	alloc = b.Optimize(OptimizeInput{
		Now:          t0,
		Sessions:     staticSessions{split: session.Split{Forex: []string{"EURUSD", "GBPUSD", "USDJPY"}}},
		Correlations: corr,
	})
	assert.Equal(t, []string{"EURUSD", "USDJPY", "GBPUSD"}, alloc.Categories[instrument.Forex],
		"correlated candidate fills the leftover slot")
}

func TestOptimize_RetainsPositions(t *testing.T) {
	a := newTestAllocator(t)
	recordTrades(a, "USDCHF", -10, -10, -10, -10, -10)

	positions := []correlation.Position{
		{Symbol: "usdchf", Direction: correlation.Buy, Size: 0.1},
		{Symbol: "USDCHF", Direction: correlation.Sell, Size: 0.1},
		{Symbol: "XAUUSD", Direction: correlation.Buy, Size: 0.1},
	}
	eligible := staticSessions{split: session.Split{Forex: []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD"}, Synthetic: syntheticSymbols}}

	alloc := a.Optimize(OptimizeInput{Now: t0, Sessions: eligible, Positions: positions})
	assert.True(t, alloc.Contains("USDCHF"), "position-backed symbol kept despite score and session")
	assert.False(t, alloc.Contains("XAUUSD"))
	assert.LessOrEqual(t, alloc.Len(), 6)

	// Incremental pass keeps it too
	alloc = a.Optimize(OptimizeInput{Now: t0.Add(time.Hour), Sessions: eligible, Positions: positions})
	assert.True(t, alloc.Contains("USDCHF"))

	// Positions beyond the caps are still retained
	var many []correlation.Position
	for _, s := range forexSymbols[:5] {
		many = append(many, correlation.Position{Symbol: s, Direction: correlation.Buy, Size: 0.01})
	}
	alloc = a.Optimize(OptimizeInput{Now: t0.Add(48 * time.Hour), Sessions: eligible, Positions: many})
	for _, p := range many {
		assert.True(t, alloc.Contains(p.Symbol), p.Symbol)
	}
	assert.Len(t, alloc.Categories[instrument.Forex], 5)
	assert.Equal(t, 6, alloc.Len(), "one slot left for synthetics")
}

func TestOptimize_Incremental(t *testing.T) {
	a := newTestAllocator(t)
	corr := pairCorrelations{threshold: 0.7, pairs: map[[2]string]float64{{"USDCAD", "AUDUSD"}: -0.8}}

	first := a.Optimize(OptimizeInput{
		Now:          t0,
		Sessions:     staticSessions{split: session.Split{Forex: []string{"AUDUSD", "EURUSD", "GBPUSD"}}},
		Correlations: corr,
	})
	require.Equal(t, []string{"AUDUSD", "EURUSD", "GBPUSD"}, first.Categories[instrument.Forex])

	// GBPUSD leaves its session; USDCAD is correlated to a kept symbol, USDJPY is not
	second := a.Optimize(OptimizeInput{
		Now:          t0.Add(2 * time.Hour),
		Sessions:     staticSessions{split: session.Split{Forex: []string{"AUDUSD", "EURUSD", "USDCAD", "USDJPY"}}},
		Correlations: corr,
	})
	assert.False(t, second.FullRebalance)
	assert.Equal(t, []string{"AUDUSD", "EURUSD", "USDJPY"}, second.Categories[instrument.Forex])
	assert.Equal(t, t0, a.LastRebalance())
}

func TestOptimize_DecayLaw(t *testing.T) {
	a := newTestAllocator(t)
	recordTrades(a, "EURUSD", 10, 10, 10, -5, -5)
	recordTrades(a, "R_75", -5, -5, -5, -5, -5)
	recordTrades(a, "R_50", 1)

	a.Optimize(OptimizeInput{Now: t0, Sessions: allEligible()})
	r, _ := a.Record("EURUSD")
	assert.InDelta(t, 50+15*0.95, r.Score, 1e-9)
	low, _ := a.Record("R_75")
	assert.InDelta(t, 50-50*0.95, low.Score, 1e-9)
	neutral, _ := a.Record("R_50")
	assert.Equal(t, 50.0, neutral.Score)

	a.Optimize(OptimizeInput{Now: t0.Add(23 * time.Hour), Sessions: allEligible()})
	r, _ = a.Record("EURUSD")
	assert.InDelta(t, 50+15*0.95, r.Score, 1e-9, "no decay between full rebalances")

	previous := r.Score
	for day := 1; day <= 200; day++ {
		a.Optimize(OptimizeInput{Now: t0.Add(time.Duration(day*24) * time.Hour), Sessions: allEligible()})
		r, _ = a.Record("EURUSD")
		assert.Less(t, r.Score, previous)
		assert.Greater(t, r.Score, 50.0, "never overshoots neutral")
		assert.InDelta(t, 50+(previous-50)*0.95, r.Score, 1e-9)
		previous = r.Score
	}
}

func TestInstrumentAllocations(t *testing.T) {
	a := newTestAllocator(t)
	assert.Empty(t, a.InstrumentAllocations())
	assert.Equal(t, 0.1, a.AllocationFactor("EURUSD"))

	eligible := staticSessions{split: session.Split{Forex: []string{"EURUSD", "GBPUSD"}, Synthetic: []string{"R_75"}}}
	a.Optimize(OptimizeInput{Now: t0, Sessions: eligible})

	fractions := a.InstrumentAllocations()
	require.Len(t, fractions, 3)
	for _, f := range fractions {
		assert.InDelta(t, 1.0/3, f, 1e-9, "neutral scores weight equally")
	}
	assert.Equal(t, fractions, a.InstrumentAllocations(), "idempotent")

	recordTrades(a, "EURUSD", 10, 10, 10, 10, 10)
	fractions = a.InstrumentAllocations()
	assert.InDelta(t, 100.0/200, fractions["EURUSD"], 1e-9)
	assert.InDelta(t, 50.0/200, fractions["GBPUSD"], 1e-9)

	assert.Equal(t, 1.0, a.AllocationFactor("eurusd"))
	assert.InDelta(t, 0.5, a.AllocationFactor("GBPUSD"), 1e-9)
	assert.Equal(t, 0.1, a.AllocationFactor("USDJPY"), "unselected symbol")
	assert.InDelta(t, 0.5, a.SymbolCap("GBPUSD"), 1e-9)

	sum := 0.0
	for _, f := range fractions {
		sum += f
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestAllocationFactor_Floor(t *testing.T) {
	a := newTestAllocator(t)
	recordTrades(a, "EURUSD", 10, 10, 10, 10, 10)
	recordTrades(a, "GBPUSD", -1, -1, -1, -1, -1)

	a.Optimize(OptimizeInput{Now: t0, Sessions: staticSessions{split: session.Split{Forex: []string{"EURUSD", "GBPUSD"}}}})
	assert.Equal(t, 0.1, a.AllocationFactor("GBPUSD"), "tiny share clamps to the minimum factor")
}

func TestPersistenceAndRestore(t *testing.T) {
	ctx := context.Background()
	sink := &collectingSink{}
	a := newTestAllocator(t, WithSink(sink))

	recordTrades(a, "EURUSD", 10, 10, 10, -5, -5)
	recordTrades(a, "R_75", 3)
	require.Len(t, sink.docs, 6)
	assert.Equal(t, persistence.KindPerformanceRecord, sink.docs[0].Kind)
	assert.Equal(t, "EURUSD", sink.docs[0].Key)

	a.Optimize(OptimizeInput{Now: t0, Sessions: allEligible()})
	assert.Len(t, sink.docs, 7, "decay persists only records whose score moved")

	store := persistence.NewMemoryStore()
	for _, doc := range sink.docs {
		require.NoError(t, store.Put(ctx, doc))
	}
	require.NoError(t, store.Put(ctx, persistence.Document{Kind: persistence.KindPerformanceRecord, Key: "BROKEN", Version: 99}))

	b := newTestAllocator(t)
	require.NoError(t, b.Restore(ctx, store))

	want, _ := a.Record("EURUSD")
	got, ok := b.Record("EURUSD")
	require.True(t, ok)
	assert.Equal(t, want.Trades, got.Trades)
	assert.InDelta(t, want.Score, got.Score, 1e-9)
	_, ok = b.Record("BROKEN")
	assert.False(t, ok)
	assert.Len(t, b.Records(), 2)
}

func TestRestore_DecaysMissedRebalances(t *testing.T) {
	ctx := context.Background()
	sink := &collectingSink{}
	a := newTestAllocator(t, WithSink(sink))
	want := recordTrades(a, "EURUSD", 10, 10, 10, 10, 10)
	require.Greater(t, want.Score, 50.0)

	store := persistence.NewMemoryStore()
	require.NoError(t, store.Put(ctx, sink.docs[len(sink.docs)-1]))

	tests := []struct {
		name    string
		elapsed time.Duration
		steps   int
	}{
		{"within one period", 23 * time.Hour, 0},
		{"one missed rebalance", 25 * time.Hour, 1},
		{"three missed rebalances", 3*24*time.Hour + time.Hour, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoredAt := t0.Add(tt.elapsed)
			b := New(DefaultConfig(), testRegistry(t), WithClock(func() time.Time { return restoredAt }))
			require.NoError(t, b.Restore(ctx, store))

			got, ok := b.Record("EURUSD")
			require.True(t, ok)
			expected := 50 + (want.Score-50)*math.Pow(DefaultConfig().DecayFactor, float64(tt.steps))
			assert.InDelta(t, expected, got.Score, 1e-9)
			assert.Equal(t, want.Trades, got.Trades)
		})
	}
}

func TestSummary(t *testing.T) {
	a := newTestAllocator(t)
	s := a.Summary()
	assert.Equal(t, 50.0, s.AverageScore)
	assert.Zero(t, s.TotalTrades)

	recordTrades(a, "EURUSD", 10, 10, 10, 10, 10)
	recordTrades(a, "R_75", -1)
	a.Optimize(OptimizeInput{Now: t0, Sessions: allEligible()})

	s = a.Summary()
	assert.Equal(t, 6, s.TotalTrades)
	assert.Len(t, s.Records, 2)
	assert.Equal(t, t0, s.LastRebalance)
	assert.Equal(t, s.Allocation.Len(), len(s.Fractions))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max active", func(c *Config) { c.MaxActiveInstruments = 0 }},
		{"category above active", func(c *Config) { c.MaxSameCategory = 7 }},
		{"decay", func(c *Config) { c.DecayFactor = 1 }},
		{"rank weights", func(c *Config) { c.QualityWeight = 0.5 }},
		{"score weights", func(c *Config) { c.ScoreWeights.WinRate = 0.9 }},
		{"quality weights", func(c *Config) { c.QualityWeights.Trend = 0 }},
		{"spread", func(c *Config) { c.MaxSpread.Synthetic = 0 }},
		{"min factor", func(c *Config) { c.MinAllocationFactor = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
