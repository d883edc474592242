package correlation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/coordinator/internal/persistence"
)

var t0 = time.Date(2025, 9, 7, 0, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type memorySink struct{ docs []persistence.Document }

func (s *memorySink) Enqueue(doc persistence.Document) bool {
	s.docs = append(s.docs, doc)
	return true
}

// makeSeries builds hourly closes from a generator
func makeSeries(n int, f func(i int) float64) []PriceSample {
	out := make([]PriceSample, n)
	for i := 0; i < n; i++ {
		out[i] = PriceSample{Time: t0.Add(time.Duration(i) * time.Hour), Close: f(i)}
	}
	return out
}

func trending(base, step, noise float64, seed int64) func(int) float64 {
	rng := rand.New(rand.NewSource(seed))
	return func(i int) float64 {
		return base + step*float64(i) + noise*rng.NormFloat64()
	}
}

func newTestTracker(clock *fakeClock, opts ...Option) *Tracker {
	cfg := DefaultConfig()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewTracker(cfg, opts...)
}

func TestTracker_CorrelatedPairAboveThreshold(t *testing.T) {
	clock := &fakeClock{now: t0}
	tr := newTestTracker(clock)

	tr.UpdatePriceSeries("EURUSD", makeSeries(100, trending(1.10, 0.001, 0.0005, 1)))
	tr.UpdatePriceSeries("GBPUSD", makeSeries(100, trending(1.30, 0.0012, 0.0005, 2)))

	c := tr.Correlation("EURUSD", "GBPUSD")
	assert.GreaterOrEqual(t, c, 0.7)
	assert.Equal(t, c, tr.Correlation("GBPUSD", "EURUSD"))
	assert.Equal(t, 1.0, tr.Correlation("EURUSD", "eurusd"))

	m := tr.Matrix()
	require.NotNil(t, m)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, m.Symbols)
	assert.NotEmpty(t, m.ID)
}

func TestTracker_GroupFallback(t *testing.T) {
	tr := newTestTracker(&fakeClock{now: t0})

	assert.Equal(t, 0.7, tr.Correlation("EURUSD", "AUDUSD"), "same predefined group")
	assert.Equal(t, 0.0, tr.Correlation("EURUSD", "USDJPY"), "different groups")
	assert.Equal(t, 0.0, tr.Correlation("R_75", "R_100"), "unknown symbols")

	correlated := tr.CorrelatedSymbols("EURUSD", 0)
	assert.Equal(t, map[string]float64{"GBPUSD": 0.7, "AUDUSD": 0.7, "NZDUSD": 0.7}, correlated)

	assert.Empty(t, tr.CorrelatedSymbols("EURUSD", 0.9), "group value below requested threshold")
}

func TestTracker_MatrixOverridesGroup(t *testing.T) {
	tr := newTestTracker(&fakeClock{now: t0})

	// Same group, but the data says they are unrelated
	tr.UpdatePriceSeries("EURUSD", makeSeries(60, trending(1.1, 0.001, 0.0001, 3)))
	tr.UpdatePriceSeries("AUDUSD", makeSeries(60, func(i int) float64 { return 0.65 + 0.01*math.Sin(float64(i)) }))

	c := tr.Correlation("EURUSD", "AUDUSD")
	assert.Less(t, math.Abs(c), 0.7)

	correlated := tr.CorrelatedSymbols("EURUSD", 0)
	assert.NotContains(t, correlated, "AUDUSD")
	assert.Contains(t, correlated, "GBPUSD", "group fallback still applies to pairs without data")
}

func TestTracker_InsufficientDataKeepsPrevious(t *testing.T) {
	clock := &fakeClock{now: t0}
	tr := newTestTracker(clock)

	tr.UpdatePriceSeries("EURUSD", makeSeries(5, trending(1.1, 0.001, 0, 1)))
	assert.Nil(t, tr.Matrix(), "one symbol cannot produce a matrix")

	err := tr.Recompute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	tr.UpdatePriceSeries("EURUSD", makeSeries(50, trending(1.1, 0.001, 0.0002, 1)))
	tr.UpdatePriceSeries("GBPUSD", makeSeries(50, trending(1.3, 0.001, 0.0002, 2)))
	first := tr.Matrix()
	require.NotNil(t, first)

	// Non-overlapping timestamps cannot be aligned
	shifted := makeSeries(50, trending(1.1, 0.001, 0.0002, 1))
	for i := range shifted {
		shifted[i].Time = shifted[i].Time.Add(30 * time.Minute)
	}
	clock.now = t0.Add(13 * time.Hour)
	tr.UpdatePriceSeries("EURUSD", shifted)

	assert.Equal(t, first.ID, tr.Matrix().ID, "failed recompute keeps previous matrix")
}

func TestTracker_RecomputesOnlyWhenStale(t *testing.T) {
	clock := &fakeClock{now: t0}
	sink := &memorySink{}
	tr := newTestTracker(clock, WithSink(sink))

	tr.UpdatePriceSeries("EURUSD", makeSeries(50, trending(1.1, 0.001, 0.0002, 1)))
	tr.UpdatePriceSeries("GBPUSD", makeSeries(50, trending(1.3, 0.001, 0.0002, 2)))
	first := tr.Matrix()
	require.NotNil(t, first)
	require.Len(t, sink.docs, 1)

	clock.now = t0.Add(6 * time.Hour)
	tr.UpdatePriceSeries("USDJPY", makeSeries(50, trending(150, -0.1, 0.05, 3)))
	assert.Equal(t, first.ID, tr.Matrix().ID, "fresh matrix is reused")
	assert.False(t, tr.IsStale())

	clock.now = t0.Add(12 * time.Hour)
	assert.True(t, tr.IsStale())
	tr.UpdatePriceSeries("USDJPY", makeSeries(50, trending(150, -0.1, 0.05, 3)))
	second := tr.Matrix()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Contains(t, second.Symbols, "USDJPY")
	assert.Len(t, sink.docs, 2)
}

func TestTracker_NeedsRecomputeForNewSymbols(t *testing.T) {
	clock := &fakeClock{now: t0}
	tr := newTestTracker(clock)
	assert.True(t, tr.NeedsRecompute(), "no matrix yet")

	tr.UpdatePriceSeries("EURUSD", makeSeries(50, trending(1.1, 0.001, 0.0002, 1)))
	tr.UpdatePriceSeries("GBPUSD", makeSeries(50, trending(1.3, 0.001, 0.0002, 2)))
	require.NotNil(t, tr.Matrix())
	assert.False(t, tr.NeedsRecompute())

	clock.now = t0.Add(time.Hour)
	tr.UpdatePriceSeries("AUDUSD", makeSeries(5, trending(0.65, 0.001, 0.0002, 4)))
	assert.False(t, tr.NeedsRecompute(), "below min_overlap")

	tr.UpdatePriceSeries("USDJPY", makeSeries(50, trending(150, -0.1, 0.05, 3)))
	assert.NotContains(t, tr.Matrix().Symbols, "USDJPY", "fresh matrix is reused on update")
	assert.True(t, tr.NeedsRecompute())

	require.NoError(t, tr.Recompute())
	assert.Contains(t, tr.Matrix().Symbols, "USDJPY")
	assert.False(t, tr.NeedsRecompute())
}

func TestTracker_TrimsToLookback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LookbackSamples = 30
	tr := NewTracker(cfg, WithClock((&fakeClock{now: t0}).Now))

	tr.UpdatePriceSeries("EURUSD", makeSeries(100, trending(1.1, 0.001, 0, 1)))
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	series := tr.series["EURUSD"]
	require.Len(t, series, 30)
	assert.Equal(t, t0.Add(70*time.Hour), series[0].Time, "oldest samples dropped")
}

func TestTracker_SymmetryAndRangeProperty(t *testing.T) {
	tr := newTestTracker(&fakeClock{now: t0})
	symbols := []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "R_75", "R_100"}

	rng := rand.New(rand.NewSource(42))
	for i, s := range symbols {
		drift := rng.Float64()*0.02 - 0.01
		tr.UpdatePriceSeries(s, makeSeries(80, trending(10+float64(i), drift, rng.Float64(), int64(i))))
	}
	require.NoError(t, tr.Recompute())

	all := append(symbols, "USDCHF", "UNKNOWN")
	for _, a := range all {
		for _, b := range all {
			ab := tr.Correlation(a, b)
			assert.Equal(t, ab, tr.Correlation(b, a), "%s/%s symmetric", a, b)
			assert.GreaterOrEqual(t, ab, -1.0)
			assert.LessOrEqual(t, ab, 1.0)
			// Idempotent without intervening updates
			assert.Equal(t, ab, tr.Correlation(a, b))
		}
	}
}

func TestTracker_Restore(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	clock := &fakeClock{now: t0}
	sink := &memorySink{}

	tr := newTestTracker(clock, WithSink(sink))
	tr.UpdatePriceSeries("EURUSD", makeSeries(50, trending(1.1, 0.001, 0.0002, 1)))
	tr.UpdatePriceSeries("GBPUSD", makeSeries(50, trending(1.3, 0.001, 0.0002, 2)))
	require.Len(t, sink.docs, 1)
	require.NoError(t, store.Put(ctx, sink.docs[0]))
	want := tr.Correlation("EURUSD", "GBPUSD")

	clock.now = t0.Add(2 * time.Hour)
	warm := newTestTracker(clock)
	require.NoError(t, warm.Restore(ctx, store))
	assert.InDelta(t, want, warm.Correlation("EURUSD", "GBPUSD"), 1e-12)
	assert.False(t, warm.IsStale())

	clock.now = t0.Add(13 * time.Hour)
	cold := newTestTracker(clock)
	require.NoError(t, cold.Restore(ctx, store))
	assert.Nil(t, cold.Matrix(), "stale persisted matrix is ignored")

	empty := newTestTracker(clock)
	require.NoError(t, empty.Restore(ctx, persistence.NewMemoryStore()))
	assert.Nil(t, empty.Matrix())
}
