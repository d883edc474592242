package allocator

import (
	"math"
	"time"

	"github.com/sawpanic/coordinator/internal/instrument"
)

// InstrumentMetrics is the latest market quality picture for one symbol
type InstrumentMetrics struct {
	Symbol        string              `json:"symbol"`
	Category      instrument.Category `json:"category"`
	Spread        float64             `json:"spread"`
	Volume        float64             `json:"volume"`
	Volatility    float64             `json:"volatility"`     // 0.0-1.0
	TrendStrength float64             `json:"trend_strength"` // 0.0-1.0
	QualityScore  float64             `json:"quality_score"`  // 0-100
	UpdatedAt     time.Time           `json:"updated_at"`
}

// MetricsUpdate carries the fields to merge; nil fields keep their previous value
type MetricsUpdate struct {
	Spread        *float64 `json:"spread,omitempty"`
	Volume        *float64 `json:"volume,omitempty"`
	Volatility    *float64 `json:"volatility,omitempty"`
	TrendStrength *float64 `json:"trend_strength,omitempty"`
}

// Float returns a pointer for building a MetricsUpdate
func Float(v float64) *float64 {
	return &v
}

func (m *InstrumentMetrics) merge(u MetricsUpdate) {
	if u.Spread != nil {
		m.Spread = math.Max(0, *u.Spread)
	}
	if u.Volume != nil {
		m.Volume = math.Max(0, *u.Volume)
	}
	if u.Volatility != nil {
		m.Volatility = unit(*u.Volatility)
	}
	if u.TrendStrength != nil {
		m.TrendStrength = unit(*u.TrendStrength)
	}
}

func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return neutralScore
	}
	return math.Max(0, math.Min(100, v))
}

// qualityScore blends the sub-scores; meanVolume is the category average
func qualityScore(m InstrumentMetrics, w QualityWeights, maxSpread, meanVolume float64) float64 {
	spreadScore := unit(1 - m.Spread/maxSpread)

	volumeScore := 0.0
	if meanVolume > 0 {
		volumeScore = math.Min(1, m.Volume/meanVolume)
	}

	volatilityScore := unit(1 - 2*math.Abs(m.Volatility-0.5))
	trendScore := unit(m.TrendStrength)

	return clampScore(100 * (spreadScore*w.Spread +
		volumeScore*w.Volume +
		volatilityScore*w.Volatility +
		trendScore*w.Trend))
}
