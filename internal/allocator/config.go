package allocator

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/coordinator/internal/instrument"
)

// QualityWeights blend the four metric sub-scores into quality
type QualityWeights struct {
	Spread     float64 `yaml:"spread"`     // Default: 0.3
	Volume     float64 `yaml:"volume"`     // Default: 0.2
	Volatility float64 `yaml:"volatility"` // Default: 0.2
	Trend      float64 `yaml:"trend"`      // Default: 0.3
}

func (w QualityWeights) sum() float64 {
	return w.Spread + w.Volume + w.Volatility + w.Trend
}

// ScoreWeights blend win rate, expectancy and risk ratio into the performance score
type ScoreWeights struct {
	WinRate    float64 `yaml:"win_rate"`   // Default: 0.4
	Expectancy float64 `yaml:"expectancy"` // Default: 0.3
	RiskRatio  float64 `yaml:"risk_ratio"` // Default: 0.3
}

func (w ScoreWeights) sum() float64 {
	return w.WinRate + w.Expectancy + w.RiskRatio
}

// CategorySpreads is the spread at which the spread sub-score reaches zero
type CategorySpreads struct {
	Forex     float64 `yaml:"forex"`     // Default: 3.0 pips
	Synthetic float64 `yaml:"synthetic"` // Default: 50.0 points
}

// For returns the limit for cat
func (s CategorySpreads) For(cat instrument.Category) float64 {
	if cat == instrument.Forex {
		return s.Forex
	}
	return s.Synthetic
}

// Config holds the allocator caps, rebalance cadence and scoring weights
type Config struct {
	MaxActiveInstruments int           `yaml:"max_active_instruments"`   // Default: 6
	MaxSameCategory      int           `yaml:"max_same_category"`        // Default: 4
	RebalanceFrequency   time.Duration `yaml:"rebalance_frequency"`      // Default: 24h
	DecayFactor          float64       `yaml:"performance_decay_factor"` // Default: 0.95
	MinTrades            int           `yaml:"min_trades"`               // Default: 5
	RiskRatioCap         float64       `yaml:"risk_ratio_cap"`           // Default: 3.0
	PerformanceWeight    float64       `yaml:"performance_weight"`       // Default: 0.6
	QualityWeight        float64       `yaml:"quality_weight"`           // Default: 0.4
	MinAllocationFactor  float64       `yaml:"min_allocation_factor"`    // Default: 0.1
	MaxLotsPerSymbol     float64       `yaml:"max_lots_per_symbol"`      // Default: 1.0

	ScoreWeights   ScoreWeights    `yaml:"score_weights"`
	QualityWeights QualityWeights  `yaml:"quality_weights"`
	MaxSpread      CategorySpreads `yaml:"max_spread"`
}

// DefaultConfig returns the stock allocator settings
func DefaultConfig() Config {
	return Config{
		MaxActiveInstruments: 6,
		MaxSameCategory:      4,
		RebalanceFrequency:   24 * time.Hour,
		DecayFactor:          0.95,
		MinTrades:            5,
		RiskRatioCap:         3.0,
		PerformanceWeight:    0.6,
		QualityWeight:        0.4,
		MinAllocationFactor:  0.1,
		MaxLotsPerSymbol:     1.0,
		ScoreWeights: ScoreWeights{
			WinRate:    0.4,
			Expectancy: 0.3,
			RiskRatio:  0.3,
		},
		QualityWeights: QualityWeights{
			Spread:     0.3,
			Volume:     0.2,
			Volatility: 0.2,
			Trend:      0.3,
		},
		MaxSpread: CategorySpreads{
			Forex:     3.0,
			Synthetic: 50.0,
		},
	}
}

const weightTolerance = 0.001

// Validate checks caps, weights and ranges
func (c Config) Validate() error {
	if c.MaxActiveInstruments < 1 {
		return fmt.Errorf("max_active_instruments must be >= 1, got %d", c.MaxActiveInstruments)
	}
	if c.MaxSameCategory < 1 || c.MaxSameCategory > c.MaxActiveInstruments {
		return fmt.Errorf("max_same_category %d outside [1, %d]", c.MaxSameCategory, c.MaxActiveInstruments)
	}
	if c.RebalanceFrequency <= 0 {
		return fmt.Errorf("rebalance_frequency must be > 0")
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("performance_decay_factor %.3f outside (0, 1)", c.DecayFactor)
	}
	if c.MinTrades < 1 {
		return fmt.Errorf("min_trades must be >= 1, got %d", c.MinTrades)
	}
	if c.RiskRatioCap <= 0 {
		return fmt.Errorf("risk_ratio_cap must be > 0")
	}
	if c.PerformanceWeight < 0 || c.QualityWeight < 0 ||
		math.Abs(c.PerformanceWeight+c.QualityWeight-1.0) > weightTolerance {
		return fmt.Errorf("performance_weight + quality_weight must equal 1.0, got %.3f",
			c.PerformanceWeight+c.QualityWeight)
	}
	if c.MinAllocationFactor <= 0 || c.MinAllocationFactor > 1 {
		return fmt.Errorf("min_allocation_factor %.2f outside (0, 1]", c.MinAllocationFactor)
	}
	if c.MaxLotsPerSymbol <= 0 {
		return fmt.Errorf("max_lots_per_symbol must be > 0")
	}
	if s := c.ScoreWeights.sum(); math.Abs(s-1.0) > weightTolerance {
		return fmt.Errorf("score_weights sum to %.3f, expected 1.0", s)
	}
	if s := c.QualityWeights.sum(); math.Abs(s-1.0) > weightTolerance {
		return fmt.Errorf("quality_weights sum to %.3f, expected 1.0", s)
	}
	if c.MaxSpread.Forex <= 0 || c.MaxSpread.Synthetic <= 0 {
		return fmt.Errorf("max_spread must be > 0 for every category")
	}
	return nil
}
