package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/instrument"
)

// TrendWeights assigns a weight to every recognized trend
type TrendWeights struct {
	Bullish  float64 `yaml:"bullish"`
	Bearish  float64 `yaml:"bearish"`
	Sideways float64 `yaml:"sideways"`
	Unknown  float64 `yaml:"unknown"`
}

// For returns the weight of trend t
func (w TrendWeights) For(t conditions.Trend) float64 {
	switch t {
	case conditions.Bullish:
		return w.Bullish
	case conditions.Bearish:
		return w.Bearish
	case conditions.Sideways:
		return w.Sideways
	default:
		return w.Unknown
	}
}

// LevelWeights assigns a weight to every recognized volatility or liquidity level
type LevelWeights struct {
	Low     float64 `yaml:"low"`
	Medium  float64 `yaml:"medium"`
	High    float64 `yaml:"high"`
	Unknown float64 `yaml:"unknown"`
}

// For returns the weight of level l
func (w LevelWeights) For(l conditions.Level) float64 {
	switch l {
	case conditions.Low:
		return w.Low
	case conditions.Medium:
		return w.Medium
	case conditions.High:
		return w.High
	default:
		return w.Unknown
	}
}

func (w LevelWeights) validatePositive() error {
	for name, v := range map[string]float64{"low": w.Low, "medium": w.Medium, "high": w.High, "unknown": w.Unknown} {
		if v <= 0 || math.IsNaN(v) {
			return fmt.Errorf("%s must be > 0, got %.2f", name, v)
		}
	}
	return nil
}

// StrategyProfile scores how well a strategy suits the current conditions of a category
type StrategyProfile struct {
	Name              string              `yaml:"name"`
	Category          instrument.Category `yaml:"category"`
	TrendWeights      TrendWeights        `yaml:"trend_weights"`
	VolatilityWeights LevelWeights        `yaml:"volatility_weights"`
	LiquidityWeights  LevelWeights        `yaml:"liquidity_weights"`
}

// Score sums the weights matching a market condition
func (p StrategyProfile) Score(c conditions.MarketCondition) float64 {
	return p.TrendWeights.For(c.Trend) + p.VolatilityWeights.For(c.Volatility) + p.LiquidityWeights.For(c.Liquidity)
}

// DefaultStrategies returns the stock strategy catalogue
func DefaultStrategies() []StrategyProfile {
	return []StrategyProfile{
		{
			Name:              "trend_following",
			Category:          instrument.Forex,
			TrendWeights:      TrendWeights{Bullish: 0.6, Bearish: 0.6, Sideways: -0.4},
			VolatilityWeights: LevelWeights{Low: 0.1, Medium: 0.3, High: -0.2},
			LiquidityWeights:  LevelWeights{Low: -0.3, Medium: 0.1, High: 0.2},
		},
		{
			Name:              "mean_reversion",
			Category:          instrument.Forex,
			TrendWeights:      TrendWeights{Bullish: -0.1, Bearish: -0.1, Sideways: 0.6},
			VolatilityWeights: LevelWeights{Low: 0.3, Medium: 0.2, High: -0.3},
			LiquidityWeights:  LevelWeights{Low: -0.1, Medium: 0.1, High: 0.1},
		},
		{
			Name:              "breakout",
			Category:          instrument.Forex,
			TrendWeights:      TrendWeights{Bullish: 0.3, Bearish: 0.3, Sideways: 0.1},
			VolatilityWeights: LevelWeights{Low: -0.3, Medium: 0.2, High: 0.4},
			LiquidityWeights:  LevelWeights{Low: -0.2, Medium: 0.1, High: 0.2},
		},
		{
			Name:              "volatility_scalper",
			Category:          instrument.Synthetic,
			TrendWeights:      TrendWeights{Bullish: 0.1, Bearish: 0.1, Sideways: 0.2},
			VolatilityWeights: LevelWeights{Low: -0.2, Medium: 0.3, High: 0.5},
		},
		{
			Name:              "synthetic_trend",
			Category:          instrument.Synthetic,
			TrendWeights:      TrendWeights{Bullish: 0.5, Bearish: 0.5, Sideways: -0.3},
			VolatilityWeights: LevelWeights{Low: 0.2, Medium: 0.2, High: -0.1},
		},
	}
}

// StrategySummary renders the catalogue for the CLI
func StrategySummary(profiles []StrategyProfile, defaultStrategy string) string {
	var b strings.Builder
	b.WriteString("Strategy catalogue:\n\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "%s (%s):\n", p.Name, p.Category)
		fmt.Fprintf(&b, "  Trend:      bullish %+.2f  bearish %+.2f  sideways %+.2f\n",
			p.TrendWeights.Bullish, p.TrendWeights.Bearish, p.TrendWeights.Sideways)
		fmt.Fprintf(&b, "  Volatility: low %+.2f  medium %+.2f  high %+.2f\n",
			p.VolatilityWeights.Low, p.VolatilityWeights.Medium, p.VolatilityWeights.High)
		fmt.Fprintf(&b, "  Liquidity:  low %+.2f  medium %+.2f  high %+.2f\n\n",
			p.LiquidityWeights.Low, p.LiquidityWeights.Medium, p.LiquidityWeights.High)
	}
	fmt.Fprintf(&b, "Fallback: %s\n", defaultStrategy)
	return b.String()
}
