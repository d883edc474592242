package conditions

import (
	"fmt"
	"strings"
	"time"
)

// Trend is the detector's directional read on a symbol
type Trend int

const (
	TrendUnknown Trend = iota
	Bullish
	Bearish
	Sideways
)

func (t Trend) String() string {
	switch t {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	case Sideways:
		return "sideways"
	default:
		return "unknown"
	}
}

// ParseTrend accepts the detector's labels; empty input is unknown
func ParseTrend(s string) (Trend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return TrendUnknown, nil
	case "bullish", "bull", "up", "uptrend":
		return Bullish, nil
	case "bearish", "bear", "down", "downtrend":
		return Bearish, nil
	case "sideways", "ranging", "range", "neutral":
		return Sideways, nil
	default:
		return TrendUnknown, fmt.Errorf("unknown trend %q", s)
	}
}

func (t Trend) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Trend) UnmarshalText(text []byte) error {
	parsed, err := ParseTrend(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Level grades volatility and liquidity
type Level int

const (
	LevelUnknown Level = iota
	Low
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// ParseLevel accepts low/medium/high; empty input is unknown
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return LevelUnknown, nil
	case "low":
		return Low, nil
	case "medium", "normal", "moderate":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return LevelUnknown, fmt.Errorf("unknown level %q", s)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarketCondition is the external detector's verdict for one symbol
type MarketCondition struct {
	Symbol      string    `json:"symbol"`
	Trend       Trend     `json:"trend"`
	Volatility  Level     `json:"volatility"`
	Liquidity   Level     `json:"liquidity"`
	Confidence  float64   `json:"confidence"` // 0.0-1.0
	ShouldTrade bool      `json:"should_trade"`
	Timestamp   time.Time `json:"timestamp"`
}

// Tradeable reports whether the detector allows trading at minConfidence
func (c MarketCondition) Tradeable(minConfidence float64) bool {
	return c.ShouldTrade && c.Confidence >= minConfidence
}
