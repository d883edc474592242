package allocator

import (
	"math"
	"strings"
	"time"

	"github.com/sawpanic/coordinator/internal/instrument"
)

const neutralScore = 50.0

// TradeResult is one closed trade reported by the execution layer
type TradeResult struct {
	Symbol   string              `json:"symbol"`
	Category instrument.Category `json:"category"`
	Profit   float64             `json:"profit"` // net P&L; <= 0 counts as a loss
	ClosedAt time.Time           `json:"closed_at"`
}

// PerformanceRecord is the running trade record and decaying score of one symbol
type PerformanceRecord struct {
	Symbol     string              `json:"symbol"`
	Category   instrument.Category `json:"category"`
	Trades     int                 `json:"trades"`
	Wins       int                 `json:"wins"`
	Losses     int                 `json:"losses"`
	AvgWin     float64             `json:"avg_win"`
	AvgLoss    float64             `json:"avg_loss"` // magnitude
	WinRate    float64             `json:"win_rate"`
	Expectancy float64             `json:"expectancy"`
	Score      float64             `json:"score"` // 0-100, 50 is neutral
	UpdatedAt  time.Time           `json:"updated_at"`
}

func newRecord(symbol string, cat instrument.Category) *PerformanceRecord {
	return &PerformanceRecord{
		Symbol:   strings.ToUpper(symbol),
		Category: cat,
		Score:    neutralScore,
	}
}

// apply folds a trade into the counters and running averages
func (r *PerformanceRecord) apply(t TradeResult) {
	r.Trades++
	if t.Profit > 0 {
		r.Wins++
		r.AvgWin += (t.Profit - r.AvgWin) / float64(r.Wins)
	} else {
		r.Losses++
		r.AvgLoss += (math.Abs(t.Profit) - r.AvgLoss) / float64(r.Losses)
	}
	r.WinRate = float64(r.Wins) / float64(r.Trades)
	r.Expectancy = r.WinRate*r.AvgWin - (1-r.WinRate)*r.AvgLoss
	r.UpdatedAt = t.ClosedAt
}

// rescore recomputes the score from the counters; below minTrades it stays neutral
func (r *PerformanceRecord) rescore(cfg Config) {
	if r.Trades < cfg.MinTrades {
		r.Score = neutralScore
		return
	}

	expScore := neutralScore
	if denom := math.Max(r.AvgWin, r.AvgLoss); denom > 0 {
		expScore = clampScore(50 + 50*r.Expectancy/denom)
	}

	var riskScore float64
	switch {
	case r.AvgLoss > 0:
		riskScore = math.Min(r.AvgWin/r.AvgLoss, cfg.RiskRatioCap) / cfg.RiskRatioCap * 100
	case r.AvgWin > 0:
		riskScore = 100
	default:
		riskScore = neutralScore
	}

	w := cfg.ScoreWeights
	r.Score = clampScore(w.WinRate*r.WinRate*100 + w.Expectancy*expScore + w.RiskRatio*riskScore)
}

// decay moves the score toward neutral by factor
func (r *PerformanceRecord) decay(factor float64) {
	r.Score = clampScore(neutralScore + (r.Score-neutralScore)*factor)
}
