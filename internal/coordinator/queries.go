package coordinator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
)

// directionFor maps a trend to the side it implies
func directionFor(t conditions.Trend) (correlation.Direction, bool) {
	switch t {
	case conditions.Bullish:
		return correlation.Buy, true
	case conditions.Bearish:
		return correlation.Sell, true
	default:
		return correlation.Buy, false
	}
}

// buildCandidates intersects the session-eligible set with tradeable conditions,
// drops symbols highly correlated with an open position and keeps the most
// confident max_candidates
func (e *Engine) buildCandidates(s *snapshot) []TradingCandidate {
	threshold := e.correlations.HighThreshold()
	minConfidence := e.cfg.Facade.MinConfidence

	var out []TradingCandidate
	for _, symbol := range s.active.All() {
		cond, ok := s.conditions[symbol]
		if !ok || !cond.Tradeable(minConfidence) {
			continue
		}
		if peer, c, hit := e.correlatedPosition(symbol, s.positions, threshold); hit {
			log.Debug().
				Str("symbol", symbol).
				Str("position", peer).
				Float64("correlation", c).
				Msg("Candidate skipped for correlation with open position")
			continue
		}

		cat, _ := e.registry.CategoryOf(symbol)
		dir, directional := directionFor(cond.Trend)
		out = append(out, TradingCandidate{
			Symbol:           symbol,
			Category:         cat,
			Direction:        dir,
			Neutral:          !directional,
			Confidence:       cond.Confidence,
			StrategyName:     e.selectStrategy(symbol, s),
			AllocationFactor: e.positionAllocation(symbol, s),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Symbol < out[j].Symbol
	})
	if len(out) > e.cfg.Facade.MaxCandidates {
		out = out[:e.cfg.Facade.MaxCandidates]
	}
	return out
}

func (e *Engine) correlatedPosition(symbol string, positions []correlation.Position, threshold float64) (string, float64, bool) {
	for _, p := range positions {
		if p.Symbol == symbol {
			continue
		}
		if c := e.correlations.Correlation(symbol, p.Symbol); math.Abs(c) >= threshold {
			return p.Symbol, c, true
		}
	}
	return "", 0, false
}

// TradingCandidates returns the candidate symbols of the last snapshot, most confident first
func (e *Engine) TradingCandidates() []string {
	s := e.view(e.now())
	out := make([]string, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = c.Symbol
	}
	return out
}

// TradingCandidateDetails returns the candidates with direction, strategy and sizing
func (e *Engine) TradingCandidateDetails() []TradingCandidate {
	return append([]TradingCandidate(nil), e.view(e.now()).candidates...)
}

// SelectStrategy returns the best positive-scoring strategy for symbol's category
// under its current condition, else the default strategy
func (e *Engine) SelectStrategy(symbol string) string {
	return e.selectStrategy(strings.ToUpper(symbol), e.view(e.now()))
}

func (e *Engine) selectStrategy(symbol string, s *snapshot) string {
	fallback := e.cfg.Facade.DefaultStrategy

	cat, ok := e.registry.CategoryOf(symbol)
	if !ok {
		return fallback
	}
	cond, ok := s.conditions[symbol]
	if !ok {
		return fallback
	}

	best, bestScore := fallback, 0.0
	for _, profile := range e.cfg.Facade.Strategies {
		if profile.Category != cat {
			continue
		}
		if score := profile.Score(cond); score > bestScore {
			best, bestScore = profile.Name, score
		}
	}
	return best
}

// PositionAllocation sizes symbol in [min_allocation_factor, 1] from its condition
// confidence, volatility and allocator factor
func (e *Engine) PositionAllocation(symbol string) float64 {
	return e.positionAllocation(strings.ToUpper(symbol), e.view(e.now()))
}

func (e *Engine) positionAllocation(symbol string, s *snapshot) float64 {
	cond := s.conditions[symbol]
	confidence := math.Min(1, cond.Confidence+e.cfg.Facade.ConfidenceBoost)
	volatility := e.cfg.Facade.VolatilityFactors.For(cond.Volatility)

	factor, ok := s.factors[symbol]
	if !ok {
		factor = e.cfg.Allocator.MinAllocationFactor
	}

	v := confidence * volatility * factor
	return math.Max(e.cfg.Allocator.MinAllocationFactor, math.Min(1, v))
}

// ValidateNewPosition runs the admission gates in order and stops at the first failure
func (e *Engine) ValidateNewPosition(symbol string, direction correlation.Direction, size float64) Decision {
	now := e.now()
	s := e.view(now)
	symbol = strings.ToUpper(symbol)

	d := Decision{
		Symbol:        symbol,
		Direction:     direction,
		RequestedSize: size,
		EvaluatedAt:   now,
	}

	for _, gate := range []func(*Decision, *snapshot) (bool, string){
		e.checkInstrument,
		e.checkConfidence,
		e.checkTrend,
		e.checkSession,
		e.checkExposure,
		e.checkSymbolCap,
	} {
		g := Gate(len(d.Checks))
		passed, description := gate(&d, s)
		d.Checks = append(d.Checks, GateCheck{Gate: g, Passed: passed, Description: description})
		if !passed {
			d.Gate = g
			d.Reason = description
			break
		}
	}

	if d.Reason == "" {
		d.OK = true
		d.Gate = GatePassed
	}

	e.metrics.ObserveAdmission(d.Gate.String(), d.OK)

	event := log.Debug()
	if !d.OK {
		event = log.Info()
	}
	event.
		Str("symbol", symbol).
		Str("direction", direction.String()).
		Float64("size", size).
		Bool("ok", d.OK).
		Str("gate", d.Gate.String()).
		Str("reason", d.Reason).
		Msg("Position admission evaluated")

	return d
}

func (e *Engine) checkInstrument(d *Decision, _ *snapshot) (bool, string) {
	inst, ok := e.registry.Get(d.Symbol)
	if !ok {
		return false, fmt.Sprintf("unknown instrument %s", d.Symbol)
	}
	normalized, ok := inst.NormalizeSize(d.RequestedSize)
	if !ok {
		return false, fmt.Sprintf("size %.4f below minimum lot %.4f for %s", d.RequestedSize, inst.MinLotSize, d.Symbol)
	}
	d.NormalizedSize = normalized
	return true, fmt.Sprintf("%s size %.4f normalized to %.4f", inst.Category, d.RequestedSize, normalized)
}

func (e *Engine) checkConfidence(d *Decision, s *snapshot) (bool, string) {
	cond, ok := s.conditions[d.Symbol]
	if !ok {
		return false, fmt.Sprintf("no market condition for %s", d.Symbol)
	}
	minConfidence := e.cfg.Facade.MinConfidence
	if cond.Confidence < minConfidence {
		return false, fmt.Sprintf("confidence %.2f below minimum %.2f", cond.Confidence, minConfidence)
	}
	return true, fmt.Sprintf("confidence %.2f >= %.2f", cond.Confidence, minConfidence)
}

func (e *Engine) checkTrend(d *Decision, s *snapshot) (bool, string) {
	trend := s.conditions[d.Symbol].Trend
	implied, directional := directionFor(trend)
	if directional && implied != d.Direction {
		return false, fmt.Sprintf("trend conflict: %s position against %s trend", d.Direction, trend)
	}
	return true, fmt.Sprintf("%s agrees with %s trend", d.Direction, trend)
}

func (e *Engine) checkSession(d *Decision, s *snapshot) (bool, string) {
	if !s.tradable[d.Symbol] {
		return false, fmt.Sprintf("%s outside its trading sessions (active: %s)", d.Symbol, strings.Join(s.status.Sessions, ","))
	}
	return true, "inside an active session"
}

func (e *Engine) checkExposure(d *Decision, s *snapshot) (bool, string) {
	proposed := correlation.Position{Symbol: d.Symbol, Direction: d.Direction, Size: d.NormalizedSize}
	ok, reason, report := e.correlations.EvaluateExposure(s.positions, proposed)
	if !ok {
		return false, reason
	}
	return true, fmt.Sprintf("correlated exposure %.2f, same-direction exposure %.2f",
		report.CorrelatedExposure, report.SameDirectionWeight)
}

func (e *Engine) checkSymbolCap(d *Decision, s *snapshot) (bool, string) {
	open := 0.0
	for _, p := range s.positions {
		if p.Symbol == d.Symbol {
			open += p.Size
		}
	}

	factor, ok := s.factors[d.Symbol]
	if !ok {
		factor = e.cfg.Allocator.MinAllocationFactor
	}
	limit := e.cfg.Allocator.MaxLotsPerSymbol * factor

	total := open + d.NormalizedSize
	if total > limit+1e-9 {
		return false, fmt.Sprintf("symbol allocation %.4f exceeds cap %.4f", total, limit)
	}
	return true, fmt.Sprintf("symbol allocation %.4f within cap %.4f", total, limit)
}

// PortfolioAllocation returns the current category selection
func (e *Engine) PortfolioAllocation() allocator.Allocation {
	a := e.current().allocation
	out := allocator.Allocation{
		Categories:    make(map[instrument.Category][]string, len(a.Categories)),
		UpdatedAt:     a.UpdatedAt,
		FullRebalance: a.FullRebalance,
	}
	for cat, symbols := range a.Categories {
		out.Categories[cat] = append([]string(nil), symbols...)
	}
	return out
}

// PerformanceSummary combines allocator scores, condition aggregates and the session picture
func (e *Engine) PerformanceSummary() PerformanceSummary {
	s := e.view(e.now())

	summary := PerformanceSummary{
		Allocator:  e.allocator.Summary(),
		Conditions: e.conditions.Aggregates(),
		Session:    s.status,
		Correlated: make(map[string][]string),
	}

	for _, symbol := range s.allocation.Symbols() {
		peers := e.correlations.CorrelatedSymbols(symbol, 0)
		if len(peers) == 0 {
			continue
		}
		names := make([]string, 0, len(peers))
		for peer := range peers {
			names = append(names, peer)
		}
		sort.Strings(names)
		summary.Correlated[symbol] = names
	}

	if m := e.correlations.Matrix(); m != nil {
		summary.MatrixID = m.ID
		summary.MatrixAge = s.at.Sub(m.ComputedAt)
	}
	return summary
}

// ActivePositionsSummary reports open positions by category with signed net size
func (e *Engine) ActivePositionsSummary() PositionsSummary {
	s := e.view(e.now())

	summary := PositionsSummary{
		Positions:  append([]correlation.Position(nil), s.positions...),
		Count:      len(s.positions),
		ByCategory: make(map[instrument.Category]int),
		NetSize:    make(map[string]float64),
		Account:    s.account,
		UpdatedAt:  s.at,
	}
	for _, p := range s.positions {
		summary.NetSize[p.Symbol] += p.Size * p.Direction.Sign()
		cat, ok := e.registry.CategoryOf(p.Symbol)
		if !ok {
			summary.Unknown = append(summary.Unknown, p.Symbol)
			continue
		}
		summary.ByCategory[cat]++
	}
	return summary
}
