package allocator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/session"
)

// Correlator answers pairwise correlation queries
type Correlator interface {
	Correlation(a, b string) float64
	HighThreshold() float64
}

// SessionSource recommends the session-eligible symbols per category
type SessionSource interface {
	ActiveInstruments(now time.Time, quality map[string]float64, balance float64) session.Split
}

// OptimizeInput is everything one optimize pass reads
type OptimizeInput struct {
	Now          time.Time
	Sessions     SessionSource
	Correlations Correlator
	Positions    []correlation.Position
	Balance      float64
}

type candidate struct {
	Symbol   string
	Category instrument.Category
	Rank     float64
}

// selection tracks running caps while the greedy passes fill the working set
type selection struct {
	cfg        Config
	corr       Correlator
	byCategory map[instrument.Category][]string
	chosen     map[string]bool
	total      int
	rejected   map[string]string
}

func newSelection(cfg Config, corr Correlator) *selection {
	s := &selection{
		cfg:        cfg,
		corr:       corr,
		byCategory: make(map[instrument.Category][]string),
		chosen:     make(map[string]bool),
		rejected:   make(map[string]string),
	}
	for _, cat := range instrument.Categories {
		s.byCategory[cat] = []string{}
	}
	return s
}

// force adds a symbol regardless of caps
func (s *selection) force(c candidate) {
	if s.chosen[c.Symbol] {
		return
	}
	s.byCategory[c.Category] = append(s.byCategory[c.Category], c.Symbol)
	s.chosen[c.Symbol] = true
	s.total++
}

// evaluate returns why c cannot be added, or "" when it fits
func (s *selection) evaluate(c candidate, checkCorrelation bool) string {
	if s.chosen[c.Symbol] {
		return "already selected"
	}
	if s.total >= s.cfg.MaxActiveInstruments {
		return fmt.Sprintf("portfolio at cap (%d)", s.cfg.MaxActiveInstruments)
	}
	if len(s.byCategory[c.Category]) >= s.cfg.MaxSameCategory {
		return fmt.Sprintf("category %s at cap (%d)", c.Category, s.cfg.MaxSameCategory)
	}
	if checkCorrelation {
		if peer, corr, ok := s.correlatedPeer(c.Symbol); ok {
			return fmt.Sprintf("correlation %.2f with %s", corr, peer)
		}
	}
	return ""
}

func (s *selection) correlatedPeer(symbol string) (string, float64, bool) {
	if s.corr == nil {
		return "", 0, false
	}
	threshold := s.corr.HighThreshold()
	for _, cat := range instrument.Categories {
		for _, peer := range s.byCategory[cat] {
			if c := s.corr.Correlation(symbol, peer); math.Abs(c) >= threshold {
				return peer, c, true
			}
		}
	}
	return "", 0, false
}

func (s *selection) tryAdd(c candidate, checkCorrelation bool) bool {
	if reason := s.evaluate(c, checkCorrelation); reason != "" {
		s.rejected[c.Symbol] = reason
		return false
	}
	delete(s.rejected, c.Symbol)
	s.force(c)
	return true
}

// Optimize rebuilds the working set. A full rebalance (first call, or after
// rebalance_frequency) decays every score and reselects from scratch; otherwise
// existing still-eligible selections are kept and topped up with uncorrelated
// candidates. Symbols backing open positions are always selected.
func (a *Allocator) Optimize(in OptimizeInput) Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := in.Now
	if now.IsZero() {
		now = a.now()
	}
	full := a.lastRebalance.IsZero() || now.Sub(a.lastRebalance) >= a.cfg.RebalanceFrequency
	if full {
		a.decayLocked(now)
	}

	quality := a.qualityLocked()
	var split session.Split
	if in.Sessions != nil {
		split = in.Sessions.ActiveInstruments(now, quality, in.Balance)
	}

	sel := newSelection(a.cfg, in.Correlations)

	// Positions first, strongest first so they claim slots in rank order
	positions := a.positionCandidatesLocked(in.Positions, quality)
	for _, c := range positions {
		sel.force(c)
	}

	eligible := make(map[string]bool)
	var candidates []candidate
	for _, cat := range instrument.Categories {
		for _, symbol := range split.Get(cat) {
			symbol = strings.ToUpper(symbol)
			eligible[symbol] = true
			if !sel.chosen[symbol] {
				candidates = append(candidates, candidate{Symbol: symbol, Category: cat, Rank: a.rankLocked(symbol, quality)})
			}
		}
	}
	sortCandidates(candidates)

	if full {
		for _, c := range candidates {
			sel.tryAdd(c, true)
		}
		// Correlated leftovers fill any slots the uncorrelated set could not
		for _, c := range candidates {
			if !sel.chosen[c.Symbol] {
				sel.tryAdd(c, false)
			}
		}
	} else {
		var dropped []string
		for _, cat := range instrument.Categories {
			for _, symbol := range a.allocation.Categories[cat] {
				if sel.chosen[symbol] {
					continue
				}
				if !eligible[symbol] {
					dropped = append(dropped, symbol)
					continue
				}
				if !sel.tryAdd(candidate{Symbol: symbol, Category: cat}, false) {
					dropped = append(dropped, symbol)
				}
			}
		}
		if len(dropped) > 0 {
			log.Info().Strs("dropped", dropped).Msg("Allocation dropped symbols outside session or caps")
		}
		for _, c := range candidates {
			if !sel.chosen[c.Symbol] {
				sel.tryAdd(c, true)
			}
		}
	}

	a.allocation = Allocation{
		Categories:    sel.byCategory,
		UpdatedAt:     now,
		FullRebalance: full,
	}
	if full {
		a.lastRebalance = now
	}

	if a.observer != nil {
		a.observer.ObserveRebalance(full, sel.total)
	}

	event := log.Info()
	if !full {
		event = log.Debug()
	}
	event.
		Bool("full_rebalance", full).
		Strs("forex", sel.byCategory[instrument.Forex]).
		Strs("synthetic", sel.byCategory[instrument.Synthetic]).
		Int("positions", len(positions)).
		Int("rejected", len(sel.rejected)).
		Msg("Portfolio allocation updated")

	return a.allocation.clone()
}

func (a *Allocator) positionCandidatesLocked(positions []correlation.Position, quality map[string]float64) []candidate {
	seen := make(map[string]bool)
	var out []candidate
	for _, p := range positions {
		symbol := strings.ToUpper(p.Symbol)
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		cat, ok := a.registry.CategoryOf(symbol)
		if !ok {
			log.Warn().Str("symbol", symbol).Msg("Open position on unknown instrument left out of allocation")
			continue
		}
		out = append(out, candidate{Symbol: symbol, Category: cat, Rank: a.rankLocked(symbol, quality)})
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Rank != cs[j].Rank {
			return cs[i].Rank > cs[j].Rank
		}
		return cs[i].Symbol < cs[j].Symbol
	})
}
