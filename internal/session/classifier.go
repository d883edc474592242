package session

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/cache"
	"github.com/sawpanic/coordinator/internal/instrument"
)

// Liquidity scores assigned to each kind of period
const (
	OverlapLiquidity      = 0.8
	SessionLiquidity      = 0.6
	OffSessionLiquidity   = 0.3
	LowLiquidityLiquidity = 0.2
)

// Status is the session picture at one instant
type Status struct {
	At             time.Time `json:"at"`
	Sessions       []string  `json:"sessions"`
	Overlaps       []string  `json:"overlaps"`
	LowLiquidity   bool      `json:"low_liquidity"`
	LiquidityScore float64   `json:"liquidity_score"`
}

// InOverlap reports whether any overlap window is active
func (s Status) InOverlap() bool { return len(s.Overlaps) > 0 }

// HasSession reports whether the named session is active
func (s Status) HasSession(name string) bool {
	for _, n := range s.Sessions {
		if n == name {
			return true
		}
	}
	return false
}

// Split is the recommended working set per category
type Split struct {
	Forex     []string `json:"forex"`
	Synthetic []string `json:"synthetic"`
}

// Get returns the symbols for one category
func (s Split) Get(cat instrument.Category) []string {
	if cat == instrument.Forex {
		return s.Forex
	}
	return s.Synthetic
}

// All returns forex followed by synthetic symbols
func (s Split) All() []string {
	out := make([]string, 0, len(s.Forex)+len(s.Synthetic))
	out = append(out, s.Forex...)
	return append(out, s.Synthetic...)
}

// Classifier maps wall-clock time to sessions and recommends a forex/synthetic split
type Classifier struct {
	mu       sync.Mutex
	cfg      Config
	registry *instrument.Registry
	status   cache.Entry[Status]
}

// NewClassifier creates a classifier; cfg must already be validated
func NewClassifier(cfg Config, registry *instrument.Registry) *Classifier {
	return &Classifier{
		cfg:      cfg,
		registry: registry,
		status:   cache.NewEntry[Status](cfg.StatusTTL),
	}
}

// UpdateStatus recomputes the status at now and caches it
func (c *Classifier) UpdateStatus(now time.Time) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(now)
}

// Status returns the cached status, recomputing when it is stale or from a later instant
func (c *Classifier) Status(now time.Time) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.status.Value(); ok && !c.status.IsStale(now) && !now.Before(c.status.ComputedAt()) {
		return cached
	}
	return c.updateLocked(now)
}

func (c *Classifier) updateLocked(now time.Time) Status {
	s := c.compute(now)
	previous, had := c.status.Value()
	c.status.Set(s, now)

	if !had || strings.Join(previous.Sessions, ",") != strings.Join(s.Sessions, ",") ||
		previous.LowLiquidity != s.LowLiquidity {
		log.Debug().
			Strs("sessions", s.Sessions).
			Strs("overlaps", s.Overlaps).
			Bool("low_liquidity", s.LowLiquidity).
			Float64("liquidity_score", s.LiquidityScore).
			Msg("Session status changed")
	}
	return s
}

func (c *Classifier) compute(now time.Time) Status {
	s := Status{
		At:       now,
		Sessions: activeNames(c.cfg.Sessions, now),
		Overlaps: activeNames(c.cfg.Overlaps, now),
	}
	s.LowLiquidity = len(activeNames(c.cfg.LowLiquidity, now)) > 0

	switch {
	case s.InOverlap() && c.cfg.PreferForexInOverlaps:
		s.LiquidityScore = OverlapLiquidity
	case s.LowLiquidity && c.cfg.PreferSyntheticInLowLiquidity:
		s.LiquidityScore = LowLiquidityLiquidity
	case len(s.Sessions) > 0:
		s.LiquidityScore = SessionLiquidity
	default:
		s.LiquidityScore = OffSessionLiquidity
	}
	return s
}

func activeNames(windows []Window, now time.Time) []string {
	out := []string{}
	for _, w := range windows {
		if w.Contains(now) {
			out = append(out, w.Name)
		}
	}
	return out
}

// currencies returns the base and quote codes of a forex symbol (EURUSD, frxEURUSD)
func currencies(symbol string) []string {
	s := strings.TrimPrefix(strings.ToUpper(symbol), "FRX")
	s = strings.NewReplacer("/", "", "_", "").Replace(s)
	if len(s) != 6 {
		return nil
	}
	return []string{s[:3], s[3:]}
}

// preferredSessions returns the configured sessions for a forex symbol, nil when none
func (c *Classifier) preferredSessions(symbol string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, code := range currencies(symbol) {
		for _, name := range c.cfg.PreferredSessions[code] {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func (c *Classifier) eligible(inst instrument.Instrument, s Status) bool {
	if inst.Category == instrument.Synthetic {
		return true
	}
	preferred := c.preferredSessions(inst.Symbol)
	if len(preferred) == 0 {
		return len(s.Sessions) > 0
	}
	for _, name := range preferred {
		if s.HasSession(name) {
			return true
		}
	}
	return false
}

// IsTradable reports whether symbol is known and inside one of its sessions at now
func (c *Classifier) IsTradable(symbol string, now time.Time) bool {
	inst, ok := c.registry.Get(symbol)
	if !ok {
		return false
	}
	return c.eligible(inst, c.Status(now))
}

// ActiveInstruments returns the session-eligible symbols per category, ranked by quality
// and trimmed to the liquidity-derived counts. quality may be nil; balance <= 0 skips
// the small-account cap.
func (c *Classifier) ActiveInstruments(now time.Time, quality map[string]float64, balance float64) Split {
	s := c.Status(now)
	forexCount, syntheticCount := c.counts(s.LiquidityScore)

	if balance > 0 && balance < c.cfg.SmallAccountBalance && c.cfg.SmallAccountMaxPerCategory > 0 {
		forexCount = min(forexCount, c.cfg.SmallAccountMaxPerCategory)
		syntheticCount = min(syntheticCount, c.cfg.SmallAccountMaxPerCategory)
	}

	return Split{
		Forex:     c.rank(instrument.Forex, s, quality, forexCount),
		Synthetic: c.rank(instrument.Synthetic, s, quality, syntheticCount),
	}
}

// counts converts a liquidity score into per-category slot counts
func (c *Classifier) counts(score float64) (forex, synthetic int) {
	if score >= c.cfg.LiquidityThreshold {
		forex = c.cfg.MaxForex
		synthetic = int(math.Round(float64(c.cfg.MaxSynthetic) * (1 - score)))
		return forex, synthetic
	}
	synthetic = c.cfg.MaxSynthetic
	forex = int(math.Round(float64(c.cfg.MaxForex) * score / c.cfg.LiquidityThreshold))
	return forex, synthetic
}

func (c *Classifier) rank(cat instrument.Category, s Status, quality map[string]float64, limit int) []string {
	out := []string{}
	for _, symbol := range c.registry.Symbols(cat) {
		inst, _ := c.registry.Get(symbol)
		if c.eligible(inst, s) {
			out = append(out, symbol)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		qi, qj := quality[out[i]], quality[out[j]]
		if qi != qj {
			return qi > qj
		}
		return out[i] < out[j]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BestTradingHours returns the windows in which symbol trades best: all day for
// synthetics, preferred sessions plus intersecting overlaps for forex.
func (c *Classifier) BestTradingHours(symbol string) []Window {
	inst, ok := c.registry.Get(symbol)
	if !ok {
		return nil
	}
	if inst.Category == instrument.Synthetic {
		return []Window{AllDay}
	}

	var sessions []Window
	preferred := c.preferredSessions(inst.Symbol)
	if len(preferred) == 0 {
		sessions = append(sessions, c.cfg.Sessions...)
	} else {
		for _, w := range c.cfg.Sessions {
			for _, name := range preferred {
				if w.Name == name {
					sessions = append(sessions, w)
				}
			}
		}
	}

	out := append([]Window(nil), sessions...)
	for _, o := range c.cfg.Overlaps {
		for _, w := range sessions {
			if o.Intersects(w) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// Config returns the classifier configuration
func (c *Classifier) Config() Config {
	return c.cfg
}
