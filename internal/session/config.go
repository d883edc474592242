package session

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minutesPerDay = 24 * 60

// TimeOfDay is minutes after midnight UTC; 1440 ("24:00") is only valid as a window end
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" in 24h form
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return minutesPerDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// Of returns the UTC time of day of t
func Of(t time.Time) TimeOfDay {
	t = t.UTC()
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(d)/60, int(d)%60)
}

func (d TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML accepts quoted or bare "HH:MM" scalars
func (d *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time of day must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// Window is a named UTC time-of-day range; Start > End wraps past midnight
type Window struct {
	Name  string    `yaml:"name" json:"name"`
	Start TimeOfDay `yaml:"start" json:"start"`
	End   TimeOfDay `yaml:"end" json:"end"`
}

// AllDay is the window reported for markets that never close
var AllDay = Window{Name: "all_day", Start: 0, End: minutesPerDay}

// Contains reports whether t falls inside the window (start inclusive, end exclusive)
func (w Window) Contains(t time.Time) bool {
	return w.containsMinute(Of(t))
}

func (w Window) containsMinute(m TimeOfDay) bool {
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Intersects reports whether two windows share at least one minute
func (w Window) Intersects(other Window) bool {
	if w.Start == w.End || other.Start == other.End {
		return false
	}
	return w.containsMinute(other.Start) || other.containsMinute(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("%s %s-%s", w.Name, w.Start, w.End)
}

// Config holds the session calendar and the liquidity split policy
type Config struct {
	Sessions     []Window `yaml:"sessions"`
	Overlaps     []Window `yaml:"overlaps"`
	LowLiquidity []Window `yaml:"low_liquidity"`

	// PreferredSessions maps a currency code to the sessions where its pairs trade best
	PreferredSessions map[string][]string `yaml:"preferred_sessions"`

	PreferForexInOverlaps         bool          `yaml:"prefer_forex_in_overlaps"`          // Default: true
	PreferSyntheticInLowLiquidity bool          `yaml:"prefer_synthetic_in_low_liquidity"` // Default: true
	LiquidityThreshold            float64       `yaml:"liquidity_threshold"`               // Default: 0.5
	MaxForex                      int           `yaml:"max_forex"`                         // Default: 4
	MaxSynthetic                  int           `yaml:"max_synthetic"`                     // Default: 4
	SmallAccountBalance           float64       `yaml:"small_account_balance"`             // Default: 500
	SmallAccountMaxPerCategory    int           `yaml:"small_account_max_per_category"`    // Default: 2
	StatusTTL                     time.Duration `yaml:"status_ttl"`                        // Default: 5m
}

// DefaultConfig returns the stock UTC session calendar
func DefaultConfig() Config {
	return Config{
		Sessions: []Window{
			{Name: "sydney", Start: 22 * 60, End: 7 * 60},
			{Name: "tokyo", Start: 0, End: 9 * 60},
			{Name: "london", Start: 8 * 60, End: 17 * 60},
			{Name: "new_york", Start: 13 * 60, End: 22 * 60},
		},
		Overlaps: []Window{
			{Name: "sydney_tokyo", Start: 0, End: 7 * 60},
			{Name: "tokyo_london", Start: 8 * 60, End: 9 * 60},
			{Name: "london_new_york", Start: 13 * 60, End: 17 * 60},
		},
		LowLiquidity: []Window{
			{Name: "rollover", Start: 21 * 60, End: 23 * 60},
		},
		PreferredSessions: map[string][]string{
			"USD": {"london", "new_york"},
			"EUR": {"london", "new_york"},
			"GBP": {"london"},
			"CHF": {"london"},
			"JPY": {"tokyo", "london"},
			"AUD": {"sydney", "tokyo"},
			"NZD": {"sydney"},
			"CAD": {"new_york"},
		},
		PreferForexInOverlaps:         true,
		PreferSyntheticInLowLiquidity: true,
		LiquidityThreshold:            0.5,
		MaxForex:                      4,
		MaxSynthetic:                  4,
		SmallAccountBalance:           500,
		SmallAccountMaxPerCategory:    2,
		StatusTTL:                     5 * time.Minute,
	}
}

// Validate checks windows, names and the split policy
func (c Config) Validate() error {
	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}

	names := make(map[string]bool)
	check := func(kind string, windows []Window) error {
		for _, w := range windows {
			if w.Name == "" {
				return fmt.Errorf("%s window without a name", kind)
			}
			if names[w.Name] {
				return fmt.Errorf("duplicate window name %s", w.Name)
			}
			names[w.Name] = true
			if w.Start < 0 || w.Start >= minutesPerDay || w.End < 0 || w.End > minutesPerDay {
				return fmt.Errorf("%s window %s out of range", kind, w.Name)
			}
			if w.Start == w.End {
				return fmt.Errorf("%s window %s is empty", kind, w.Name)
			}
		}
		return nil
	}
	if err := check("session", c.Sessions); err != nil {
		return err
	}
	sessionNames := make(map[string]bool, len(names))
	for n := range names {
		sessionNames[n] = true
	}
	if err := check("overlap", c.Overlaps); err != nil {
		return err
	}
	if err := check("low_liquidity", c.LowLiquidity); err != nil {
		return err
	}

	for currency, sessions := range c.PreferredSessions {
		for _, s := range sessions {
			if !sessionNames[s] {
				return fmt.Errorf("preferred session %s for %s is not a configured session", s, currency)
			}
		}
	}

	if c.LiquidityThreshold <= 0 || c.LiquidityThreshold > 1 {
		return fmt.Errorf("liquidity_threshold %.2f outside (0, 1]", c.LiquidityThreshold)
	}
	if c.MaxForex < 0 || c.MaxSynthetic < 0 {
		return fmt.Errorf("max_forex and max_synthetic must be >= 0")
	}
	if c.SmallAccountBalance < 0 || c.SmallAccountMaxPerCategory < 0 {
		return fmt.Errorf("small account limits must be >= 0")
	}
	if c.StatusTTL <= 0 {
		return fmt.Errorf("status_ttl must be > 0")
	}
	return nil
}
