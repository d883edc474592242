package correlation

import (
	"fmt"
	"time"
)

// Config holds correlation thresholds, recompute cadence and exposure caps
type Config struct {
	HighThreshold            float64             `yaml:"high_threshold"`              // Default: 0.7
	UpdateInterval           time.Duration       `yaml:"update_interval"`             // Default: 12h
	LookbackSamples          int                 `yaml:"lookback_samples"`            // Default: 720 (30d hourly)
	MinOverlap               int                 `yaml:"min_overlap"`                 // Default: 20
	MaxCorrelatedExposure    float64             `yaml:"max_correlated_exposure"`     // Default: 1.0
	MaxSameDirectionExposure float64             `yaml:"max_same_direction_exposure"` // Default: 2.0
	Groups                   map[string][]string `yaml:"groups"`
}

// DefaultConfig returns the stock thresholds and predefined groups
func DefaultConfig() Config {
	return Config{
		HighThreshold:            0.7,
		UpdateInterval:           12 * time.Hour,
		LookbackSamples:          720,
		MinOverlap:               20,
		MaxCorrelatedExposure:    1.0,
		MaxSameDirectionExposure: 2.0,
		Groups: map[string][]string{
			"usd_majors":  {"EURUSD", "GBPUSD", "AUDUSD", "NZDUSD"},
			"usd_base":    {"USDCHF", "USDJPY", "USDCAD"},
			"jpy_crosses": {"EURJPY", "GBPJPY", "AUDJPY"},
			"eur_crosses": {"EURGBP", "EURCHF", "EURAUD"},
		},
	}
}

// Validate checks ranges
func (c Config) Validate() error {
	if c.HighThreshold <= 0 || c.HighThreshold > 1 {
		return fmt.Errorf("high_threshold %.2f outside (0, 1]", c.HighThreshold)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be > 0")
	}
	if c.MinOverlap < 3 {
		return fmt.Errorf("min_overlap must be >= 3, got %d", c.MinOverlap)
	}
	if c.LookbackSamples < c.MinOverlap {
		return fmt.Errorf("lookback_samples %d below min_overlap %d", c.LookbackSamples, c.MinOverlap)
	}
	if c.MaxCorrelatedExposure <= 0 {
		return fmt.Errorf("max_correlated_exposure must be > 0")
	}
	if c.MaxSameDirectionExposure <= 0 {
		return fmt.Errorf("max_same_direction_exposure must be > 0")
	}
	for name, members := range c.Groups {
		if len(members) < 2 {
			return fmt.Errorf("correlation group %s needs at least 2 symbols", name)
		}
	}
	return nil
}
