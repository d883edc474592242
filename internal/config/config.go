package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/persistence"
	"github.com/sawpanic/coordinator/internal/session"
)

// Config is the complete coordinator configuration
type Config struct {
	Instruments []instrument.Instrument `yaml:"instruments"`
	Correlation correlation.Config      `yaml:"correlation"`
	Session     session.Config          `yaml:"session"`
	Allocator   allocator.Config        `yaml:"allocator"`
	Conditions  conditions.Config       `yaml:"conditions"`
	Facade      FacadeConfig            `yaml:"facade"`
	Persistence PersistenceConfig       `yaml:"persistence"`
	Monitor     MonitorConfig           `yaml:"monitor"`
}

// FacadeConfig holds the candidate, admission and sizing policy of the engine
type FacadeConfig struct {
	MinConfidence     float64           `yaml:"min_confidence"`   // Default: 0.6
	MaxCandidates     int               `yaml:"max_candidates"`   // Default: 5
	ConfidenceBoost   float64           `yaml:"confidence_boost"` // Default: 0.2
	VolatilityFactors LevelWeights      `yaml:"volatility_factors"`
	CycleInterval     time.Duration     `yaml:"cycle_interval"`   // Default: 1m
	DefaultStrategy   string            `yaml:"default_strategy"` // Default: conservative
	Strategies        []StrategyProfile `yaml:"strategies"`
}

// Backend names a persistence store implementation
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendFile     Backend = "file"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// PersistenceConfig selects and configures the document store
type PersistenceConfig struct {
	Backend     Backend                   `yaml:"backend"`
	Dir         string                    `yaml:"dir"`
	Redis       persistence.RedisConfig   `yaml:"redis"`
	PostgresDSN string                    `yaml:"postgres_dsn"`
	Timeout     time.Duration             `yaml:"timeout"`
	Flusher     persistence.FlusherConfig `yaml:"flusher"`
}

// MonitorConfig configures the read-only telemetry server
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ConfigurationError lists every problem found while validating a Config
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) add(section string, err error) {
	if err != nil {
		e.Problems = append(e.Problems, section+": "+err.Error())
	}
}

func (e *ConfigurationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Default returns a configuration that validates as is
func Default() Config {
	return Config{
		Instruments: DefaultInstruments(),
		Correlation: correlation.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Allocator:   allocator.DefaultConfig(),
		Conditions:  conditions.DefaultConfig(),
		Facade: FacadeConfig{
			MinConfidence:     0.6,
			MaxCandidates:     5,
			ConfidenceBoost:   0.2,
			VolatilityFactors: LevelWeights{Low: 0.8, Medium: 1.0, High: 0.7, Unknown: 1.0},
			CycleInterval:     time.Minute,
			DefaultStrategy:   "conservative",
			Strategies:        DefaultStrategies(),
		},
		Persistence: PersistenceConfig{
			Backend: BackendMemory,
			Dir:     "data/coordinator",
			Redis: persistence.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "coordinator",
				Timeout:   500 * time.Millisecond,
			},
			Timeout: 2 * time.Second,
			Flusher: persistence.DefaultFlusherConfig(),
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Addr:         ":8090",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// DefaultInstruments is the stock forex and synthetic universe
func DefaultInstruments() []instrument.Instrument {
	forex := []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "USDCHF", "NZDUSD", "EURJPY", "GBPJPY", "EURGBP"}
	out := make([]instrument.Instrument, 0, len(forex)+8)
	for _, s := range forex {
		out = append(out, instrument.Instrument{Symbol: s, Category: instrument.Forex, MinLotSize: 0.01})
	}
	out = append(out,
		instrument.Instrument{Symbol: "R_10", Category: instrument.Synthetic, Subtype: instrument.Volatility, MinLotSize: 0.001},
		instrument.Instrument{Symbol: "R_25", Category: instrument.Synthetic, Subtype: instrument.Volatility, MinLotSize: 0.001},
		instrument.Instrument{Symbol: "R_50", Category: instrument.Synthetic, Subtype: instrument.Volatility, MinLotSize: 0.001},
		instrument.Instrument{Symbol: "R_75", Category: instrument.Synthetic, Subtype: instrument.Volatility, MinLotSize: 0.001},
		instrument.Instrument{Symbol: "R_100", Category: instrument.Synthetic, Subtype: instrument.Volatility, MinLotSize: 0.001},
		instrument.Instrument{Symbol: "BOOM1000", Category: instrument.Synthetic, Subtype: instrument.CrashBoom, MinLotSize: 0.2},
		instrument.Instrument{Symbol: "CRASH1000", Category: instrument.Synthetic, Subtype: instrument.CrashBoom, MinLotSize: 0.2},
		instrument.Instrument{Symbol: "STPRNG", Category: instrument.Synthetic, Subtype: instrument.Step, MinLotSize: 0.1},
	)
	return out
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and returns a *ConfigurationError listing all problems
func (c Config) Validate() error {
	problems := &ConfigurationError{}

	if len(c.Instruments) == 0 {
		problems.addf("instruments: at least one instrument is required")
	} else if _, err := instrument.NewRegistry(c.Instruments); err != nil {
		problems.add("instruments", err)
	}

	problems.add("correlation", c.Correlation.Validate())
	problems.add("session", c.Session.Validate())
	problems.add("allocator", c.Allocator.Validate())
	problems.add("conditions", c.Conditions.Validate())
	c.Facade.validate(problems)
	c.Persistence.validate(problems)
	c.Monitor.validate(problems)

	if len(problems.Problems) > 0 {
		return problems
	}
	return nil
}

func (f FacadeConfig) validate(problems *ConfigurationError) {
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		problems.addf("facade: min_confidence %.2f outside [0, 1]", f.MinConfidence)
	}
	if f.MaxCandidates < 1 {
		problems.addf("facade: max_candidates must be >= 1, got %d", f.MaxCandidates)
	}
	if f.ConfidenceBoost < 0 || f.ConfidenceBoost > 1 {
		problems.addf("facade: confidence_boost %.2f outside [0, 1]", f.ConfidenceBoost)
	}
	if err := f.VolatilityFactors.validatePositive(); err != nil {
		problems.add("facade.volatility_factors", err)
	}
	if f.CycleInterval <= 0 {
		problems.addf("facade: cycle_interval must be > 0")
	}
	if f.DefaultStrategy == "" {
		problems.addf("facade: default_strategy is required")
	}

	seen := make(map[string]bool)
	for i, s := range f.Strategies {
		if s.Name == "" {
			problems.addf("facade.strategies[%d]: name is required", i)
			continue
		}
		if seen[s.Name] {
			problems.addf("facade.strategies[%d]: duplicate strategy %s", i, s.Name)
		}
		seen[s.Name] = true
	}
}

func (p PersistenceConfig) validate(problems *ConfigurationError) {
	switch p.Backend {
	case BackendMemory:
	case BackendFile:
		if p.Dir == "" {
			problems.addf("persistence: dir is required for the file backend")
		}
	case BackendRedis:
		if p.Redis.Addr == "" {
			problems.addf("persistence: redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if p.PostgresDSN == "" {
			problems.addf("persistence: postgres_dsn is required for the postgres backend")
		}
	default:
		problems.addf("persistence: unknown backend %q", p.Backend)
	}
	if p.Timeout <= 0 {
		problems.addf("persistence: timeout must be > 0")
	}
	problems.add("persistence.flusher", p.Flusher.Validate())
}

func (m MonitorConfig) validate(problems *ConfigurationError) {
	if !m.Enabled {
		return
	}
	if m.Addr == "" {
		problems.addf("monitor: addr is required when enabled")
	}
	if m.ReadTimeout <= 0 || m.WriteTimeout <= 0 {
		problems.addf("monitor: read_timeout and write_timeout must be > 0")
	}
}

// Registry builds the instrument registry from the configured list
func (c Config) Registry() (*instrument.Registry, error) {
	return instrument.NewRegistry(c.Instruments)
}
