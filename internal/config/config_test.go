package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/instrument"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Symbols(instrument.Forex))
	assert.NotEmpty(t, reg.Symbols(instrument.Synthetic))
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "coordinator.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Persistence.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Correlation.UpdateInterval)
	assert.Equal(t, 0.95, cfg.Allocator.DecayFactor)
	assert.Len(t, cfg.Instruments, 16)
	assert.NotEmpty(t, cfg.Facade.Strategies, "omitted strategies keep the defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParse_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Facade.MaxCandidates, cfg.Facade.MaxCandidates)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
facade:
  min_confidence: 0.7
  default_strategy: hold
  strategies:
    - name: only_trend
      category: synthetic
      trend_weights: { bullish: 1.0 }
persistence:
  backend: redis
  redis: { addr: "redis:6379", timeout: 250ms }
`))
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Facade.MinConfidence)
	assert.Equal(t, "hold", cfg.Facade.DefaultStrategy)
	require.Len(t, cfg.Facade.Strategies, 1)
	assert.Equal(t, instrument.Synthetic, cfg.Facade.Strategies[0].Category)
	assert.Equal(t, 250*time.Millisecond, cfg.Persistence.Redis.Timeout)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("facade:\n  min_confidance: 0.7\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_confidance")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Facade.MinConfidence = 1.5
	cfg.Facade.MaxCandidates = 0
	cfg.Correlation.HighThreshold = 0
	cfg.Persistence.Backend = "etcd"
	cfg.Facade.Strategies = append(cfg.Facade.Strategies, cfg.Facade.Strategies[0])

	err := cfg.Validate()
	require.Error(t, err)

	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Len(t, cerr.Problems, 5)
	assert.Contains(t, err.Error(), "correlation: high_threshold")
	assert.Contains(t, err.Error(), `unknown backend "etcd"`)
	assert.Contains(t, err.Error(), "duplicate strategy trend_following")
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PersistenceConfig)
		problem string
	}{
		{"file without dir", func(p *PersistenceConfig) { p.Backend = BackendFile; p.Dir = "" }, "dir is required"},
		{"redis without addr", func(p *PersistenceConfig) { p.Backend = BackendRedis; p.Redis.Addr = "" }, "redis.addr is required"},
		{"postgres without dsn", func(p *PersistenceConfig) { p.Backend = BackendPostgres }, "postgres_dsn is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg.Persistence)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestStrategyProfile_Score(t *testing.T) {
	profile := DefaultStrategies()[0]
	cond := conditions.MarketCondition{Trend: conditions.Bullish, Volatility: conditions.Medium, Liquidity: conditions.High}
	assert.InDelta(t, 0.6+0.3+0.2, profile.Score(cond), 1e-9)

	unknown := conditions.MarketCondition{}
	assert.Equal(t, 0.0, profile.Score(unknown))
}

func TestStrategySummary(t *testing.T) {
	out := StrategySummary(DefaultStrategies(), "conservative")
	assert.Contains(t, out, "trend_following (forex)")
	assert.Contains(t, out, "volatility_scalper (synthetic)")
	assert.Contains(t, out, "Fallback: conservative")
}
