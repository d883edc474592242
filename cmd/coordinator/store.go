package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/config"
	"github.com/sawpanic/coordinator/internal/persistence"
	"github.com/sawpanic/coordinator/internal/persistence/postgres"
)

// openStore builds the document store named by cfg.Backend
func openStore(ctx context.Context, cfg config.PersistenceConfig) (persistence.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return persistence.NewMemoryStore(), nil

	case config.BackendFile:
		store, err := persistence.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil

	case config.BackendRedis:
		store := persistence.NewRedisStore(cfg.Redis)
		if err := store.Ping(ctx); err != nil {
			// The flusher's breaker absorbs an outage; start anyway
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup")
		}
		return store, nil

	case config.BackendPostgres:
		repo, err := postgres.Open(cfg.PostgresDSN, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
