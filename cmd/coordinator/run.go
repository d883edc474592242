package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/coordinator/internal/coordinator"
	"github.com/sawpanic/coordinator/internal/metrics"
	"github.com/sawpanic/coordinator/internal/monitor"
)

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Persistence)
	if err != nil {
		return err
	}

	reg := metrics.New()
	engine, err := coordinator.New(cfg, coordinator.WithStore(store), coordinator.WithMetrics(reg))
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Engine shutdown incomplete")
		}
	}()

	engine.Restore(ctx)

	if path, _ := cmd.Flags().GetString("replay"); path != "" {
		if err := replayFile(engine, path); err != nil {
			return err
		}
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		report := engine.RunCycle(time.Time{})
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	var server *monitor.Server
	serverErr := make(chan error, 1)
	if cfg.Monitor.Enabled {
		server = monitor.NewServer(cfg.Monitor, engine, reg)
		go func() { serverErr <- server.Start() }()
	}

	log.Info().
		Int("instruments", engine.Registry().Len()).
		Str("backend", string(cfg.Persistence.Backend)).
		Dur("interval", cfg.Facade.CycleInterval).
		Msg("Coordinator started")

	err = loop(ctx, engine, cfg.Facade.CycleInterval, serverErr)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("Monitor shutdown failed")
		}
	}
	return err
}

// loop runs a cycle immediately and then on every tick until ctx is done
func loop(ctx context.Context, engine *coordinator.Engine, interval time.Duration, serverErr <-chan error) error {
	engine.RunCycle(time.Time{})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutdown signal received")
			return nil
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("monitor server failed: %w", err)
			}
		case <-ticker.C:
			report := engine.RunCycle(time.Time{})
			log.Info().
				Strs("sessions", report.Status.Sessions).
				Float64("liquidity", report.Status.LiquidityScore).
				Int("selected", report.Allocation.Len()).
				Int("candidates", len(report.Candidates)).
				Msg("Cycle")
		}
	}
}
