package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/coordinator"
	"github.com/sawpanic/coordinator/internal/correlation"
)

var errEmptyReplay = errors.New("replay file contains no updates")

// replay is a recorded batch of engine inputs, applied in field order
type replay struct {
	Account    *coordinator.AccountInfo              `json:"account,omitempty"`
	Prices     map[string][]correlation.PriceSample  `json:"prices,omitempty"`
	Conditions map[string]conditions.MarketCondition `json:"conditions,omitempty"`
	Metrics    map[string]allocator.MetricsUpdate    `json:"metrics,omitempty"`
	Trades     []allocator.TradeResult               `json:"trades,omitempty"`
	Positions  []correlation.Position                `json:"positions,omitempty"`
}

func (r replay) empty() bool {
	return r.Account == nil && len(r.Prices) == 0 && len(r.Conditions) == 0 &&
		len(r.Metrics) == 0 && len(r.Trades) == 0 && r.Positions == nil
}

// updater is the write side of the engine
type updater interface {
	UpdateAccountInfo(info coordinator.AccountInfo)
	UpdateMarketData(symbol string, series []correlation.PriceSample)
	UpdateMarketConditions(conds map[string]conditions.MarketCondition)
	UpdateInstrumentMetrics(symbol string, u allocator.MetricsUpdate) (allocator.InstrumentMetrics, error)
	RecordTradeResult(t allocator.TradeResult) (allocator.PerformanceRecord, error)
	UpdatePositions(positions []correlation.Position)
}

func replayFile(engine updater, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read replay file %s: %w", path, err)
	}

	var r replay
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("failed to parse replay file %s: %w", path, err)
	}
	if r.empty() {
		return errEmptyReplay
	}

	applyReplay(engine, r)
	return nil
}

// applyReplay feeds r to the engine; unknown symbols are logged and skipped
func applyReplay(engine updater, r replay) {
	if r.Account != nil {
		engine.UpdateAccountInfo(*r.Account)
	}
	for symbol, series := range r.Prices {
		engine.UpdateMarketData(symbol, series)
	}
	if len(r.Conditions) > 0 {
		engine.UpdateMarketConditions(r.Conditions)
	}
	for symbol, u := range r.Metrics {
		if _, err := engine.UpdateInstrumentMetrics(symbol, u); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Replay metrics skipped")
		}
	}
	for _, t := range r.Trades {
		if _, err := engine.RecordTradeResult(t); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("Replay trade skipped")
		}
	}
	if r.Positions != nil {
		engine.UpdatePositions(r.Positions)
	}

	log.Info().
		Int("prices", len(r.Prices)).
		Int("conditions", len(r.Conditions)).
		Int("metrics", len(r.Metrics)).
		Int("trades", len(r.Trades)).
		Int("positions", len(r.Positions)).
		Msg("Replay applied")
}
