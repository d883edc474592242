package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/conditions"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/instrument"
	"github.com/sawpanic/coordinator/internal/session"
)

// ErrUnknownInstrument is returned by writers given a symbol outside the registry
var ErrUnknownInstrument = errors.New("unknown instrument")

// AccountInfo is the latest balance reported by the execution side
type AccountInfo struct {
	Balance   float64   `json:"balance"`
	Equity    float64   `json:"equity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TradingCandidate is one symbol the trading loop may act on this cycle.
// Neutral is set when the trend does not imply a side and the strategy picks it.
type TradingCandidate struct {
	Symbol           string                `json:"symbol"`
	Category         instrument.Category   `json:"category"`
	Direction        correlation.Direction `json:"direction"`
	Neutral          bool                  `json:"neutral"`
	Confidence       float64               `json:"confidence"`
	StrategyName     string                `json:"strategy_name"`
	AllocationFactor float64               `json:"allocation_factor"`
}

// Gate identifies the admission check that decided a Decision
type Gate int

const (
	GateInstrument Gate = iota
	GateConfidence
	GateTrend
	GateSession
	GateExposure
	GateSymbolCap
	GatePassed
)

func (g Gate) String() string {
	switch g {
	case GateInstrument:
		return "instrument"
	case GateConfidence:
		return "confidence"
	case GateTrend:
		return "trend"
	case GateSession:
		return "session"
	case GateExposure:
		return "exposure"
	case GateSymbolCap:
		return "symbol_cap"
	default:
		return "passed"
	}
}

func (g Gate) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Gate) UnmarshalText(text []byte) error {
	for candidate := GateInstrument; candidate <= GatePassed; candidate++ {
		if candidate.String() == string(text) {
			*g = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown gate %q", text)
}

// GateCheck is the outcome of one admission check
type GateCheck struct {
	Gate        Gate   `json:"gate"`
	Passed      bool   `json:"passed"`
	Description string `json:"description"`
}

// Decision is the admission verdict for a proposed position. A rejection is a
// normal outcome, not an error.
type Decision struct {
	Symbol         string                `json:"symbol"`
	Direction      correlation.Direction `json:"direction"`
	RequestedSize  float64               `json:"requested_size"`
	NormalizedSize float64               `json:"normalized_size"`
	OK             bool                  `json:"ok"`
	Gate           Gate                  `json:"gate"`
	Reason         string                `json:"reason,omitempty"`
	Checks         []GateCheck           `json:"checks"`
	EvaluatedAt    time.Time             `json:"evaluated_at"`
}

// PositionsSummary is the reporting view of open positions
type PositionsSummary struct {
	Positions  []correlation.Position      `json:"positions"`
	Count      int                         `json:"count"`
	ByCategory map[instrument.Category]int `json:"by_category"`
	NetSize    map[string]float64          `json:"net_size"`
	Unknown    []string                    `json:"unknown,omitempty"`
	Account    AccountInfo                 `json:"account"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// PerformanceSummary is the reporting view of scores and condition history
type PerformanceSummary struct {
	Allocator  allocator.Summary      `json:"allocator"`
	Conditions []conditions.Aggregate `json:"conditions"`
	Session    session.Status         `json:"session"`
	Correlated map[string][]string    `json:"correlated"`
	MatrixID   string                 `json:"matrix_id,omitempty"`
	MatrixAge  time.Duration          `json:"matrix_age"`
}

// CycleReport is what one RunCycle produced
type CycleReport struct {
	At         time.Time            `json:"at"`
	Status     session.Status       `json:"status"`
	Allocation allocator.Allocation `json:"allocation"`
	Candidates []TradingCandidate   `json:"candidates"`
	Pruned     int                  `json:"pruned"`
	Duration   time.Duration        `json:"duration"`
}
