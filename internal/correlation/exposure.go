package correlation

import (
	"fmt"
	"math"
	"strings"
)

// ExposureReport breaks down the exposure check for logging and tests
type ExposureReport struct {
	Correlated          []string `json:"correlated"`
	CorrelatedExposure  float64  `json:"correlated_exposure"`
	SameDirectionWeight float64  `json:"same_direction_exposure"`
}

// CheckExposure decides whether proposed may be opened next to open.
// Correlated exposure is signed: a position contributes size*corr when it points the
// same way as the proposal and -size*corr otherwise.
func (t *Tracker) CheckExposure(open []Position, proposed Position) (bool, string) {
	ok, reason, _ := t.EvaluateExposure(open, proposed)
	return ok, reason
}

// EvaluateExposure is CheckExposure with the computed totals
func (t *Tracker) EvaluateExposure(open []Position, proposed Position) (bool, string, ExposureReport) {
	target := strings.ToUpper(proposed.Symbol)
	report := ExposureReport{
		CorrelatedExposure:  proposed.Size,
		SameDirectionWeight: proposed.Size,
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range open {
		symbol := strings.ToUpper(p.Symbol)
		if symbol == target && p.Direction == proposed.Direction {
			return false, fmt.Sprintf("already holding %s position on %s", p.Direction, target), report
		}
	}

	for _, p := range open {
		symbol := strings.ToUpper(p.Symbol)
		if symbol == target {
			continue
		}
		c := t.lookupLocked(symbol, target)

		if math.Abs(c) >= t.cfg.HighThreshold {
			agree := -1.0
			if p.Direction == proposed.Direction {
				agree = 1.0
			}
			report.Correlated = append(report.Correlated, symbol)
			report.CorrelatedExposure += p.Size * c * agree
		}
		if p.Direction == proposed.Direction {
			report.SameDirectionWeight += p.Size * math.Abs(c)
		}
	}

	if len(report.Correlated) > 0 && report.CorrelatedExposure > t.cfg.MaxCorrelatedExposure {
		return false, fmt.Sprintf("correlated exposure %.2f with %s exceeds limit %.2f",
			report.CorrelatedExposure, strings.Join(report.Correlated, ","), t.cfg.MaxCorrelatedExposure), report
	}

	if report.SameDirectionWeight > t.cfg.MaxSameDirectionExposure {
		return false, fmt.Sprintf("same-direction exposure %.2f exceeds limit %.2f",
			report.SameDirectionWeight, t.cfg.MaxSameDirectionExposure), report
	}

	return true, "", report
}
