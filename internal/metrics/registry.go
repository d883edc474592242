package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/cache"
)

// Registry holds every Prometheus metric the coordinator exports.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	// Cycle timing
	StepDuration *prometheus.HistogramVec

	// Admission and selection
	Admissions          *prometheus.CounterVec
	Rebalances          *prometheus.CounterVec
	SelectedInstruments prometheus.Gauge
	TradingCandidates   prometheus.Gauge
	LiquidityScore      prometheus.Gauge

	// Correlation
	CorrelationRecomputes *prometheus.CounterVec
	CorrelationSymbols    prometheus.Gauge

	// Persistence
	Flushes *prometheus.CounterVec
	Drops   *prometheus.CounterVec

	// Caches
	CacheHitRatio *prometheus.GaugeVec
}

// New creates a registry with all coordinator metrics plus the Go runtime collectors
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_step_duration_seconds",
				Help:    "Duration of each trading-cycle step in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"step", "result"},
		),

		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_admissions_total",
				Help: "Position admission decisions by deciding gate and result",
			},
			[]string{"gate", "result"},
		),

		Rebalances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_rebalances_total",
				Help: "Allocator optimize passes by mode",
			},
			[]string{"mode"},
		),

		SelectedInstruments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_selected_instruments",
				Help: "Number of instruments in the current allocation",
			},
		),

		TradingCandidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_trading_candidates",
				Help: "Number of trading candidates produced by the last cycle",
			},
		),

		LiquidityScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_liquidity_score",
				Help: "Session-derived liquidity score (0.0 to 1.0)",
			},
		),

		CorrelationRecomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_correlation_recomputes_total",
				Help: "Correlation matrix recompute attempts by result",
			},
			[]string{"result"},
		),

		CorrelationSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_correlation_symbols",
				Help: "Symbols covered by the live correlation matrix",
			},
		),

		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_persistence_flushes_total",
				Help: "Background document writes by kind and result",
			},
			[]string{"kind", "result"},
		),

		Drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_persistence_drops_total",
				Help: "Documents dropped because the flush queue was full or closed",
			},
			[]string{"kind"},
		),

		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_cache_hit_ratio",
				Help: "Cache hit ratio (0.0 to 1.0) by cache",
			},
			[]string{"cache"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.StepDuration,
		r.Admissions,
		r.Rebalances,
		r.SelectedInstruments,
		r.TradingCandidates,
		r.LiquidityScore,
		r.CorrelationRecomputes,
		r.CorrelationSymbols,
		r.Flushes,
		r.Drops,
		r.CacheHitRatio,
	)

	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler returns an HTTP handler serving this registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// StepTimer tracks execution time for one cycle step
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a step
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: r, step: step, start: time.Now()}
}

// Stop records the step duration under result
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	if st.metrics != nil {
		st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	}

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Cycle step completed")
}

// ObserveAdmission counts a validate-new-position decision
func (r *Registry) ObserveAdmission(gate string, ok bool) {
	if r == nil {
		return
	}
	r.Admissions.WithLabelValues(gate, resultLabel(ok)).Inc()
}

// ObserveRebalance implements allocator.RebalanceObserver
func (r *Registry) ObserveRebalance(full bool, selected int) {
	if r == nil {
		return
	}
	mode := "incremental"
	if full {
		mode = "full"
	}
	r.Rebalances.WithLabelValues(mode).Inc()
	r.SelectedInstruments.Set(float64(selected))
}

// ObserveRecompute implements correlation.RecomputeObserver
func (r *Registry) ObserveRecompute(symbols int, err error) {
	if r == nil {
		return
	}
	r.CorrelationRecomputes.WithLabelValues(outcomeLabel(err)).Inc()
	if err == nil {
		r.CorrelationSymbols.Set(float64(symbols))
	}
}

// ObserveFlush implements persistence.FlushObserver
func (r *Registry) ObserveFlush(kind string, err error) {
	if r == nil {
		return
	}
	r.Flushes.WithLabelValues(kind, outcomeLabel(err)).Inc()
}

// ObserveDrop implements persistence.FlushObserver
func (r *Registry) ObserveDrop(kind string) {
	if r == nil {
		return
	}
	r.Drops.WithLabelValues(kind).Inc()
}

// ObserveCycle records the outputs of one trading cycle
func (r *Registry) ObserveCycle(candidates int, liquidity float64) {
	if r == nil {
		return
	}
	r.TradingCandidates.Set(float64(candidates))
	r.LiquidityScore.Set(liquidity)
}

// ObserveCache publishes the hit ratio of a named cache
func (r *Registry) ObserveCache(name string, s cache.Stats) {
	if r == nil {
		return
	}
	total := s.Hits + s.Misses
	if total > 0 {
		r.CacheHitRatio.WithLabelValues(name).Set(float64(s.Hits) / float64(total))
	}
}

// AdmissionCounts sums admissions by result for status endpoints
func (r *Registry) AdmissionCounts() map[string]float64 {
	out := map[string]float64{"ok": 0, "rejected": 0}
	if r == nil {
		return out
	}

	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to gather admission metrics")
		return out
	}
	for _, family := range families {
		if family.GetName() != "coordinator_admissions_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			out[labelValue(m, "result")] += m.GetCounter().GetValue()
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "rejected"
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
