// Package metrics exposes the hedgerun Prometheus instruments. Every helper
// is safe on a nil *Registry so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all hedgerun metrics on a private Prometheus registry
type Registry struct {
	reg *prometheus.Registry

	// Monitoring cycles
	CycleDuration *prometheus.HistogramVec
	CyclesSkipped *prometheus.CounterVec

	// Decisions
	ActionsProposed   *prometheus.CounterVec
	ActionsVetoed     *prometheus.CounterVec
	ActionsDispatched *prometheus.CounterVec
	HedgeState        *prometheus.GaugeVec

	// Execution
	ExecutionAttempts *prometheus.CounterVec
	ExecutionLatency  *prometheus.HistogramVec
	ExecutionResults  *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	// Coordination
	CorrelationAge   prometheus.Gauge
	CorrelationStale prometheus.Counter

	EventsAppended *prometheus.CounterVec
}

// NewRegistry creates and registers every hedgerun metric
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hedgerun_cycle_duration_seconds",
				Help:    "Duration of one monitoring cycle per asset",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"asset", "outcome"},
		),
		CyclesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_cycles_skipped_total",
				Help: "Monitoring cycles skipped by asset and reason",
			},
			[]string{"asset", "reason"},
		),
		ActionsProposed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_actions_proposed_total",
				Help: "Hedge actions proposed by the decision engine",
			},
			[]string{"asset", "metric"},
		),
		ActionsVetoed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_actions_vetoed_total",
				Help: "Hedge actions vetoed by the portfolio coordinator",
			},
			[]string{"asset"},
		),
		ActionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_actions_dispatched_total",
				Help: "Coordinated hedge actions dispatched to the gateway",
			},
			[]string{"instrument"},
		),
		HedgeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hedgerun_hedge_state",
				Help: "Hedge state per asset (0=idle, 1=monitoring, 2=hedge_pending, 3=cooldown)",
			},
			[]string{"asset"},
		),
		ExecutionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_execution_attempts_total",
				Help: "Venue submission attempts by outcome",
			},
			[]string{"venue", "outcome"},
		),
		ExecutionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hedgerun_execution_latency_seconds",
				Help:    "Latency of venue submission attempts",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"venue"},
		),
		ExecutionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_execution_results_total",
				Help: "Terminal execution results by status and error kind",
			},
			[]string{"status", "error_kind"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hedgerun_venue_breaker_state",
				Help: "Circuit breaker state per venue (0=closed, 1=half_open, 2=open)",
			},
			[]string{"venue"},
		),
		CorrelationAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hedgerun_correlation_matrix_age_seconds",
				Help: "Age of the correlation matrix used by the last coordination pass",
			},
		),
		CorrelationStale: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hedgerun_correlation_stale_total",
				Help: "Coordination passes that ran without correlation scaling",
			},
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedgerun_events_appended_total",
				Help: "Events appended to the event log by type",
			},
			[]string{"type"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.CycleDuration,
		r.CyclesSkipped,
		r.ActionsProposed,
		r.ActionsVetoed,
		r.ActionsDispatched,
		r.HedgeState,
		r.ExecutionAttempts,
		r.ExecutionLatency,
		r.ExecutionResults,
		r.BreakerState,
		r.CorrelationAge,
		r.CorrelationStale,
		r.EventsAppended,
	)
	return r
}

// Gatherer returns the underlying registry for tests and custom exporters
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// ObserveCycle records one completed cycle
func (r *Registry) ObserveCycle(asset, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.CycleDuration.WithLabelValues(asset, outcome).Observe(d.Seconds())
}

// CycleSkipped counts a skipped cycle
func (r *Registry) CycleSkipped(asset, reason string) {
	if r == nil {
		return
	}
	r.CyclesSkipped.WithLabelValues(asset, reason).Inc()
}

// ActionProposed counts a proposal
func (r *Registry) ActionProposed(asset, metric string) {
	if r == nil {
		return
	}
	r.ActionsProposed.WithLabelValues(asset, metric).Inc()
}

// ActionVetoed counts a vetoed proposal
func (r *Registry) ActionVetoed(asset string) {
	if r == nil {
		return
	}
	r.ActionsVetoed.WithLabelValues(asset).Inc()
}

// ActionDispatched counts a dispatched coordinated action
func (r *Registry) ActionDispatched(instrument string) {
	if r == nil {
		return
	}
	r.ActionsDispatched.WithLabelValues(instrument).Inc()
}

// SetHedgeState publishes the state ordinal of asset
func (r *Registry) SetHedgeState(asset string, ordinal float64) {
	if r == nil {
		return
	}
	r.HedgeState.WithLabelValues(asset).Set(ordinal)
}

// DeleteAsset drops per-asset series when monitoring stops
func (r *Registry) DeleteAsset(asset string) {
	if r == nil {
		return
	}
	r.HedgeState.DeleteLabelValues(asset)
}

// ExecutionAttempt records one venue attempt
func (r *Registry) ExecutionAttempt(venue, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.ExecutionAttempts.WithLabelValues(venue, outcome).Inc()
	r.ExecutionLatency.WithLabelValues(venue).Observe(d.Seconds())
}

// ExecutionResult counts a terminal result
func (r *Registry) ExecutionResult(status, kind string) {
	if r == nil {
		return
	}
	r.ExecutionResults.WithLabelValues(status, kind).Inc()
}

// SetBreakerState publishes a venue breaker state
func (r *Registry) SetBreakerState(venue string, state float64) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(venue).Set(state)
}

// ObserveCorrelation records the matrix age used by a coordination pass
func (r *Registry) ObserveCorrelation(age time.Duration, stale bool) {
	if r == nil {
		return
	}
	if age < 0 || age > 365*24*time.Hour {
		age = 0
	}
	r.CorrelationAge.Set(age.Seconds())
	if stale {
		r.CorrelationStale.Inc()
	}
}

// EventAppended counts an event log append
func (r *Registry) EventAppended(eventType string) {
	if r == nil {
		return
	}
	r.EventsAppended.WithLabelValues(eventType).Inc()
}
