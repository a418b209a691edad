package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the lifecycle engine. Every
// method is safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Transition attempts by outcome (ok, invalid, forbidden, blocked, error)
	Transitions *prometheus.CounterVec

	// Gate failures by target stage
	GateBlocks *prometheus.CounterVec

	AlertsCreated      *prometheus.CounterVec
	AlertsDeduplicated prometheus.Counter
	AlertsResolved     *prometheus.CounterVec

	SweepDuration prometheus.Histogram
	SweepCases    prometheus.Counter

	// Relay deliveries by sink and result
	RelayDeliveries *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_stage_transitions_total",
			Help: "Stage transition attempts by outcome",
		}, []string{"outcome"}),
		GateBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_gate_blocks_total",
			Help: "Transitions refused because the target stage gate did not pass",
		}, []string{"stage"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_alerts_created_total",
			Help: "Automation alerts opened by type and severity",
		}, []string{"type", "severity"}),
		AlertsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_alerts_deduplicated_total",
			Help: "Alert candidates skipped because an alert with the same key was open",
		}),
		AlertsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_alerts_resolved_total",
			Help: "Automation alerts resolved by type",
		}, []string{"type"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseflow_sweep_duration_seconds",
			Help:    "Duration of a full automation sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SweepCases: f.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_sweep_cases_total",
			Help: "Cases evaluated by automation sweeps",
		}),
		RelayDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_relay_deliveries_total",
			Help: "Event relay deliveries by sink and result",
		}, []string{"sink", "result"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTransition(outcome string) {
	if m != nil {
		m.Transitions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncGateBlock(stage string) {
	if m != nil {
		m.GateBlocks.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) IncAlertCreated(alertType, severity string) {
	if m != nil {
		m.AlertsCreated.WithLabelValues(alertType, severity).Inc()
	}
}

func (m *Metrics) AddAlertsDeduplicated(n int) {
	if m != nil && n > 0 {
		m.AlertsDeduplicated.Add(float64(n))
	}
}

func (m *Metrics) IncAlertResolved(alertType string) {
	if m != nil {
		m.AlertsResolved.WithLabelValues(alertType).Inc()
	}
}

// ObserveSweep records one sweep over n cases.
func (m *Metrics) ObserveSweep(d time.Duration, n int) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
		m.SweepCases.Add(float64(n))
	}
}

func (m *Metrics) IncRelayDelivery(sink, result string) {
	if m != nil {
		m.RelayDeliveries.WithLabelValues(sink, result).Inc()
	}
}
