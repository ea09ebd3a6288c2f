// Package metrics exports the state of the balancing engine to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phaserudder/phaserudder/pkg/types"
)

const namespace = "phaserudder"

// Prometheus records cycle outcomes and phase totals.
type Prometheus struct {
	cycles            *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	switches          *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	telemetry         *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec

	imbalance    prometheus.Gauge
	mode         *prometheus.GaugeVec
	phasePower   *prometheus.GaugeVec
	phaseHouses  *prometheus.GaugeVec
	phaseVoltage *prometheus.GaugeVec
	phaseIssues  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. If reg is nil the
// default registerer is used.
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Decision cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in a decision cycle.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Applied phase switches by kind.",
		}, []string{"kind", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Recommended switches dropped during validation by reason.",
		}, []string{"reason"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_total",
			Help:      "Telemetry submissions, split by whether the house was already registered.",
		}, []string{"registered"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed writes to storage by operation.",
		}, []string{"op"}),
		imbalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imbalance_kw",
			Help:      "Spread between the highest and lowest phase totals.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "1 for the confirmed operating mode, 0 otherwise.",
		}, []string{"mode"}),
		phasePower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_power_kw",
			Help:      "Net effective power per phase. Negative is export.",
		}, []string{"phase"}),
		phaseHouses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_houses",
			Help:      "Houses with a fresh reading per phase.",
		}, []string{"phase"}),
		phaseVoltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_voltage",
			Help:      "Average voltage per phase.",
		}, []string{"phase"}),
		phaseIssues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_issue",
			Help:      "1 if the phase is flagged with the issue.",
		}, []string{"phase", "issue"}),
	}
	reg.MustRegister(
		p.cycles,
		p.cycleDuration,
		p.switches,
		p.rejections,
		p.telemetry,
		p.persistenceErrors,
		p.imbalance,
		p.mode,
		p.phasePower,
		p.phaseHouses,
		p.phaseVoltage,
		p.phaseIssues,
	)
	return p
}

// ObserveCycle records the outcome of one cycle.
func (p *Prometheus) ObserveCycle(status types.CycleStatus, elapsed time.Duration) {
	p.cycleDuration.Observe(elapsed.Seconds())
	p.imbalance.Set(status.ImbalanceKW)
	for _, m := range []types.Mode{types.ModeExport, types.ModeConsume} {
		v := 0.0
		if m == status.Mode {
			v = 1
		}
		p.mode.WithLabelValues(string(m)).Set(v)
	}
	for _, ps := range status.PhaseStats {
		phase := ps.Phase.String()
		p.phasePower.WithLabelValues(phase).Set(ps.TotalPowerKW)
		p.phaseHouses.WithLabelValues(phase).Set(float64(ps.HouseCount))
		p.phaseVoltage.WithLabelValues(phase).Set(ps.AvgVoltage)
	}
	issues := map[string][]types.Phase{
		"over_voltage":     status.VoltageIssues.OverVoltage,
		"under_voltage":    status.VoltageIssues.UnderVoltage,
		"overload":         status.VoltageIssues.Overload,
		"excessive_export": status.VoltageIssues.ExcessiveExport,
	}
	for issue, flagged := range issues {
		for _, phase := range types.Phases {
			v := 0.0
			for _, f := range flagged {
				if f == phase {
					v = 1
				}
			}
			p.phaseIssues.WithLabelValues(phase.String(), issue).Set(v)
		}
	}

	switch {
	case status.Rejection != "":
		p.cycles.WithLabelValues("rejected").Inc()
		p.rejections.WithLabelValues(status.Rejection).Inc()
	case status.Recommendation != nil:
		p.cycles.WithLabelValues("switched").Inc()
		kind := "balance"
		if status.Recommendation.IsConflictResolution() {
			kind = "conflict"
		}
		p.switches.WithLabelValues(kind, status.Recommendation.ToPhase.String()).Inc()
	case status.Healthy:
		p.cycles.WithLabelValues("healthy").Inc()
	default:
		p.cycles.WithLabelValues("idle").Inc()
	}
}

// ObserveTelemetry counts one telemetry submission.
func (p *Prometheus) ObserveTelemetry(registered bool) {
	label := "false"
	if registered {
		label = "true"
	}
	p.telemetry.WithLabelValues(label).Inc()
}

// ObservePersistenceError counts a failed storage write.
func (p *Prometheus) ObservePersistenceError(op string) {
	p.persistenceErrors.WithLabelValues(op).Inc()
}

// Handler serves the metrics gathered by g, or the default gatherer if g is
// nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
