package progression

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments, labelled by tenant so
// one process can host many engines.
type Metrics struct {
	SweepsTotal        *prometheus.CounterVec
	SweepsSkipped      *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	LeadErrorsTotal    *prometheus.CounterVec
	EngineRunning      *prometheus.GaugeVec
	SweepDurationSecs  *prometheus.HistogramVec
}

// NewMetrics creates the instrument set. Register it once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "sweeps_total",
				Help:      "Completed lead sweeps",
			},
			[]string{"tenant"},
		),
		SweepsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "sweeps_skipped_total",
				Help:      "Sweep triggers skipped because a sweep was already running",
			},
			[]string{"tenant"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Lead stage transitions applied",
			},
			[]string{"tenant"},
		),
		LeadErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "lead_errors_total",
				Help:      "Per-lead evaluation or transition failures contained within a sweep",
			},
			[]string{"tenant"},
		),
		EngineRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "running",
				Help:      "Whether the scheduler is running (1) or stopped (0)",
			},
			[]string{"tenant"},
		),
		SweepDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Subsystem: "engine",
				Name:      "sweep_duration_seconds",
				Help:      "Wall-clock duration of completed sweeps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),
	}
}

// Register adds every instrument to the registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.SweepsTotal,
		m.SweepsSkipped,
		m.TransitionsTotal,
		m.LeadErrorsTotal,
		m.EngineRunning,
		m.SweepDurationSecs,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
