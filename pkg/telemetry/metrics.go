package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Phase metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	phaseRetries   *prometheus.CounterVec

	// Resilience metrics
	commandFailures *prometheus.CounterVec
	breakerTrips    prometheus.Counter

	// Rollback metrics
	rollbackUndos *prometheus.CounterVec

	// System metrics
	activeRun prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of provisioning runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of provisioning runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_executed_total",
				Help:      "Total number of phases executed by outcome",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"phase"},
		),
		phaseRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_retries_total",
				Help:      "Total number of command retries by error kind",
			},
			[]string{"kind"},
		),
		commandFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_failures_total",
				Help:      "Total number of classified command failures",
			},
			[]string{"kind"},
		),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker open transitions",
		}),
		rollbackUndos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_undos_total",
				Help:      "Total number of rollback undo commands executed by outcome",
			},
			[]string{"status"},
		),
		activeRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_run",
			Help:      "Whether a provisioning run is currently active (1 or 0)",
		}),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.phasesExecuted, m.phaseDuration, m.phaseRetries,
		m.commandFailures, m.breakerTrips, m.rollbackUndos,
		m.activeRun,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Serve starts the metrics HTTP endpoint in the background. No-op when
// metrics are disabled.
func (m *Metrics) Serve() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = m.server.ListenAndServe()
	}()

	return nil
}

// Close shuts down the metrics endpoint if it was started.
func (m *Metrics) Close() error {
	if m.server != nil {
		return m.server.Close()
	}
	return nil
}

// RunStarted records the start of a provisioning run.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRun.Set(1)
}

// RunCompleted records the completion of a provisioning run.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRun.Set(0)
}

// PhaseExecuted records the outcome of one phase.
func (m *Metrics) PhaseExecuted(phase, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.phasesExecuted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RetryAttempted records one retry of a classified failure.
func (m *Metrics) RetryAttempted(kind string) {
	if m.registry == nil {
		return
	}
	m.phaseRetries.WithLabelValues(kind).Inc()
}

// CommandFailed records one classified command failure.
func (m *Metrics) CommandFailed(kind string) {
	if m.registry == nil {
		return
	}
	m.commandFailures.WithLabelValues(kind).Inc()
}

// BreakerTripped records a circuit breaker opening.
func (m *Metrics) BreakerTripped() {
	if m.registry == nil {
		return
	}
	m.breakerTrips.Inc()
}

// RollbackUndo records the outcome of one rollback undo command.
func (m *Metrics) RollbackUndo(status string) {
	if m.registry == nil {
		return
	}
	m.rollbackUndos.WithLabelValues(status).Inc()
}
