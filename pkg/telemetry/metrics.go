package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// Metrics provides Prometheus metrics for provisioning runs.
type Metrics struct {
	config MetricsConfig
	logger zerolog.Logger

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Stage metrics
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Compensation metrics
	compensations    *prometheus.CounterVec
	ambiguousMatches *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg, logger: zerolog.Nop()}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		logger:   zerolog.Nop(),
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs by mode and status",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Total number of executed stages by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating deletes by kind and result",
			},
			[]string{"kind", "result"},
		),
		ambiguousMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ambiguous_matches_total",
				Help:      "Existence lookups that matched more than one resource",
			},
			[]string{"kind"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors by class and code",
			},
			[]string{"provider", "operation", "class", "code"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stagesTotal,
		m.stageDuration,
		m.compensations,
		m.ambiguousMatches,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
	)

	return m, nil
}

// RecordRunFinished records a finished run or teardown.
func (m *Metrics) RecordRunFinished(mode string, status engine.RunStatus, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(mode, string(status)).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(kind engine.Kind, outcome string, duration time.Duration) {
	if m.stagesTotal == nil {
		return
	}
	m.stagesTotal.WithLabelValues(string(kind), outcome).Inc()
	m.stageDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordCompensation records a compensating delete.
func (m *Metrics) RecordCompensation(kind engine.Kind, err error) {
	if m.compensations == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.compensations.WithLabelValues(string(kind), result).Inc()
}

// RecordAmbiguousMatch records an existence lookup with several matches.
func (m *Metrics) RecordAmbiguousMatch(kind engine.Kind) {
	if m.ambiguousMatches == nil {
		return
	}
	m.ambiguousMatches.WithLabelValues(string(kind)).Inc()
}

// RecordProviderCall records a provider call with its duration and outcome.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration, err error) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		class := "unknown"
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			class = string(ee.Class)
		}
		m.providerErrors.WithLabelValues(provider, operation, class, engine.ErrorCode(err)).Inc()
	}
}

// Registry returns the registry metrics are registered in, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on ListenAddress until Shutdown. It is a
// no-op when metrics are disabled or no address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
