package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for release runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Planner metrics
	planChanges *prometheus.CounterVec

	// Per-endpoint deploy results
	deployResults  *prometheus.CounterVec
	deployDuration *prometheus.HistogramVec

	// Remote call metrics
	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec

	// Executor queue metrics
	queueRetries  *prometheus.CounterVec
	queueInFlight *prometheus.GaugeVec
	queueWait     *prometheus.HistogramVec
	queueStats    *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of release runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of release runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of release runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Planner metrics
		planChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_changes_total",
				Help:      "Planned endpoint changes by kind",
			},
			[]string{"kind"},
		),

		// Deploy results
		deployResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_results_total",
				Help:      "Endpoint deploy results by operation, platform and status",
			},
			[]string{"operation", "platform", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of endpoint deploys in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "platform"},
		),

		// Remote call metrics
		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote API calls",
			},
			[]string{"operation", "status"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Executor queue metrics
		queueRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_retries_total",
				Help:      "Total number of retried operations per executor queue",
			},
			[]string{"queue"},
		),
		queueInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_in_flight",
				Help:      "Operations currently holding a slot per executor queue",
			},
			[]string{"queue"},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time operations waited for a slot in seconds",
				Buckets:   buckets,
			},
			[]string{"queue"},
		),
		queueStats: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_stats",
				Help:      "Final executor queue statistics of the last run",
			},
			[]string{"queue", "stat"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.planChanges,
		m.deployResults,
		m.deployDuration,
		m.remoteCalls,
		m.remoteCallDuration,
		m.queueRetries,
		m.queueInFlight,
		m.queueWait,
		m.queueStats,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Planner Metrics

// RecordPlanChanges adds count planned changes of the given kind.
func (m *Metrics) RecordPlanChanges(kind string, count int) {
	if m == nil || m.planChanges == nil || count == 0 {
		return
	}
	m.planChanges.WithLabelValues(kind).Add(float64(count))
}

// Deploy Metrics

// RecordDeployResult records one endpoint result.
func (m *Metrics) RecordDeployResult(operation, platform, status string, duration time.Duration) {
	if m == nil || m.deployResults == nil {
		return
	}
	m.deployResults.WithLabelValues(operation, platform, status).Inc()
	m.deployDuration.WithLabelValues(operation, platform).Observe(duration.Seconds())
}

// RecordRemoteCall records one remote API call with its duration.
func (m *Metrics) RecordRemoteCall(operation, status string, duration time.Duration) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, status).Inc()
	m.remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Queue Metrics

// RecordQueueRetry counts a retried operation on queue.
func (m *Metrics) RecordQueueRetry(queue string) {
	if m == nil || m.queueRetries == nil {
		return
	}
	m.queueRetries.WithLabelValues(queue).Inc()
}

// SetQueueInFlight sets the number of operations holding a slot on queue.
func (m *Metrics) SetQueueInFlight(queue string, count int) {
	if m == nil || m.queueInFlight == nil {
		return
	}
	m.queueInFlight.WithLabelValues(queue).Set(float64(count))
}

// ObserveQueueWait records how long an operation waited for a slot.
func (m *Metrics) ObserveQueueWait(queue string, wait time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	m.queueWait.WithLabelValues(queue).Observe(wait.Seconds())
}

// SetQueueStat exports one final queue statistic.
func (m *Metrics) SetQueueStat(queue, stat string, value float64) {
	if m == nil || m.queueStats == nil {
		return
	}
	m.queueStats.WithLabelValues(queue, stat).Set(value)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op
// without a listen address.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the release
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
