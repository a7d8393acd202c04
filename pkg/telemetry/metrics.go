package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for CostPilot.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsSubmitted *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Rollout stage metrics
	stagesExecuted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec

	// Health metrics
	healthScore *prometheus.GaugeVec

	// Rollback metrics
	rollbacks           *prometheus.CounterVec
	rollbackDuration    *prometheus.HistogramVec
	manualInterventions prometheus.Counter

	// Approval metrics
	approvalsResolved *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge
	queueDepth       prometheus.Gauge

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

		// Execution metrics
		executionsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_submitted_total",
				Help:      "Total number of executions submitted",
			},
			[]string{"action_type", "risk_level"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of executions reaching a terminal state",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "End-to-end execution duration in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Rollout stage metrics
		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollout_stages_executed_total",
				Help:      "Total number of rollout stages executed",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_stage_duration_seconds",
				Help:      "Duration of rollout stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "outcome"},
		),

		// Health metrics
		healthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_health_score",
				Help:      "Last sampled health score per target resource (0.0 to 1.0)",
			},
			[]string{"target_resource_id"},
		),

		// Rollback metrics
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by result",
			},
			[]string{"status"},
		),
		rollbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollback_duration_seconds",
				Help:      "Duration of rollback execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		manualInterventions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manual_interventions_total",
				Help:      "Total number of executions requiring manual intervention",
			},
		),

		// Approval metrics
		approvalsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_resolved_total",
				Help:      "Total number of approval gate decisions",
			},
			[]string{"decision"},
		),

		// Provider metrics
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of cloud provider calls",
			},
			[]string{"action_type", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of cloud provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"action_type", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of cloud provider errors",
			},
			[]string{"action_type", "operation"},
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
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of non-terminal executions",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "execution_queue_depth",
				Help:      "Current number of queued executions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.executionsSubmitted,
		m.executionsCompleted,
		m.executionDuration,
		m.stagesExecuted,
		m.stageDuration,
		m.healthScore,
		m.rollbacks,
		m.rollbackDuration,
		m.manualInterventions,
		m.approvalsResolved,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.activeExecutions,
		m.queueDepth,
	)

	return m, nil
}

// Execution Metrics

// RecordExecutionSubmitted increments the counter for submitted executions.
func (m *Metrics) RecordExecutionSubmitted(actionType, riskLevel string) {
	if m.executionsSubmitted == nil {
		return
	}
	m.executionsSubmitted.WithLabelValues(actionType, riskLevel).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records an execution reaching a terminal state.
func (m *Metrics) RecordExecutionCompleted(status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// Rollout Stage Metrics

// RecordStageExecuted records a rollout stage with its outcome and duration.
func (m *Metrics) RecordStageExecuted(stage, outcome string, duration time.Duration) {
	if m.stagesExecuted == nil {
		return
	}
	m.stagesExecuted.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// Health Metrics

// SetHealthScore records the last sampled health score for a target.
func (m *Metrics) SetHealthScore(targetID string, score float64) {
	if m.healthScore == nil {
		return
	}
	m.healthScore.WithLabelValues(targetID).Set(score)
}

// Rollback Metrics

// RecordRollback records a rollback with its result and duration.
func (m *Metrics) RecordRollback(status string, duration time.Duration) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
	m.rollbackDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordManualIntervention records an execution abandoned to an operator.
func (m *Metrics) RecordManualIntervention() {
	if m.manualInterventions == nil {
		return
	}
	m.manualInterventions.Inc()
}

// Approval Metrics

// RecordApprovalResolved records an approval gate decision.
func (m *Metrics) RecordApprovalResolved(decision string) {
	if m.approvalsResolved == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(decision).Inc()
}

// Provider Metrics

// RecordProviderCall records a cloud provider call with its duration.
func (m *Metrics) RecordProviderCall(actionType, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(actionType, operation).Inc()
	m.providerDuration.WithLabelValues(actionType, operation).Observe(duration.Seconds())
}

// RecordProviderError records a cloud provider error.
func (m *Metrics) RecordProviderError(actionType, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(actionType, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveExecutions sets the current number of active executions.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
}

// SetQueueDepth sets the current number of queued executions.
func (m *Metrics) SetQueueDepth(count float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
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
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
