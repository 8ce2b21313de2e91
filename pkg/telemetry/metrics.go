package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for workflows, steps and platform drivers.
// A Metrics built with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	activeWorkflows    prometheus.Gauge
	rollbackIncomplete *prometheus.CounterVec
	workflowsStalled   *prometheus.CounterVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	compensations *prometheus.CounterVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflows accepted",
			},
			[]string{"type"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflows that reached a terminal status",
			},
			[]string{"type", "status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of a workflow drive in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "status"},
		),
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of workflows being driven",
			},
		),
		rollbackIncomplete: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_incomplete_total",
				Help:      "Total number of workflows whose rollback could not complete",
			},
			[]string{"type"},
		),
		workflowsStalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_stalled_total",
				Help:      "Total number of times a workflow stopped because its state could not be persisted",
			},
			[]string{"type"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of forward steps executed",
			},
			[]string{"type", "step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of forward steps including retries",
				Buckets:   buckets,
			},
			[]string{"type", "step"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step attempts that were retried",
			},
			[]string{"type", "step"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating actions run",
			},
			[]string{"type", "step", "status"},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of platform driver calls",
			},
			[]string{"platform", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of platform driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"platform", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of platform driver errors",
			},
			[]string{"platform", "operation"},
		),

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
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowDuration,
		m.activeWorkflows,
		m.rollbackIncomplete,
		m.workflowsStalled,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.compensations,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Workflow Metrics

// RecordWorkflowStarted increments the counter for accepted workflows.
func (m *Metrics) RecordWorkflowStarted(workflowType string) {
	if m == nil || m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowCompleted records a terminal workflow with its status and duration.
func (m *Metrics) RecordWorkflowCompleted(workflowType, status string, duration time.Duration) {
	if m == nil || m.workflowsCompleted == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(workflowType, status).Inc()
	m.workflowDuration.WithLabelValues(workflowType, status).Observe(duration.Seconds())
}

// IncActiveWorkflows marks a workflow as being driven.
func (m *Metrics) IncActiveWorkflows() {
	if m == nil || m.activeWorkflows == nil {
		return
	}
	m.activeWorkflows.Inc()
}

// DecActiveWorkflows marks a workflow as no longer being driven.
func (m *Metrics) DecActiveWorkflows() {
	if m == nil || m.activeWorkflows == nil {
		return
	}
	m.activeWorkflows.Dec()
}

// RecordRollbackIncomplete counts a workflow left needing operator attention.
func (m *Metrics) RecordRollbackIncomplete(workflowType string) {
	if m == nil || m.rollbackIncomplete == nil {
		return
	}
	m.rollbackIncomplete.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowStalled counts a workflow that stopped on a storage failure
// and is waiting to be driven again.
func (m *Metrics) RecordWorkflowStalled(workflowType string) {
	if m == nil || m.workflowsStalled == nil {
		return
	}
	m.workflowsStalled.WithLabelValues(workflowType).Inc()
}

// Step Metrics

// RecordStepExecution records the execution of a forward step.
func (m *Metrics) RecordStepExecution(workflowType, step, status string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(workflowType, step, status).Inc()
	m.stepDuration.WithLabelValues(workflowType, step).Observe(duration.Seconds())
}

// RecordStepRetry counts a retried step attempt.
func (m *Metrics) RecordStepRetry(workflowType, step string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(workflowType, step).Inc()
}

// RecordCompensation records a compensating action.
func (m *Metrics) RecordCompensation(workflowType, step, status string) {
	if m == nil || m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(workflowType, step, status).Inc()
}

// Driver Metrics

// RecordDriverCall records a platform driver call with its duration.
func (m *Metrics) RecordDriverCall(platform, operation string, duration time.Duration) {
	if m == nil || m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(platform, operation).Inc()
	m.driverDuration.WithLabelValues(platform, operation).Observe(duration.Seconds())
}

// RecordDriverError records a platform driver error.
func (m *Metrics) RecordDriverError(platform, operation string) {
	if m == nil || m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(platform, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
