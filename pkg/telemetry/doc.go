// Package telemetry provides observability instrumentation for the stratum
// control plane.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher
// behind a single Telemetry value.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components derive their own logger:
//
//	log := tel.Logger.NewComponentLogger("executor")
//	log.WithWorkflowID(wf.ID).WithJobID(wf.JobID).Info("workflow succeeded")
//
// # Metrics
//
// Metrics are registered on a private registry exposed via Metrics.Handler.
// When metrics are disabled every Record method is a no-op, so callers never
// need to check.
//
// Metric names (namespace "stratum" by default):
//
//	workflows_started_total{type}
//	workflows_completed_total{type,status}
//	workflow_duration_seconds{type,status}
//	active_workflows
//	rollback_incomplete_total{type}
//	workflows_stalled_total{type}
//	steps_executed_total{type,step,status}
//	step_retries_total{type,step}
//	compensations_total{type,step,status}
//	driver_calls_total{platform,operation}
//	driver_errors_total{platform,operation}
//
// # Events
//
// The EventPublisher fans timeline events out to in-process subscribers. The
// executor publishes workflow and step transitions; the store persists them
// for the job timeline.
//
// # Testing
//
// NewNoop returns a Telemetry that records nothing.
package telemetry
