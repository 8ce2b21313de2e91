package telemetry

import (
	"context"
	"errors"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNoop returns telemetry that discards logs, spans, metrics and events.
func NewNoop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	cfg.Tracing.Enabled = false

	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNoopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// RecordDriverOperation wraps a platform driver call with a span and metrics.
func (t *Telemetry) RecordDriverOperation(ctx context.Context, platform, operation string, fn func(context.Context) error) error {
	ctx, span := t.Tracer.StartDriverSpan(ctx, platform, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordDriverCall(platform, operation, timer.Duration())
	if err != nil {
		t.Metrics.RecordDriverError(platform, operation)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}

	return err
}
