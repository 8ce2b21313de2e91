package engine

import (
	"context"

	"github.com/stratum-cloud/stratum/pkg/telemetry"
)

// TelemetryPublisher forwards executor events to a telemetry event publisher.
type TelemetryPublisher struct {
	events *telemetry.EventPublisher
}

// NewTelemetryPublisher wraps ep. A nil ep discards events.
func NewTelemetryPublisher(ep *telemetry.EventPublisher) *TelemetryPublisher {
	return &TelemetryPublisher{events: ep}
}

// Publish implements EventPublisher.
func (p *TelemetryPublisher) Publish(_ context.Context, event *Event) error {
	if p.events == nil {
		return nil
	}
	return p.events.Publish(telemetry.Event{
		ID:         event.ID,
		Timestamp:  event.Timestamp,
		Type:       string(event.Type),
		Source:     "executor",
		WorkflowID: event.WorkflowID,
		JobID:      event.JobID,
		ResourceID: event.ResourceID,
		Step:       event.Step,
		Message:    event.Message,
		Level:      event.Level,
		Data:       event.Data,
	})
}

// MultiPublisher publishes to every wrapped publisher and returns the first error.
type MultiPublisher []EventPublisher

// Publish implements EventPublisher.
func (m MultiPublisher) Publish(ctx context.Context, event *Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
