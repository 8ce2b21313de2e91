package engine

import (
	"encoding/json"
	"fmt"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	// WorkflowStatusCreated indicates the workflow is recorded but has not run a step.
	WorkflowStatusCreated WorkflowStatus = "CREATED"

	// WorkflowStatusRunning indicates the workflow is executing or compensating.
	WorkflowStatusRunning WorkflowStatus = "RUNNING"

	// WorkflowStatusSucceeded indicates every step completed.
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"

	// WorkflowStatusFailed indicates the workflow stopped and was rolled back.
	WorkflowStatusFailed WorkflowStatus = "FAILED"
)

// IsTerminal returns true if the workflow status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusSucceeded || s == WorkflowStatusFailed
}

// IsActive returns true if the workflow still needs to be driven by an executor.
func (s WorkflowStatus) IsActive() bool {
	return s == WorkflowStatusCreated || s == WorkflowStatusRunning
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	switch s {
	case WorkflowStatusCreated:
		return next == WorkflowStatusRunning
	case WorkflowStatusRunning:
		// RUNNING is re-entered after a crash-resume.
		return next == WorkflowStatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusCreated, WorkflowStatusRunning, WorkflowStatusSucceeded, WorkflowStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s WorkflowStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *WorkflowStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = WorkflowStatus(str)
	return s.Validate()
}

// JobStatus is the externally visible status of a job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal returns true if the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}

// JobStatusFor maps a workflow status onto the job contract. CREATED is
// reported as RUNNING because the job is accepted as soon as it is recorded.
func JobStatusFor(s WorkflowStatus) JobStatus {
	switch s {
	case WorkflowStatusSucceeded:
		return JobStatusSucceeded
	case WorkflowStatusFailed:
		return JobStatusFailed
	default:
		return JobStatusRunning
	}
}

// WorkflowPhase distinguishes forward execution from rollback.
type WorkflowPhase string

const (
	PhaseForward      WorkflowPhase = "forward"
	PhaseCompensating WorkflowPhase = "compensating"
)

// Validate checks if the phase is valid.
func (p WorkflowPhase) Validate() error {
	switch p {
	case PhaseForward, PhaseCompensating:
		return nil
	default:
		return fmt.Errorf("invalid workflow phase: %s", p)
	}
}

// WorkflowType names a registered workflow definition.
type WorkflowType string

const (
	WorkflowTypeCreate WorkflowType = "CREATE"
	WorkflowTypeClone  WorkflowType = "CLONE"
	WorkflowTypeDelete WorkflowType = "DELETE"
)

// Validate checks that the workflow type is non-empty. Whether a definition
// exists for it is decided by the Registry.
func (t WorkflowType) Validate() error {
	if t == "" {
		return fmt.Errorf("workflow type is required")
	}
	return nil
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeWorkflowStarted   EventType = "workflow_started"
	EventTypeWorkflowResumed   EventType = "workflow_resumed"
	EventTypeWorkflowSucceeded EventType = "workflow_succeeded"
	EventTypeWorkflowFailed    EventType = "workflow_failed"
	EventTypeWorkflowStalled   EventType = "workflow_stalled"

	EventTypeStepStarted   EventType = "step_started"
	EventTypeStepCompleted EventType = "step_completed"
	EventTypeStepFailed    EventType = "step_failed"
	EventTypeStepRetrying  EventType = "step_retrying"

	EventTypeCompensationStarted   EventType = "compensation_started"
	EventTypeCompensationCompleted EventType = "compensation_completed"
	EventTypeCompensationFailed    EventType = "compensation_failed"

	EventTypeCancelRequested EventType = "cancel_requested"
	EventTypeJobNotified     EventType = "job_notified"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeWorkflowFailed, EventTypeStepFailed, EventTypeCompensationFailed:
		return "error"
	case EventTypeStepRetrying, EventTypeCancelRequested, EventTypeWorkflowStalled:
		return "warning"
	default:
		return "info"
	}
}
