package engine

import (
	"context"
	"encoding/json"
)

// StepStore persists workflow state so a workflow can resume after a crash.
// Implementations must report storage failures as transient EngineErrors
// with ErrCodeStorageUnavailable.
type StepStore interface {
	// LoadWorkflow returns the workflow with its cursor and recorded outputs.
	LoadWorkflow(ctx context.Context, workflowID string) (*WorkflowInstance, error)

	// SaveStep records a forward step's output and advances the cursor past it.
	SaveStep(ctx context.Context, workflowID string, index int, name string, output json.RawMessage) error

	// SetStatus moves the workflow to a non-terminal status.
	SetStatus(ctx context.Context, workflowID string, status WorkflowStatus) error

	// SetPhase switches the workflow into compensation and records the failure.
	SetPhase(ctx context.Context, workflowID string, phase WorkflowPhase, failure *JobError) error

	// MarkCompensated records that a step's compensating action completed.
	MarkCompensated(ctx context.Context, workflowID string, index int) error

	// RequestCancel sets the durable cancel flag. It fails with a conflict
	// error when the workflow is already terminal.
	RequestCancel(ctx context.Context, workflowID string) error

	// MarkTerminal writes the final outcome for the workflow and its job and
	// releases the workflow's resource lock. It applies at most once.
	MarkTerminal(ctx context.Context, workflowID string, outcome Outcome) error

	// ListActiveWorkflows returns every non-terminal workflow.
	ListActiveWorkflows(ctx context.Context) ([]*WorkflowInstance, error)
}

// JobLedger records jobs and the workflows bound to them.
type JobLedger interface {
	// Register records the job and its workflow atomically. When the job
	// identifier already exists with the same fingerprint it returns the
	// existing job and created=false; a different fingerprint is a conflict.
	Register(ctx context.Context, job *Job, wf *WorkflowInstance) (existing *Job, created bool, err error)

	// Get returns a job by identifier.
	Get(ctx context.Context, jobID string) (*Job, error)

	// PendingNotifications lists terminal jobs whose notification was not delivered.
	PendingNotifications(ctx context.Context) ([]*Job, error)

	// MarkNotified records a delivered notification.
	MarkNotified(ctx context.Context, jobID string) error
}

// EventPublisher publishes execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Notifier delivers terminal job state to a client-provided target.
type Notifier interface {
	Notify(ctx context.Context, job *Job) error
}
