package engine

import (
	"encoding/json"
	"time"
)

// WorkflowInstance is the durable unit of execution bound to a job.
type WorkflowInstance struct {
	// ID is the unique identifier of the workflow instance.
	ID string `json:"id"`

	// JobID is the caller-supplied job identifier this workflow serves.
	JobID string `json:"job_id"`

	// Type selects the workflow definition.
	Type WorkflowType `json:"type"`

	// ResourceID is the resource the workflow operates on. Two active
	// workflows never share a resource ID.
	ResourceID string `json:"resource_id"`

	// Status is the lifecycle state.
	Status WorkflowStatus `json:"status"`

	// Phase is forward or compensating.
	Phase WorkflowPhase `json:"phase"`

	// Cursor is the index of the next step to execute.
	Cursor int `json:"cursor"`

	// Inputs are the immutable input parameters.
	Inputs json.RawMessage `json:"inputs"`

	// Steps holds recorded outputs indexed by step position.
	Steps map[int]*StepRecord `json:"steps,omitempty"`

	// CancelRequested is set when a client asked for cancellation.
	CancelRequested bool `json:"cancel_requested"`

	// Failure is the classified error that triggered rollback.
	Failure *JobError `json:"failure,omitempty"`

	// RollbackIncomplete is set when a compensating action failed.
	RollbackIncomplete bool `json:"rollback_incomplete"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Output returns the recorded output of a step and whether it exists.
func (w *WorkflowInstance) Output(index int) (json.RawMessage, bool) {
	rec, ok := w.Steps[index]
	if !ok {
		return nil, false
	}
	return rec.Output, true
}

// StepRecord is the persisted result of one forward step.
type StepRecord struct {
	Index         int             `json:"index"`
	Name          string          `json:"name"`
	Output        json.RawMessage `json:"output,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
	CompensatedAt *time.Time      `json:"compensated_at,omitempty"`
}

// Compensated reports whether the step's compensating action already ran.
func (r *StepRecord) Compensated() bool {
	return r.CompensatedAt != nil
}

// Job is the externally visible, pollable handle for one workflow's outcome.
type Job struct {
	ID                 string          `json:"job_id"`
	WorkflowID         string          `json:"workflow_id"`
	Type               WorkflowType    `json:"type"`
	ResourceID         string          `json:"resource_id,omitempty"`
	Status             JobStatus       `json:"status"`
	Fingerprint        string          `json:"-"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              *JobError       `json:"error,omitempty"`
	NotificationTarget string          `json:"notification_target,omitempty"`
	NotificationSent   bool            `json:"-"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// JobError is the terminal error description stored with a failed job.
type JobError struct {
	Class              ErrorClass             `json:"class"`
	Code               string                 `json:"code,omitempty"`
	Message            string                 `json:"message"`
	RollbackIncomplete bool                   `json:"rollback_incomplete"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface so a stored failure can be returned as-is.
func (e *JobError) Error() string {
	if e.Code != "" {
		return string(e.Class) + "/" + e.Code + ": " + e.Message
	}
	return string(e.Class) + ": " + e.Message
}

// NewJobError converts a classified error into its stored form.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	ee := Classify(err)
	details := make(map[string]interface{}, len(ee.Details))
	for k, v := range ee.Details {
		details[k] = v
	}
	if ee.Resource != "" {
		details["resource"] = ee.Resource
	}
	if len(details) == 0 {
		details = nil
	}
	return &JobError{
		Class:              ee.Class,
		Code:               ee.Code,
		Message:            ee.Error(),
		RollbackIncomplete: ee.Class == ErrorClassInfrastructureFatal,
		Details:            details,
	}
}

// Outcome is the terminal result written by MarkTerminal.
type Outcome struct {
	Status             WorkflowStatus
	Result             json.RawMessage
	Error              *JobError
	RollbackIncomplete bool
}

// Submission is a request to run a workflow under a job identifier.
type Submission struct {
	JobID              string
	Type               WorkflowType
	ResourceID         string
	Inputs             json.RawMessage
	NotificationTarget string
}

// SubmitDisposition tells the caller whether a new workflow was started.
type SubmitDisposition string

const (
	SubmitAccepted  SubmitDisposition = "accepted"
	SubmitDuplicate SubmitDisposition = "duplicate"
)

// SubmitResult is returned by Executor.Submit.
type SubmitResult struct {
	Job         *Job
	Disposition SubmitDisposition
}

// Event represents a timeline entry emitted by the executor.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Step       string                 `json:"step,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// RetryPolicy bounds retries of forward and compensating actions.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}
