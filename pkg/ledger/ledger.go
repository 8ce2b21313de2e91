// Package ledger maps caller-supplied job identifiers to workflow instances
// and answers status and result polls.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

// Store is the persistence the ledger needs. stores.SQLStore implements it.
type Store interface {
	RegisterJob(ctx context.Context, job *engine.Job, wf *engine.WorkflowInstance) (*engine.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*engine.Job, error)
	PendingNotifications(ctx context.Context) ([]*engine.Job, error)
	MarkNotified(ctx context.Context, jobID string) error
}

// Ledger is the job-status ledger clients poll.
type Ledger struct {
	store  Store
	logger zerolog.Logger
}

var _ engine.JobLedger = (*Ledger)(nil)

// New creates a ledger on top of store.
func New(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Register records the job and its workflow. A job id that already exists
// with the same fingerprint returns the stored job and created=false. A job id
// reused with different inputs fails with a conflict.
func (l *Ledger) Register(ctx context.Context, job *engine.Job, wf *engine.WorkflowInstance) (*engine.Job, bool, error) {
	fp, err := Fingerprint(wf.Type, wf.ResourceID, wf.Inputs)
	if err != nil {
		return nil, false, engine.NewValidationError("inputs are not valid JSON", err)
	}
	job.Fingerprint = fp

	existing, created, err := l.store.RegisterJob(ctx, job, wf)
	if err != nil {
		return nil, false, err
	}
	if created {
		l.logger.Debug().Str("job_id", job.ID).Str("workflow_id", wf.ID).Msg("job registered")
		return existing, true, nil
	}

	if existing.Fingerprint != fp {
		l.logger.Warn().Str("job_id", job.ID).Msg("job id reused with different inputs")
		return nil, false, engine.NewConflictError(
			fmt.Sprintf("job %s was already submitted with different inputs", job.ID), nil).
			WithResource(wf.ResourceID)
	}
	return existing, false, nil
}

// Get returns the job, including its error description when it failed.
func (l *Ledger) Get(ctx context.Context, jobID string) (*engine.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

// Status returns the job's current status.
func (l *Ledger) Status(ctx context.Context, jobID string) (engine.JobStatus, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Result returns the payload of a succeeded job. A running job fails with
// NOT_READY and a failed job returns its stored error.
func (l *Ledger) Result(ctx context.Context, jobID string) (json.RawMessage, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case engine.JobStatusSucceeded:
		return job.Result, nil
	case engine.JobStatusFailed:
		if job.Error != nil {
			return nil, job.Error
		}
		return nil, engine.NewPermanentError(fmt.Sprintf("job %s failed", jobID), nil)
	default:
		return nil, engine.NewTransientError(fmt.Sprintf("job %s is still running", jobID), nil).
			WithCode(engine.ErrCodeNotReady)
	}
}

// PendingNotifications lists terminal jobs whose notification was not delivered.
func (l *Ledger) PendingNotifications(ctx context.Context) ([]*engine.Job, error) {
	return l.store.PendingNotifications(ctx)
}

// MarkNotified records a delivered notification.
func (l *Ledger) MarkNotified(ctx context.Context, jobID string) error {
	return l.store.MarkNotified(ctx, jobID)
}

// Fingerprint hashes the canonical JSON of a submission. Key order and
// whitespace in inputs do not change the result.
func Fingerprint(wfType engine.WorkflowType, resourceID string, inputs json.RawMessage) (string, error) {
	var normalized interface{}
	if len(bytes.TrimSpace(inputs)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(inputs))
		dec.UseNumber()
		if err := dec.Decode(&normalized); err != nil {
			return "", fmt.Errorf("failed to decode inputs: %w", err)
		}
		if dec.More() {
			return "", fmt.Errorf("failed to decode inputs: trailing data")
		}
	}

	canonical, err := json.Marshal(struct {
		Type       engine.WorkflowType `json:"type"`
		ResourceID string              `json:"resource_id"`
		Inputs     interface{}         `json:"inputs"`
	}{wfType, resourceID, normalized})
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}

	sum := blake3.Sum256(canonical)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
