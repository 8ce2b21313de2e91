package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

const jobColumns = `id, workflow_id, type, resource_id, status, fingerprint, result, error,
	notification_target, notification_sent, submitted_at, updated_at`

// RegisterJob atomically records a job, its workflow and the workflow's
// resource lock. If the job identifier is already registered it returns the
// stored job and created=false without touching anything else. A resource
// locked by another active workflow fails with RESOURCE_BUSY.
func (s *SQLStore) RegisterJob(ctx context.Context, job *engine.Job, wf *engine.WorkflowInstance) (*engine.Job, bool, error) {
	var (
		existing *engine.Job
		busy     bool
	)

	err := s.withTx(ctx, "register job", func(tx *sql.Tx) error {
		found, err := s.getJob(ctx, tx, job.ID)
		if err != nil && !engine.HasCode(err, engine.ErrCodeNotFound) {
			return err
		}
		if found != nil {
			existing = found
			return nil
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO resource_locks (resource_id, workflow_id, acquired_at)
			VALUES (?, ?, ?)
			ON CONFLICT (resource_id) DO NOTHING
		`), wf.ResourceID, wf.ID, formatTime(time.Now()))
		if err != nil {
			return storageError("acquire resource lock", err)
		}
		if rowsAffected(res) == 0 {
			busy = true
			return errRollback
		}

		if err := s.insertWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		if err := s.insertJob(ctx, tx, job); err != nil {
			if isUniqueViolation(err) {
				return errRollback
			}
			return storageError("insert job", err)
		}
		return nil
	})

	switch {
	case err == nil && existing != nil:
		return existing, false, nil
	case err == nil:
		return job, true, nil
	case !errors.Is(err, errRollback):
		return nil, false, err
	}

	// A concurrent submission with the same job identifier may have won.
	found, gerr := s.GetJob(ctx, job.ID)
	if gerr == nil {
		return found, false, nil
	}
	if !engine.HasCode(gerr, engine.ErrCodeNotFound) {
		return nil, false, gerr
	}
	if busy {
		return nil, false, engine.NewConflictError(
			fmt.Sprintf("resource %s has an active workflow", wf.ResourceID), nil).
			WithCode(engine.ErrCodeResourceBusy).
			WithResource(wf.ResourceID)
	}
	return nil, false, storageError("register job", fmt.Errorf("job %s vanished during registration", job.ID))
}

// errRollback aborts a transaction without reporting a storage failure.
var errRollback = errors.New("rollback")

// GetJob retrieves a job by identifier.
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *SQLStore) getJob(ctx context.Context, q querier, jobID string) (*engine.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("job not found: %s", jobID))
	}
	if err != nil {
		return nil, storageError("get job", err)
	}
	return job, nil
}

// ListJobs returns the most recently submitted jobs, newest first.
func (s *SQLStore) ListJobs(ctx context.Context, limit int) ([]*engine.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, "list jobs", `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY submitted_at DESC
		LIMIT ?
	`, limit)
}

// PendingNotifications lists terminal jobs with a notification target whose
// notification has not been delivered yet.
func (s *SQLStore) PendingNotifications(ctx context.Context) ([]*engine.Job, error) {
	return s.queryJobs(ctx, "pending notifications", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('SUCCEEDED', 'FAILED')
		  AND notification_sent = 0
		  AND notification_target <> ''
		ORDER BY updated_at ASC
	`)
}

// MarkNotified records that a job's notification was delivered.
func (s *SQLStore) MarkNotified(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET notification_sent = 1 WHERE id = ?
	`), jobID)
	if err != nil {
		return storageError("mark notified", err)
	}
	if rowsAffected(res) == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("job not found: %s", jobID))
	}
	return nil
}

func (s *SQLStore) queryJobs(ctx context.Context, op, query string, args ...interface{}) ([]*engine.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var jobs []*engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return jobs, nil
}

func (s *SQLStore) insertJob(ctx context.Context, q querier, job *engine.Job) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (id, workflow_id, type, resource_id, status, fingerprint,
			notification_target, notification_sent, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`),
		job.ID,
		job.WorkflowID,
		string(job.Type),
		job.ResourceID,
		string(job.Status),
		job.Fingerprint,
		job.NotificationTarget,
		formatTime(job.SubmittedAt),
		formatTime(job.UpdatedAt),
	)
	return err
}

func scanJob(row rowScanner) (*engine.Job, error) {
	var (
		job                engine.Job
		jobType, status    string
		result, jobErr     sql.NullString
		sent               int
		submitted, updated string
	)
	if err := row.Scan(
		&job.ID,
		&job.WorkflowID,
		&jobType,
		&job.ResourceID,
		&status,
		&job.Fingerprint,
		&result,
		&jobErr,
		&job.NotificationTarget,
		&sent,
		&submitted,
		&updated,
	); err != nil {
		return nil, err
	}

	job.Type = engine.WorkflowType(jobType)
	job.Status = engine.JobStatus(status)
	job.NotificationSent = sent != 0
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if jobErr.Valid && jobErr.String != "" {
		job.Error = &engine.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return nil, fmt.Errorf("invalid job error: %w", err)
		}
	}

	var err error
	if job.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &job, nil
}
