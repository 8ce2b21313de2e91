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

const workflowColumns = `id, job_id, type, resource_id, status, phase, step_cursor, inputs,
	cancel_requested, failure, rollback_incomplete, created_at, updated_at, completed_at`

// LoadWorkflow returns the workflow with its cursor, recorded outputs and
// compensation marks.
func (s *SQLStore) LoadWorkflow(ctx context.Context, workflowID string) (*engine.WorkflowInstance, error) {
	wf, err := s.scanWorkflow(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`), workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("workflow not found: %s", workflowID))
	}
	if err != nil {
		return nil, storageError("load workflow", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT step_index, name, output, completed_at, compensated_at
		FROM workflow_steps
		WHERE workflow_id = ?
		ORDER BY step_index ASC
	`), workflowID)
	if err != nil {
		return nil, storageError("load workflow steps", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec         engine.StepRecord
			output      sql.NullString
			completedAt string
			compensated sql.NullString
		)
		if err := rows.Scan(&rec.Index, &rec.Name, &output, &completedAt, &compensated); err != nil {
			return nil, storageError("scan workflow step", err)
		}
		if output.Valid {
			rec.Output = json.RawMessage(output.String)
		}
		if rec.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		if rec.CompensatedAt, err = parseTimePtr(compensated); err != nil {
			return nil, err
		}
		wf.Steps[rec.Index] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate workflow steps", err)
	}

	return wf, nil
}

// SaveStep records a forward step's output and advances the cursor in one
// transaction. Saving the same step twice keeps the first output.
func (s *SQLStore) SaveStep(ctx context.Context, workflowID string, index int, name string, output json.RawMessage) error {
	now := formatTime(time.Now())
	var out interface{}
	if len(output) > 0 {
		out = string(output)
	}

	return s.withTx(ctx, "save step", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO workflow_steps (workflow_id, step_index, name, output, completed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (workflow_id, step_index) DO NOTHING
		`), workflowID, index, name, out, now); err != nil {
			return storageError("save step", err)
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE workflows SET step_cursor = ?, updated_at = ?
			WHERE id = ? AND step_cursor <= ?
		`), index+1, now, workflowID, index)
		if err != nil {
			return storageError("advance cursor", err)
		}
		if rowsAffected(res) == 0 {
			return s.ensureWorkflow(ctx, tx, workflowID)
		}
		return nil
	})
}

// SetStatus moves the workflow to a non-terminal status.
func (s *SQLStore) SetStatus(ctx context.Context, workflowID string, status engine.WorkflowStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("terminal status %s must be written with MarkTerminal", status)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE workflows SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('CREATED', 'RUNNING')
	`), string(status), formatTime(time.Now()), workflowID)
	if err != nil {
		return storageError("set workflow status", err)
	}
	if rowsAffected(res) == 0 {
		return engine.NewConflictError(fmt.Sprintf("workflow %s is not active", workflowID), nil)
	}
	return nil
}

// SetPhase switches the workflow's phase and records the failure that caused it.
func (s *SQLStore) SetPhase(ctx context.Context, workflowID string, phase engine.WorkflowPhase, failure *engine.JobError) error {
	var failureJSON interface{}
	if failure != nil {
		raw, err := json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("failed to encode failure: %w", err)
		}
		failureJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE workflows SET phase = ?, failure = ?, updated_at = ?
		WHERE id = ?
	`), string(phase), failureJSON, formatTime(time.Now()), workflowID)
	if err != nil {
		return storageError("set workflow phase", err)
	}
	if rowsAffected(res) == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("workflow not found: %s", workflowID))
	}
	return nil
}

// MarkCompensated records that a step's compensating action completed.
func (s *SQLStore) MarkCompensated(ctx context.Context, workflowID string, index int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE workflow_steps SET compensated_at = ?
		WHERE workflow_id = ? AND step_index = ? AND compensated_at IS NULL
	`), formatTime(time.Now()), workflowID, index)
	if err != nil {
		return storageError("mark compensated", err)
	}
	if rowsAffected(res) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM workflow_steps WHERE workflow_id = ? AND step_index = ?`),
			workflowID, index).Scan(&exists)
		if err != nil {
			return storageError("mark compensated", err)
		}
		if exists == 0 {
			return engine.NewNotFoundError(fmt.Sprintf("step %d of workflow %s not recorded", index, workflowID))
		}
	}
	return nil
}

// RequestCancel sets the durable cancel flag on an active workflow.
func (s *SQLStore) RequestCancel(ctx context.Context, workflowID string) error {
	return s.withTx(ctx, "request cancel", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE workflows SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status IN ('CREATED', 'RUNNING')
		`), formatTime(time.Now()), workflowID)
		if err != nil {
			return storageError("request cancel", err)
		}
		if rowsAffected(res) > 0 {
			return nil
		}
		if err := s.ensureWorkflow(ctx, tx, workflowID); err != nil {
			return err
		}
		return engine.NewConflictError(fmt.Sprintf("workflow %s already finished", workflowID), nil)
	})
}

// MarkTerminal writes the final outcome of the workflow and its job and
// releases the resource lock. Once a workflow is terminal further calls are no-ops.
func (s *SQLStore) MarkTerminal(ctx context.Context, workflowID string, outcome engine.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", outcome.Status)
	}

	var errJSON interface{}
	if outcome.Error != nil {
		raw, err := json.Marshal(outcome.Error)
		if err != nil {
			return fmt.Errorf("failed to encode job error: %w", err)
		}
		errJSON = string(raw)
	}
	var result interface{}
	if len(outcome.Result) > 0 {
		result = string(outcome.Result)
	}
	now := formatTime(time.Now())

	return s.withTx(ctx, "mark terminal", func(tx *sql.Tx) error {
		var resourceID string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT resource_id FROM workflows WHERE id = ?`), workflowID).
			Scan(&resourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError(fmt.Sprintf("workflow not found: %s", workflowID))
		}
		if err != nil {
			return storageError("mark terminal", err)
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE workflows
			SET status = ?, rollback_incomplete = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status IN ('CREATED', 'RUNNING')
		`), string(outcome.Status), boolInt(outcome.RollbackIncomplete), now, now, workflowID)
		if err != nil {
			return storageError("mark terminal", err)
		}
		if rowsAffected(res) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET status = ?, result = ?, error = ?, updated_at = ?
			WHERE workflow_id = ? AND status = 'RUNNING'
		`), string(engine.JobStatusFor(outcome.Status)), result, errJSON, now, workflowID); err != nil {
			return storageError("mark job terminal", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM resource_locks WHERE resource_id = ? AND workflow_id = ?
		`), resourceID, workflowID); err != nil {
			return storageError("release resource lock", err)
		}
		return nil
	})
}

// ListActiveWorkflows returns every workflow that has not reached a terminal state.
func (s *SQLStore) ListActiveWorkflows(ctx context.Context) ([]*engine.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE status IN ('CREATED', 'RUNNING')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, storageError("list active workflows", err)
	}
	defer rows.Close()

	var out []*engine.WorkflowInstance
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, storageError("scan workflow", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate workflows", err)
	}
	return out, nil
}

// insertWorkflow writes a new workflow row inside a registration transaction.
func (s *SQLStore) insertWorkflow(ctx context.Context, q querier, wf *engine.WorkflowInstance) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO workflows (id, job_id, type, resource_id, status, phase, step_cursor, inputs,
			cancel_requested, rollback_incomplete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?)
	`),
		wf.ID,
		wf.JobID,
		string(wf.Type),
		wf.ResourceID,
		string(wf.Status),
		string(wf.Phase),
		string(wf.Inputs),
		formatTime(wf.CreatedAt),
		formatTime(wf.UpdatedAt),
	)
	if err != nil {
		return storageError("insert workflow", err)
	}
	return nil
}

func (s *SQLStore) ensureWorkflow(ctx context.Context, q querier, workflowID string) error {
	var n int
	if err := q.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM workflows WHERE id = ?`), workflowID).Scan(&n); err != nil {
		return storageError("lookup workflow", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("workflow not found: %s", workflowID))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanWorkflow(row rowScanner) (*engine.WorkflowInstance, error) {
	var (
		wf                 engine.WorkflowInstance
		wfType, status     string
		phase, inputs      string
		cancel, incomplete int
		failure            sql.NullString
		createdAt          string
		updatedAt          string
		completedAt        sql.NullString
	)
	if err := row.Scan(
		&wf.ID,
		&wf.JobID,
		&wfType,
		&wf.ResourceID,
		&status,
		&phase,
		&wf.Cursor,
		&inputs,
		&cancel,
		&failure,
		&incomplete,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	wf.Type = engine.WorkflowType(wfType)
	wf.Status = engine.WorkflowStatus(status)
	wf.Phase = engine.WorkflowPhase(phase)
	wf.Inputs = json.RawMessage(inputs)
	wf.CancelRequested = cancel != 0
	wf.RollbackIncomplete = incomplete != 0
	wf.Steps = make(map[int]*engine.StepRecord)

	if failure.Valid && failure.String != "" {
		wf.Failure = &engine.JobError{}
		if err := json.Unmarshal([]byte(failure.String), wf.Failure); err != nil {
			return nil, fmt.Errorf("invalid workflow failure: %w", err)
		}
	}

	var err error
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if wf.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}

	return &wf, nil
}
