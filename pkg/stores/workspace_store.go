package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// CreateWorkspace stores a new workspace. An existing id fails with ALREADY_EXISTS.
func (s *SQLStore) CreateWorkspace(ctx context.Context, ws *resources.Workspace) error {
	props := ws.Properties
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workspaces (id, platform, default_location, properties, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), ws.ID, ws.Platform, ws.DefaultLocation, string(propsJSON), formatTime(ws.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError(fmt.Sprintf("workspace %s already exists", ws.ID), err).
				WithCode(engine.ErrCodeAlreadyExists)
		}
		return storageError("create workspace", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by id.
func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*resources.Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, platform, default_location, properties, created_at
		FROM workspaces WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("workspace not found: %s", id))
	}
	if err != nil {
		return nil, storageError("get workspace", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces ordered by id.
func (s *SQLStore) ListWorkspaces(ctx context.Context) ([]*resources.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, default_location, properties, created_at
		FROM workspaces ORDER BY id ASC
	`)
	if err != nil {
		return nil, storageError("list workspaces", err)
	}
	defer rows.Close()

	var out []*resources.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, storageError("list workspaces", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list workspaces", err)
	}
	return out, nil
}

func scanWorkspace(row rowScanner) (*resources.Workspace, error) {
	var (
		ws        resources.Workspace
		props     string
		createdAt string
	)
	if err := row.Scan(&ws.ID, &ws.Platform, &ws.DefaultLocation, &props, &createdAt); err != nil {
		return nil, err
	}
	if props != "" && props != "{}" {
		if err := json.Unmarshal([]byte(props), &ws.Properties); err != nil {
			return nil, fmt.Errorf("invalid workspace properties: %w", err)
		}
	}
	var err error
	if ws.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListPolicies returns the attachments stored on a workspace without
// resolving links, ordered by namespace and name.
func (s *SQLStore) ListPolicies(ctx context.Context, workspaceID string) ([]resources.PolicyAttachment, error) {
	return s.listPolicies(ctx, s.db, workspaceID)
}

func (s *SQLStore) listPolicies(ctx context.Context, q querier, workspaceID string) ([]resources.PolicyAttachment, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT workspace_id, namespace, name, additional_data, linked_workspace_id, added_by_job, created_at
		FROM workspace_policies
		WHERE workspace_id = ?
		ORDER BY namespace ASC, name ASC
	`), workspaceID)
	if err != nil {
		return nil, storageError("list policies", err)
	}
	defer rows.Close()

	var out []resources.PolicyAttachment
	for rows.Next() {
		a, err := scanPolicy(rows)
		if err != nil {
			return nil, storageError("list policies", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list policies", err)
	}
	return out, nil
}

func scanPolicy(row rowScanner) (*resources.PolicyAttachment, error) {
	var (
		a         resources.PolicyAttachment
		data      string
		createdAt string
	)
	if err := row.Scan(&a.WorkspaceID, &a.Namespace, &a.Name, &data, &a.LinkedWorkspaceID, &a.AddedByJob, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &a.Additional); err != nil {
		return nil, fmt.Errorf("invalid policy data for %s: %w", a.Key(), err)
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func encodePolicyData(additional []resources.PolicyPair) (string, error) {
	if additional == nil {
		additional = []resources.PolicyPair{}
	}
	data, err := json.Marshal(additional)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy data: %w", err)
	}
	return string(data), nil
}

// GetPolicy returns one attachment without resolving its link.
func (s *SQLStore) GetPolicy(ctx context.Context, workspaceID, namespace, name string) (*resources.PolicyAttachment, error) {
	a, err := scanPolicy(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT workspace_id, namespace, name, additional_data, linked_workspace_id, added_by_job, created_at
		FROM workspace_policies
		WHERE workspace_id = ? AND namespace = ? AND name = ?
	`), workspaceID, namespace, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("policy %s/%s not attached to workspace %s", namespace, name, workspaceID))
	}
	if err != nil {
		return nil, storageError("get policy", err)
	}
	return a, nil
}

// AddPolicy inserts an attachment unless the workspace already carries one
// with the same namespace and name. It reports whether the row was inserted;
// an existing attachment is left untouched.
func (s *SQLStore) AddPolicy(ctx context.Context, a resources.PolicyAttachment) (bool, error) {
	data, err := encodePolicyData(a.Additional)
	if err != nil {
		return false, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workspace_policies (workspace_id, namespace, name, additional_data,
			linked_workspace_id, added_by_job, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, namespace, name) DO NOTHING
	`), a.WorkspaceID, a.Namespace, a.Name, data, a.LinkedWorkspaceID, a.AddedByJob, formatTime(a.CreatedAt))
	if err != nil {
		return false, storageError("add policy", err)
	}
	return rowsAffected(res) > 0, nil
}

// SwapPolicy replaces the attachment current with next only while the stored
// row still matches current in value, link and owning job. It reports
// whether the swap happened.
func (s *SQLStore) SwapPolicy(ctx context.Context, current, next resources.PolicyAttachment) (bool, error) {
	if current.WorkspaceID != next.WorkspaceID || current.Key() != next.Key() {
		return false, engine.NewValidationError(
			fmt.Sprintf("cannot swap policy %s for %s", current.Key(), next.Key()), nil)
	}
	was, err := encodePolicyData(current.Additional)
	if err != nil {
		return false, err
	}
	data, err := encodePolicyData(next.Additional)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE workspace_policies
		SET additional_data = ?, linked_workspace_id = ?, added_by_job = ?
		WHERE workspace_id = ? AND namespace = ? AND name = ?
			AND additional_data = ? AND linked_workspace_id = ? AND added_by_job = ?
	`), data, next.LinkedWorkspaceID, next.AddedByJob,
		current.WorkspaceID, current.Namespace, current.Name,
		was, current.LinkedWorkspaceID, current.AddedByJob)
	if err != nil {
		return false, storageError("swap policy", err)
	}
	return rowsAffected(res) > 0, nil
}

func (s *SQLStore) putPolicy(ctx context.Context, q querier, a resources.PolicyAttachment) error {
	data, err := encodePolicyData(a.Additional)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO workspace_policies (workspace_id, namespace, name, additional_data,
			linked_workspace_id, added_by_job, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, namespace, name) DO UPDATE SET
			additional_data = excluded.additional_data,
			linked_workspace_id = excluded.linked_workspace_id,
			added_by_job = excluded.added_by_job
	`), a.WorkspaceID, a.Namespace, a.Name, data, a.LinkedWorkspaceID, a.AddedByJob, formatTime(a.CreatedAt))
	if err != nil {
		return storageError("put policy", err)
	}
	return nil
}

// DeletePolicy removes one attachment. Removing a missing attachment succeeds.
func (s *SQLStore) DeletePolicy(ctx context.Context, workspaceID, namespace, name string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM workspace_policies WHERE workspace_id = ? AND namespace = ? AND name = ?
	`), workspaceID, namespace, name)
	if err != nil {
		return storageError("delete policy", err)
	}
	return nil
}

// DeletePoliciesAddedBy removes the attachments a clone job added to a workspace.
func (s *SQLStore) DeletePoliciesAddedBy(ctx context.Context, workspaceID, jobID string) (int64, error) {
	if jobID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM workspace_policies WHERE workspace_id = ? AND added_by_job = ?
	`), workspaceID, jobID)
	if err != nil {
		return 0, storageError("delete policies", err)
	}
	return rowsAffected(res), nil
}

// SetPolicies replaces every attachment on a workspace in one transaction.
func (s *SQLStore) SetPolicies(ctx context.Context, workspaceID string, attachments []resources.PolicyAttachment) error {
	return s.withTx(ctx, "set policies", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM workspace_policies WHERE workspace_id = ?`), workspaceID); err != nil {
			return storageError("set policies", err)
		}
		for _, a := range attachments {
			a.WorkspaceID = workspaceID
			if err := s.putPolicy(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}
