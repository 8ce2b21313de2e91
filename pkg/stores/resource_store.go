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

const resourceColumns = `id, workspace_id, name, type, stewardship, cloning_instruction, region,
	handle, attributes, lineage, created_at, updated_at`

// PutResource inserts or replaces a resource record by id. A second resource
// with the same name in the workspace fails with ALREADY_EXISTS.
func (s *SQLStore) PutResource(ctx context.Context, r *resources.Resource) error {
	attrs, err := resources.MarshalAttributes(r.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	lineage := r.Lineage
	if lineage == nil {
		lineage = []resources.LineageEntry{}
	}
	lineageJSON, err := json.Marshal(lineage)
	if err != nil {
		return fmt.Errorf("failed to encode lineage: %w", err)
	}

	var handle interface{}
	handleID := ""
	if r.Handle != nil && !r.Handle.IsZero() {
		raw, err := json.Marshal(r.Handle)
		if err != nil {
			return fmt.Errorf("failed to encode handle: %w", err)
		}
		handle = string(raw)
		handleID = r.Handle.ID
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO resources (id, workspace_id, name, type, stewardship, cloning_instruction,
			region, handle, handle_id, attributes, lineage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			stewardship = excluded.stewardship,
			cloning_instruction = excluded.cloning_instruction,
			region = excluded.region,
			handle = excluded.handle,
			handle_id = excluded.handle_id,
			attributes = excluded.attributes,
			lineage = excluded.lineage,
			updated_at = excluded.updated_at
	`),
		r.ID,
		r.WorkspaceID,
		r.Name,
		string(r.Type),
		string(r.Stewardship),
		string(r.Cloning),
		r.Region,
		handle,
		handleID,
		string(attrs),
		string(lineageJSON),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError(
				fmt.Sprintf("resource %q already exists in workspace %s", r.Name, r.WorkspaceID), err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(r.ID)
		}
		return storageError("put resource", err)
	}
	return nil
}

// GetResource retrieves a resource by id.
func (s *SQLStore) GetResource(ctx context.Context, id string) (*resources.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+resourceColumns+` FROM resources WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("resource not found: %s", id)).WithResource(id)
	}
	if err != nil {
		return nil, storageError("get resource", err)
	}
	return r, nil
}

// GetResourceByName retrieves a resource by its workspace-unique name.
func (s *SQLStore) GetResourceByName(ctx context.Context, workspaceID, name string) (*resources.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+resourceColumns+` FROM resources WHERE workspace_id = ? AND name = ?`),
		workspaceID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("resource %q not found in workspace %s", name, workspaceID))
	}
	if err != nil {
		return nil, storageError("get resource by name", err)
	}
	return r, nil
}

// ListResources returns the resources of a workspace ordered by name.
func (s *SQLStore) ListResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error) {
	return s.queryResources(ctx, "list resources", `
		SELECT `+resourceColumns+` FROM resources
		WHERE workspace_id = ?
		ORDER BY name ASC
	`, workspaceID)
}

// ListReferencesToHandle returns the linked references that point at the
// cloud object identified by handleID, excluding the resource excludeID.
func (s *SQLStore) ListReferencesToHandle(ctx context.Context, handleID, excludeID string) ([]*resources.Resource, error) {
	if handleID == "" {
		return nil, nil
	}
	return s.queryResources(ctx, "list references", `
		SELECT `+resourceColumns+` FROM resources
		WHERE handle_id = ?
		  AND id <> ?
		  AND stewardship = 'REFERENCED'
		  AND cloning_instruction = 'LINK_REFERENCE'
		ORDER BY created_at ASC
	`, handleID, excludeID)
}

// DeleteResource removes a resource record. Deleting a missing record succeeds.
func (s *SQLStore) DeleteResource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM resources WHERE id = ?`), id); err != nil {
		return storageError("delete resource", err)
	}
	return nil
}

func (s *SQLStore) queryResources(ctx context.Context, op, query string, args ...interface{}) ([]*resources.Resource, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var out []*resources.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

func scanResource(row rowScanner) (*resources.Resource, error) {
	var (
		r                    resources.Resource
		rType, stewardship   string
		cloning              string
		handle               sql.NullString
		attrs, lineage       string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.Name,
		&rType,
		&stewardship,
		&cloning,
		&r.Region,
		&handle,
		&attrs,
		&lineage,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	r.Type = resources.ResourceType(rType)
	r.Stewardship = resources.Stewardship(stewardship)
	r.Cloning = resources.CloningInstruction(cloning)

	if handle.Valid && handle.String != "" {
		r.Handle = &resources.Handle{}
		if err := json.Unmarshal([]byte(handle.String), r.Handle); err != nil {
			return nil, fmt.Errorf("invalid resource handle: %w", err)
		}
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("invalid resource attributes: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(lineage), &r.Lineage); err != nil {
		return nil, fmt.Errorf("invalid resource lineage: %w", err)
	}
	if r.Lineage == nil {
		r.Lineage = []resources.LineageEntry{}
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
