package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

var _ engine.EventPublisher = (*SQLStore)(nil)

// AppendEvent adds an event to the audit log.
func (s *SQLStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	var data interface{}
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(raw)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO events (id, type, workflow_id, job_id, resource_id, step, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		event.ID,
		string(event.Type),
		event.WorkflowID,
		event.JobID,
		event.ResourceID,
		event.Step,
		event.Level,
		event.Message,
		data,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return storageError("append event", err)
	}
	return nil
}

// Publish persists executor events so they survive restarts.
func (s *SQLStore) Publish(ctx context.Context, event *engine.Event) error {
	return s.AppendEvent(ctx, event)
}

// ListEvents returns events matching the filter in chronological order.
func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}

	query := `SELECT id, type, workflow_id, job_id, resource_id, step, level, message, data, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageError("list events", err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		var (
			e         engine.Event
			eType     string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &eType, &e.WorkflowID, &e.JobID, &e.ResourceID, &e.Step,
			&e.Level, &e.Message, &data, &createdAt); err != nil {
			return nil, storageError("list events", err)
		}
		e.Type = engine.EventType(eType)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("invalid event data: %w", err)
			}
		}
		if e.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list events", err)
	}
	return events, nil
}
