package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const writeRetries = 5

// QueueItem is the durable projection of a task, keyed by task id and
// namespaced by session.
type QueueItem struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	TaskType  string `json:"task_type"`
	Status    string `json:"status"`

	Error         string   `json:"error,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`

	ClarificationQuestion string `json:"clarification_question,omitempty"`
	ClarificationContext  string `json:"clarification_context,omitempty"`
	ClarificationAnswer   string `json:"clarification_answer,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SessionRecord is a row in the sessions table.
type SessionRecord struct {
	ID            string    `json:"id"`
	ProjectPath   string    `json:"project_path"`
	Model         string    `json:"model"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastTaskID    string    `json:"last_task_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TaskEvent is one row of the append-only task history backing /logs.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, rec SessionRecord) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, project_path, model)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, rec.ID, rec.ProjectPath, rec.Model)
		if err != nil {
			return fmt.Errorf("ensure session %s: %w", rec.ID, err)
		}
		return nil
	})
}

// UpdateSessionPointers persists the current/last task pointers.
func (s *Store) UpdateSessionPointers(ctx context.Context, sessionID, currentTaskID, lastTaskID string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET current_task_id = NULLIF(?, ''),
			    last_task_id = NULLIF(?, ''),
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, currentTaskID, lastTaskID, sessionID)
		if err != nil {
			return fmt.Errorf("update session pointers %s: %w", sessionID, err)
		}
		return nil
	})
}

// GetSession loads one session row. Returns nil if absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_path, model,
		       COALESCE(current_task_id, ''), COALESCE(last_task_id, ''),
		       created_at
		FROM sessions WHERE id = ?;
	`, sessionID)
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.ProjectPath, &rec.Model, &rec.CurrentTaskID, &rec.LastTaskID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// SaveQueueItem upserts the durable projection of one task. Called on
// every transition; recovery re-saves items under the adopting session,
// so session_id follows the latest save.
func (s *Store) SaveQueueItem(ctx context.Context, item QueueItem) error {
	files, err := json.Marshal(item.FilesModified)
	if err != nil {
		return fmt.Errorf("marshal files_modified: %w", err)
	}
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_items (
				task_id, session_id, prompt, task_type, status,
				error, summary, files_modified,
				clarification_question, clarification_context, clarification_answer,
				queued_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = excluded.session_id,
				status = excluded.status,
				error = excluded.error,
				summary = excluded.summary,
				files_modified = excluded.files_modified,
				clarification_question = excluded.clarification_question,
				clarification_context = excluded.clarification_context,
				clarification_answer = excluded.clarification_answer,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				updated_at = CURRENT_TIMESTAMP;
		`,
			item.TaskID, item.SessionID, item.Prompt, item.TaskType, item.Status,
			nullIfEmpty(item.Error), nullIfEmpty(item.Summary), string(files),
			nullIfEmpty(item.ClarificationQuestion), nullIfEmpty(item.ClarificationContext), nullIfEmpty(item.ClarificationAnswer),
			item.QueuedAt.UTC(), nullableTime(item.StartedAt), nullableTime(item.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("save queue item %s: %w", item.TaskID, err)
		}
		return nil
	})
}

// LoadQueueItems returns the session's queue items in submission order.
func (s *Store) LoadQueueItems(ctx context.Context, sessionID string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, prompt, task_type, status,
		       COALESCE(error, ''), COALESCE(summary, ''), files_modified,
		       COALESCE(clarification_question, ''), COALESCE(clarification_context, ''), COALESCE(clarification_answer, ''),
		       queued_at, started_at, completed_at
		FROM queue_items
		WHERE session_id = ?
		ORDER BY queued_at, task_id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load queue items for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// LoadAllQueueItems returns every stored queue item across sessions, in
// submission order. Read once at startup for restart recovery.
func (s *Store) LoadAllQueueItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, prompt, task_type, status,
		       COALESCE(error, ''), COALESCE(summary, ''), files_modified,
		       COALESCE(clarification_question, ''), COALESCE(clarification_context, ''), COALESCE(clarification_answer, ''),
		       queued_at, started_at, completed_at
		FROM queue_items
		ORDER BY queued_at, task_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("load all queue items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var files string
		var started, completed sql.NullTime
		if err := rows.Scan(
			&item.TaskID, &item.SessionID, &item.Prompt, &item.TaskType, &item.Status,
			&item.Error, &item.Summary, &files,
			&item.ClarificationQuestion, &item.ClarificationContext, &item.ClarificationAnswer,
			&item.QueuedAt, &started, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if files != "" && files != "null" {
			if err := json.Unmarshal([]byte(files), &item.FilesModified); err != nil {
				return nil, fmt.Errorf("decode files_modified for %s: %w", item.TaskID, err)
			}
		}
		if started.Valid {
			t := started.Time
			item.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			item.CompletedAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AppendTaskEvent records one lifecycle event in the append-only history.
func (s *Store) AppendTaskEvent(ctx context.Context, event TaskEvent) error {
	payload := event.Payload
	if payload == "" {
		payload = "{}"
	}
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, session_id, trace_id, event_type, state_from, state_to, payload_json)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, event.TaskID, event.SessionID, nullIfEmpty(event.TraceID), event.EventType,
			nullIfEmpty(event.StateFrom), event.StateTo, payload)
		if err != nil {
			return fmt.Errorf("append task event for %s: %w", event.TaskID, err)
		}
		return nil
	})
}

// ListTaskEvents returns the most recent limit events for a session,
// oldest first. limit <= 0 means no limit.
func (s *Store) ListTaskEvents(ctx context.Context, sessionID string, limit int) ([]TaskEvent, error) {
	query := `
		SELECT event_id, task_id, session_id, COALESCE(trace_id, ''), event_type,
		       COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE session_id = ?
		ORDER BY event_id DESC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.SessionID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first for display.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
