package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/control/internal/bus"
)

// ErrTerminalTask is returned when a caller attempts to modify a task that
// has already reached a terminal status (completed, failed or canceled).
// Terminal tasks are immutable: the dispatcher's own top-level error
// handling and any late-arriving worker events must all become no-ops once
// a task is done.
var ErrTerminalTask = errors.New("store: task is terminal")

// CreateTask inserts a new task in the pending status and touches the
// owning session's last_active timestamp in the same transaction.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	t.CreatedAt = time.Now().UTC()

	skillsJSON, err := json.Marshal(nonNilSkills(t.Skills))
	if err != nil {
		return nil, fmt.Errorf("marshal skills: %w", err)
	}
	bridgesJSON, err := json.Marshal(nonNilBridges(t.BridgeConfigs))
	if err != nil {
		return nil, fmt.Errorf("marshal bridge configs: %w", err)
	}
	var pushURL, pushAuth string
	var pushEventsJSON = []byte("[]")
	if t.Push != nil {
		pushURL = t.Push.URL
		pushAuth = t.Push.AuthHeader
		if b, err := json.Marshal(nonNilStrings(t.Push.Events)); err == nil {
			pushEventsJSON = b
		}
	}

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, session_id, channel_type, channel_meta, status, message,
				skills, bridge_configs, push_url, push_auth_header, push_events,
				created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.SessionID, t.ChannelType, t.ChannelMeta, t.Status, t.Message,
			string(skillsJSON), string(bridgesJSON), pushURL, pushAuth, string(pushEventsJSON),
			t.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_active = ? WHERE id = ?;`, t.CreatedAt, t.SessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasksBySession returns a session's tasks ordered oldest-first, the
// order in which a channel would want to replay them.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask applies a partial update to a task. It is guarded against
// modifying a task that has already reached a terminal status: the update
// statement's WHERE clause excludes terminal rows, so a late-arriving
// worker event racing a cancellation (or a duplicate terminal event) is
// silently rejected rather than corrupting an already-final record.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	var updated *Task
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		// A single writer connection (SetMaxOpenConns(1)) makes this read
		// within the transaction equivalent to a row lock: no other writer
		// can interleave a commit between this SELECT and the guarded
		// UPDATE below.
		current, err := scanTask(tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrTerminalTask
		}

		sets := []string{}
		args := []any{}
		newStatus := current.Status
		if upd.Status != nil {
			newStatus = *upd.Status
			sets = append(sets, "status = ?")
			args = append(args, string(newStatus))
		}
		if upd.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, *upd.Result)
		}
		if upd.StructuredOut != nil {
			sets = append(sets, "structured_output = ?")
			args = append(args, *upd.StructuredOut)
		}
		if upd.Error != nil {
			sets = append(sets, "error = ?")
			args = append(args, *upd.Error)
		}
		if upd.CostUSD != nil {
			sets = append(sets, "cost_usd = ?")
			args = append(args, *upd.CostUSD)
		}
		if upd.Turns != nil {
			sets = append(sets, "turns = ?")
			args = append(args, *upd.Turns)
		}
		if upd.DurationMillis != nil {
			sets = append(sets, "duration_ms = ?")
			args = append(args, *upd.DurationMillis)
		}
		if upd.WorkerID != nil {
			sets = append(sets, "worker_id = ?")
			args = append(args, *upd.WorkerID)
		}
		if upd.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *upd.StartedAt)
		}
		finishedAt := upd.FinishedAt
		if newStatus.Terminal() && finishedAt == nil && current.FinishedAt == nil {
			now := time.Now().UTC()
			finishedAt = &now
		}
		if finishedAt != nil {
			sets = append(sets, "finished_at = ?")
			args = append(args, *finishedAt)
		}
		if len(sets) == 0 {
			updated = current
			return nil
		}

		query := "UPDATE tasks SET "
		for i, set := range sets {
			if i > 0 {
				query += ", "
			}
			query += set
		}
		query += " WHERE id = ? AND status NOT IN (?, ?, ?);"
		args = append(args, id, string(TaskCompleted), string(TaskFailed), string(TaskCanceled))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTerminalTask
		}

		refreshed, err := scanTask(tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id))
		if err != nil {
			return err
		}
		updated = refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated != nil && updated.Status.Terminal() {
		topic := bus.TopicTaskCompleted
		switch updated.Status {
		case TaskFailed:
			topic = bus.TopicTaskFailed
		case TaskCanceled:
			topic = bus.TopicTaskCanceled
		}
		s.publish(topic, bus.TaskStateChangedEvent{
			TaskID:    updated.ID,
			SessionID: updated.SessionID,
			NewStatus: string(updated.Status),
		})
	}
	return updated, nil
}

// CancelTask forces a task into the canceled status regardless of its
// current non-terminal status, matching the sticky-cancellation semantics:
// the dispatcher's cooperative worker interrupt may still be in flight, but
// the task record itself must not wait for it.
func (s *Store) CancelTask(ctx context.Context, id string) (*Task, error) {
	status := TaskCanceled
	return s.UpdateTask(ctx, id, TaskUpdate{Status: &status})
}

const taskSelectColumns = `SELECT
	id, session_id, channel_type, channel_meta, status, message,
	skills, bridge_configs, push_url, push_auth_header, push_events,
	result, structured_output, error, cost_usd, turns, duration_ms, worker_id,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var skillsJSON, bridgesJSON, pushURL, pushAuth, pushEventsJSON string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.SessionID, &t.ChannelType, &t.ChannelMeta, &t.Status, &t.Message,
		&skillsJSON, &bridgesJSON, &pushURL, &pushAuth, &pushEventsJSON,
		&t.Result, &t.StructuredOut, &t.Error, &t.CostUSD, &t.Turns, &t.DurationMillis, &t.WorkerID,
		&t.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	_ = json.Unmarshal([]byte(skillsJSON), &t.Skills)
	_ = json.Unmarshal([]byte(bridgesJSON), &t.BridgeConfigs)
	var events []string
	_ = json.Unmarshal([]byte(pushEventsJSON), &events)
	if pushURL != "" {
		t.Push = &PushNotification{URL: pushURL, AuthHeader: pushAuth, Events: events}
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return &t, nil
}

func nonNilSkills(s []Skill) []Skill {
	if s == nil {
		return []Skill{}
	}
	return s
}

func nonNilBridges(b []BridgeConfig) []BridgeConfig {
	if b == nil {
		return []BridgeConfig{}
	}
	return b
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func withTx(ctx context.Context, db *sql.DB, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
