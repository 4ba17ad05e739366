package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentplane/control/internal/bus"
)

// AppendLog assigns the next seq for taskID and inserts a log entry within
// a single transaction, so seq assignment and persistence are atomic: two
// concurrent AppendLog calls for the same task can never observe or write
// the same seq, and a crash between assignment and insert is impossible
// because there is no gap between them.
func (s *Store) AppendLog(ctx context.Context, taskID, entryType, content, metadataJSON string) (*TaskLogEntry, error) {
	var entry *TaskLogEntry
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_logs WHERE task_id = ?;`, taskID).Scan(&maxSeq); err != nil {
			return err
		}
		nextSeq := int64(0)
		if maxSeq.Valid {
			nextSeq = maxSeq.Int64 + 1
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, seq, type, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, nextSeq, entryType, content, metadataJSON, now); err != nil {
			return err
		}
		entry = &TaskLogEntry{
			TaskID:    taskID,
			Seq:       nextSeq,
			Type:      entryType,
			Content:   content,
			Metadata:  metadataJSON,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}

	s.publish(bus.StreamPrefix+taskID, bus.TaskLogAppendedEvent{
		TaskID:  entry.TaskID,
		Seq:     entry.Seq,
		Type:    entry.Type,
		Content: entry.Content,
	})
	s.publish(bus.TopicTaskLogAppended, bus.TaskLogAppendedEvent{
		TaskID:  entry.TaskID,
		Seq:     entry.Seq,
		Type:    entry.Type,
		Content: entry.Content,
	})
	return entry, nil
}

// ReadLogs returns log entries for a task with seq > afterSeq, in seq
// order, capped at limit entries (0 means unbounded). Since seq is
// zero-based, callers wanting every entry from the start of the task
// (the ingress layer's "after" query param left unset) must pass -1, not
// 0: passing 0 excludes the very first log entry.
func (s *Store) ReadLogs(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*TaskLogEntry, error) {
	query := `SELECT task_id, seq, type, content, metadata, created_at
		FROM task_logs WHERE task_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{taskID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer rows.Close()

	var out []*TaskLogEntry
	for rows.Next() {
		var e TaskLogEntry
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.Type, &e.Content, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountLogs returns the number of log entries persisted for a task.
func (s *Store) CountLogs(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs WHERE task_id = ?;`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}
