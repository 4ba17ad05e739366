package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("store: not found")

// CreateSession creates a new session. If id is empty a UUID is generated.
// Creation is idempotent on id: creating a session with an id that already
// exists returns the existing row instead of an error.
func (s *Store) CreateSession(ctx context.Context, id, channelType, title string) (*Session, error) {
	if existing, err := s.GetSession(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) && id != "" {
		return nil, err
	}

	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, channel_type, title, created_at, last_active)
			VALUES (?, ?, ?, ?, ?);
		`, id, channelType, title, now, now)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{ID: id, ChannelType: channelType, Title: title, CreatedAt: now, LastActive: now}, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_type, title, created_at, last_active FROM sessions WHERE id = ?;
	`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.ChannelType, &sess.Title, &sess.CreatedAt, &sess.LastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_type, title, created_at, last_active FROM sessions
		ORDER BY last_active DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ChannelType, &sess.Title, &sess.CreatedAt, &sess.LastActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?;`, title, id)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return checkRowsAffected(res)
}

// TouchSession bumps last_active to now, so ListSessions reflects recency
// of use rather than creation order. The duplex ingress calls it after a
// task's run returns; CreateTask bumps last_active itself in its own
// transaction.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active = ? WHERE id = ?;`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteSession removes a session and cascades to its tasks, task logs and
// schedules via ON DELETE CASCADE (foreign_keys pragma is enabled in Open).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
