package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSchedule inserts a new recurring task template.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = time.Now().UTC()

	skillsJSON, err := json.Marshal(nonNilSkills(sched.Skills))
	if err != nil {
		return nil, fmt.Errorf("marshal skills: %w", err)
	}
	bridgesJSON, err := json.Marshal(nonNilBridges(sched.BridgeConfigs))
	if err != nil {
		return nil, fmt.Errorf("marshal bridge configs: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, session_id, name, cron_expr, message, skills, bridge_configs, next_run_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sched.ID, sched.SessionID, sched.Name, sched.CronExpr, sched.Message,
			string(skillsJSON), string(bridgesJSON), sched.NextRunAt, sched.CreatedAt)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}

// DueSchedules returns schedules whose next_run_at has passed, ordered by
// next_run_at ascending so the oldest-overdue schedule fires first.
func (s *Store) DueSchedules(ctx context.Context, asOf time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, message, skills, bridge_configs, next_run_at, last_run_at, created_at
		FROM schedules WHERE next_run_at <= ? ORDER BY next_run_at ASC;
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, message, skills, bridge_configs, next_run_at, last_run_at, created_at
		FROM schedules ORDER BY next_run_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records that a schedule fired at ranAt and advances its
// next_run_at to the given time (computed by the caller from the cron
// expression, since the store has no cron parser dependency of its own).
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
	`, ranAt, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return checkRowsAffected(res)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var skillsJSON, bridgesJSON string
	var lastRunAt sql.NullTime
	if err := row.Scan(
		&sched.ID, &sched.SessionID, &sched.Name, &sched.CronExpr, &sched.Message,
		&skillsJSON, &bridgesJSON, &sched.NextRunAt, &lastRunAt, &sched.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	_ = json.Unmarshal([]byte(skillsJSON), &sched.Skills)
	_ = json.Unmarshal([]byte(bridgesJSON), &sched.BridgeConfigs)
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	return &sched, nil
}
