package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered task template.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	AgentID   string     `json:"agent_id,omitempty"`
	Workdir   string     `json:"workdir,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// UpsertSchedule inserts or updates a schedule by name and returns its id.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.ID == "" {
		var existing sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT id FROM schedules WHERE name = ?;`, sched.Name).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return "", fmt.Errorf("lookup schedule %q: %w", sched.Name, err)
		}
		if existing.Valid {
			sched.ID = existing.String
		} else {
			sched.ID = uuid.NewString()
		}
	}
	nextRun := sql.NullTime{}
	if sched.NextRunAt != nil {
		nextRun.Valid = true
		nextRun.Time = *sched.NextRunAt
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, agent_id, workdir, prompt, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				cron_expr = excluded.cron_expr,
				agent_id = excluded.agent_id,
				workdir = excluded.workdir,
				prompt = excluded.prompt,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at,
				updated_at = CURRENT_TIMESTAMP;
		`, sched.ID, sched.Name, sched.CronExpr, sched.AgentID, sched.Workdir, sched.Prompt, sched.Enabled, nextRun)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert schedule %q: %w", sched.Name, err)
	}
	return sched.ID, nil
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, agent_id, workdir, prompt, enabled, next_run_at, last_run_at
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.AgentID, &sched.Workdir, &sched.Prompt, &sched.Enabled, &nextRun, &lastRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// ListSchedules returns all schedules, enabled or not.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, agent_id, workdir, prompt, enabled, next_run_at, last_run_at
		FROM schedules
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.AgentID, &sched.Workdir, &sched.Prompt, &sched.Enabled, &nextRun, &lastRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a fire: last_run_at = ranAt, next_run_at = nextRun.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ranAt, nextRun, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run %q: %w", id, err)
	}
	return nil
}
