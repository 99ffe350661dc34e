package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduleRun is one execution of a scheduled bridge command.
type ScheduleRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

func (s *Store) RecordScheduleRun(r *ScheduleRun) error {
	res, err := s.db.Exec(`
		INSERT INTO schedule_runs (name, command, status, error, duration_ms, started_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		r.Name, r.Command, r.Status, r.Error, r.DurationMs, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListScheduleRuns returns the latest runs first. An empty name lists every
// schedule; limit <= 0 means no limit.
func (s *Store) ListScheduleRuns(name string, limit int) ([]ScheduleRun, error) {
	query := `SELECT id, name, command, status, error, duration_ms, started_at FROM schedule_runs`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []ScheduleRun
	for rows.Next() {
		var r ScheduleRun
		var runErr sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Command, &r.Status, &runErr, &r.DurationMs, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
