package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelgrab/internal/catalog"
)

// Sentinel value used as the cross-process mutual-exclusion flag for
// schedule executions.
const StatusRunning = "running"

const StatusInterrupted = "interrupted"

// Schedule is the durable recurring job-creation policy.
type Schedule struct {
	ID             string           `json:"id"`
	Name           string           `json:"name,omitempty"`
	CronExpression string           `json:"cron_expression"`
	Criteria       catalog.Criteria `json:"criteria"`
	Quality        string           `json:"quality"`
	MaxDownloads   int              `json:"max_downloads"`
	Enabled        bool             `json:"enabled"`
	LastRun        *time.Time       `json:"last_run,omitempty"`
	NextRun        time.Time        `json:"next_run"`
	LastRunStatus  string           `json:"last_run_status,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ScheduleLogEntry records one firing of a schedule.
type ScheduleLogEntry struct {
	ID            int64          `json:"id"`
	ScheduleID    string         `json:"schedule_id"`
	ExecutionTime time.Time      `json:"execution_time"`
	Status        string         `json:"status"`
	Message       string         `json:"message,omitempty"`
	Results       map[string]any `json:"results,omitempty"`
}

// ScheduleStore is the data access layer for schedules and their
// execution logs.
type ScheduleStore struct {
	db *DB
}

func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleColumns = `id, name, cron_expression, criteria, quality,
	max_downloads, enabled, last_run, next_run, last_run_status,
	created_at, updated_at`

func (s *ScheduleStore) Create(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.MaxDownloads <= 0 {
		sched.MaxDownloads = 1
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	// next_run takes part in SQL comparisons, which are lexical on the
	// stored string, so it must always be persisted with the UTC offset.
	sched.NextRun = sched.NextRun.UTC()

	criteria, err := json.Marshal(sched.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, nullStr(sched.Name), sched.CronExpression, string(criteria),
		sched.Quality, sched.MaxDownloads, sched.Enabled, sched.LastRun,
		sched.NextRun, nullStr(sched.LastRunStatus), sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

func (s *ScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
}

// ListDue returns enabled schedules whose next_run has passed and which
// are not already marked running.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run <= ?
		AND (last_run_status IS NULL OR last_run_status <> ?)
		ORDER BY next_run`, now.UTC(), StatusRunning)
}

func (s *ScheduleStore) query(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// Update rewrites the mutable definition fields and next_run.
func (s *ScheduleStore) Update(ctx context.Context, sched *Schedule) (bool, error) {
	sched.NextRun = sched.NextRun.UTC()
	criteria, err := json.Marshal(sched.Criteria)
	if err != nil {
		return false, fmt.Errorf("marshal criteria: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE schedules
		SET name = ?, cron_expression = ?, criteria = ?, quality = ?,
		    max_downloads = ?, enabled = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		nullStr(sched.Name), sched.CronExpression, string(criteria),
		sched.Quality, sched.MaxDownloads, sched.Enabled, sched.NextRun,
		time.Now().UTC(), sched.ID)
	if err != nil {
		return false, fmt.Errorf("update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ScheduleStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkRunning is the cross-process execution guard: a conditional update
// that only wins when the schedule is not already running. Returns false
// when another process holds the flag (or the schedule is gone).
func (s *ScheduleStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules
		SET last_run_status = ?, updated_at = ?
		WHERE id = ? AND (last_run_status IS NULL OR last_run_status <> ?)`,
		StatusRunning, time.Now().UTC(), id, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark schedule running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetRunResult records the outcome of a firing and the recomputed
// next_run, clearing the running flag.
func (s *ScheduleStore) SetRunResult(ctx context.Context, id string, lastRun, nextRun time.Time, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules
		SET last_run = ?, next_run = ?, last_run_status = ?, updated_at = ?
		WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule run result: %w", err)
	}
	return nil
}

// SweepRunning flips every schedule stuck in the running state to
// interrupted and returns their IDs. Called on supervisor startup and
// shutdown so a crash mid-execution never leaves a schedule un-runnable.
func (s *ScheduleStore) SweepRunning(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM schedules WHERE last_run_status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running schedules: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schedules
		SET last_run_status = ?, updated_at = ? WHERE last_run_status = ?`,
		StatusInterrupted, time.Now().UTC(), StatusRunning); err != nil {
		return nil, fmt.Errorf("sweep running schedules: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return ids, nil
}

func (s *ScheduleStore) AppendLog(ctx context.Context, entry ScheduleLogEntry) error {
	if entry.ExecutionTime.IsZero() {
		entry.ExecutionTime = time.Now().UTC()
	}
	var results any
	if entry.Results != nil {
		b, err := json.Marshal(entry.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		results = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_logs (schedule_id, execution_time, status, message, results)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ScheduleID, entry.ExecutionTime, entry.Status,
		nullStr(entry.Message), results)
	if err != nil {
		return fmt.Errorf("append schedule log: %w", err)
	}
	return nil
}

// Logs returns the most recent execution records, newest first.
func (s *ScheduleStore) Logs(ctx context.Context, scheduleID string, limit int) ([]ScheduleLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, execution_time, status, message, results
		FROM schedule_logs WHERE schedule_id = ?
		ORDER BY execution_time DESC, id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedule logs: %w", err)
	}
	defer rows.Close()

	var entries []ScheduleLogEntry
	for rows.Next() {
		var e ScheduleLogEntry
		var message, results sql.NullString
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.ExecutionTime, &e.Status, &message, &results); err != nil {
			return nil, fmt.Errorf("scan schedule log: %w", err)
		}
		e.Message = message.String
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &e.Results); err != nil {
				return nil, fmt.Errorf("unmarshal results: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var name, status, criteria sql.NullString
	var lastRun sql.NullTime

	err := row.Scan(&sched.ID, &name, &sched.CronExpression, &criteria,
		&sched.Quality, &sched.MaxDownloads, &sched.Enabled, &lastRun,
		&sched.NextRun, &status, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sched.Name = name.String
	sched.LastRunStatus = status.String
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRun = &t
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &sched.Criteria); err != nil {
			return nil, fmt.Errorf("unmarshal criteria: %w", err)
		}
	}
	return &sched, nil
}
