package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelgrab/internal/job"
)

// JobStore is the data access layer for jobs and their log entries. A nil
// record with a nil error means "no such job".
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, movie_title, quality, magnet, url, save_path, sizes,
	state, progress, error_message, resume_data, metadata, streaming,
	created_at, updated_at`

func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.State == "" {
		j.State = job.StateQueued
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	sizes, err := json.Marshal(j.Sizes)
	if err != nil {
		return fmt.Errorf("marshal sizes: %w", err)
	}
	metadata, err := json.Marshal(j.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.MovieTitle, j.Quality, j.Magnet, j.SourceURL, j.SavePath,
		string(sizes), string(j.State), j.Progress, nullStr(j.ErrorMessage),
		j.ResumeData, string(metadata), j.Streaming, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *JobStore) List(ctx context.Context) ([]job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
}

// ListActive returns jobs in non-terminal states, the set re-attached on
// startup and reconciled against the in-memory map every tick.
func (s *JobStore) ListActive(ctx context.Context) ([]job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+`
		FROM jobs WHERE state NOT IN ('finished', 'error', 'stopped')
		ORDER BY created_at`)
}

func (s *JobStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs
		WHERE state NOT IN ('finished', 'error', 'stopped')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (s *JobStore) query(ctx context.Context, q string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateStatus writes the reconciled state, progress and metrics snapshot.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, state job.State, progress float64, metrics job.Metrics) error {
	metadata, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs
		SET state = ?, progress = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		string(state), progress, string(metadata), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// SetState moves the job to state. errorMessage is only stored for the
// error state and cleared otherwise.
func (s *JobStore) SetState(ctx context.Context, id string, state job.State, errorMessage string) error {
	if state != job.StateError {
		errorMessage = ""
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET state = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(state), nullStr(errorMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job state: %w", err)
	}
	return nil
}

func (s *JobStore) SetProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

func (s *JobStore) SaveResumeData(ctx context.Context, id string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET resume_data = ?, updated_at = ? WHERE id = ?`,
		blob, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("save resume data: %w", err)
	}
	return nil
}

func (s *JobStore) SetStreaming(ctx context.Context, id string, streaming bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET streaming = ?, updated_at = ? WHERE id = ?`,
		streaming, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set streaming flag: %w", err)
	}
	return nil
}

// Delete removes the job; its log entries go with it via the cascade.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *JobStore) AppendLog(ctx context.Context, entry job.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "INFO"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, timestamp, message, level, state, progress, download_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Timestamp, entry.Message, entry.Level,
		nullStr(string(entry.State)), entry.Progress, entry.DownloadRate)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// Logs returns the most recent entries for a job, newest first.
func (s *JobStore) Logs(ctx context.Context, jobID string, limit int) ([]job.LogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, timestamp, message, level, state, progress, download_rate
		FROM job_logs WHERE job_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var entries []job.LogEntry
	for rows.Next() {
		var e job.LogEntry
		var state, message sql.NullString
		var progress, rate sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Timestamp, &message, &e.Level, &state, &progress, &rate); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		e.Message = message.String
		e.State = job.State(state.String)
		e.Progress = progress.Float64
		e.DownloadRate = rate.Float64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var sizes, metadata, errorMessage sql.NullString
	var state string

	err := row.Scan(&j.ID, &j.MovieTitle, &j.Quality, &j.Magnet, &j.SourceURL,
		&j.SavePath, &sizes, &state, &j.Progress, &errorMessage, &j.ResumeData,
		&metadata, &j.Streaming, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.ErrorMessage = errorMessage.String
	if sizes.Valid && sizes.String != "" {
		if err := json.Unmarshal([]byte(sizes.String), &j.Sizes); err != nil {
			return nil, fmt.Errorf("unmarshal sizes: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
