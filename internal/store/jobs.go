package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
)

const jobColumns = `job_id, kind, status, attempts, last_error, scheduled_at, started_at, finished_at`

// EnqueueJob persists a pending job of the given kind.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, kind string, scheduledAt time.Time) (*model.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}
	j := model.Job{ID: id.String(), Kind: kind, Status: model.JobPending, ScheduledAt: scheduledAt.UTC()}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, kind, status, attempts, scheduled_at) VALUES (?, ?, ?, 0, ?)`,
		j.ID, j.Kind, string(j.Status), formatTime(j.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &j, nil
}

// EnqueueJobOnce is EnqueueJob unless a job of the same kind is already
// pending or running, in which case it enqueues nothing and returns nil.
func (s *SQLiteStore) EnqueueJobOnce(ctx context.Context, kind string, scheduledAt time.Time) (*model.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}
	j := model.Job{ID: id.String(), Kind: kind, Status: model.JobPending, ScheduledAt: scheduledAt.UTC()}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, kind, status, attempts, scheduled_at)
		 SELECT ?, ?, ?, 0, ?
		 WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE kind = ? AND status IN (?, ?))`,
		j.ID, j.Kind, string(j.Status), formatTime(j.ScheduledAt),
		kind, string(model.JobPending), string(model.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return &j, nil
}

// ClaimJob moves the oldest due pending job to running and counts the
// attempt. It returns nil when no job is due.
func (s *SQLiteStore) ClaimJob(ctx context.Context, now time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, job_id LIMIT 1`, string(model.JobPending), formatTime(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	started := now.UTC()
	j.Status = model.JobRunning
	j.Attempts++
	j.StartedAt = &started
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, started_at = ? WHERE job_id = ?`,
		string(j.Status), j.Attempts, formatTime(started), j.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// FinishJob records the outcome of a running job. A failed job with attempts
// left goes back to pending at retryAt; otherwise it is terminal.
func (s *SQLiteStore) FinishJob(ctx context.Context, j model.Job, runErr error, maxAttempts int, now, retryAt time.Time) (*model.Job, error) {
	finished := now.UTC()
	switch {
	case runErr == nil:
		j.Status = model.JobCompleted
		j.LastError = ""
		j.FinishedAt = &finished
	case j.Attempts < maxAttempts:
		j.Status = model.JobPending
		j.LastError = runErr.Error()
		j.ScheduledAt = retryAt.UTC()
	default:
		j.Status = model.JobFailed
		j.LastError = runErr.Error()
		j.FinishedAt = &finished
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, scheduled_at = ?, finished_at = ? WHERE job_id = ?`,
		string(j.Status), nullable(j.LastError), formatTime(j.ScheduledAt), formatTimePtr(j.FinishedAt), j.ID)
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return &j, nil
}

// ReclaimStaleJobs finishes the attempt of every job left running since
// before startedBefore, as a runner that crashed mid-job would leave it.
// Jobs with attempts left go back to pending at now; the rest fail.
func (s *SQLiteStore) ReclaimStaleJobs(ctx context.Context, startedBefore, now time.Time, maxAttempts int) (int, error) {
	const abandoned = "abandoned while running"
	ts := formatTime(now.UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
			last_error = ?,
			scheduled_at = CASE WHEN attempts >= ? THEN scheduled_at ELSE ? END,
			finished_at = CASE WHEN attempts >= ? THEN ? ELSE NULL END
		 WHERE status = ? AND started_at < ?`,
		maxAttempts, string(model.JobFailed), string(model.JobPending),
		abandoned,
		maxAttempts, ts,
		maxAttempts, ts,
		string(model.JobRunning), formatTime(startedBefore.UTC()))
	if err != nil {
		return 0, fmt.Errorf("reclaim jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneJobs deletes completed and failed jobs that finished before cutoff.
func (s *SQLiteStore) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND finished_at < ?`,
		string(model.JobCompleted), string(model.JobFailed), formatTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob returns a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// ListJobs returns jobs with the given status (all when empty), newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_at DESC, job_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (model.Job, error) {
	var j model.Job
	var lastErr, startedAt, finishedAt sql.NullString
	var scheduledAt string
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Attempts, &lastErr, &scheduledAt, &startedAt, &finishedAt)
	if err != nil {
		return j, err
	}
	j.LastError = stringOf(lastErr)
	j.ScheduledAt = parseTime(scheduledAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	return j, nil
}
