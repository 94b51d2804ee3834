package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"commsgate/internal/models"
)

const jobColumns = `id, type, payload, status, idempotency_key, run_at, attempts, max_attempts,
	last_error, leased_until, created_at, updated_at`

// InsertJob inserts a new job. When the job carries an idempotency key that
// is already taken, nothing is written and the existing job's ID is returned
// with inserted=false.
func (db *DB) InsertJob(ctx context.Context, job *models.Job) (id string, inserted bool, err error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO retry_jobs (id, type, payload, status, idempotency_key, run_at, attempts,
		                        max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, job.ID, string(job.Type), string(job.Payload), job.Status, nullString(job.IdempotencyKey),
		job.RunAt.UTC(), job.Attempts, job.MaxAttempts, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert job: rows affected: %w", err)
	}
	if n > 0 {
		return job.ID, true, nil
	}

	existing, err := db.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return "", false, fmt.Errorf("insert job: lookup existing: %w", err)
	}
	return existing.ID, false, nil
}

// GetJob retrieves a job by its ID
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM retry_jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetJobByIdempotencyKey retrieves a job by its idempotency key
func (db *DB) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM retry_jobs WHERE idempotency_key = ?", key)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get job by key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs with optional status filtering, newest first
func (db *DB) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	query := "SELECT " + jobColumns + " FROM retry_jobs WHERE 1=1"
	args := []interface{}{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// DuePendingJobs returns up to limit pending jobs whose run_at has passed,
// oldest first.
func (db *DB) DuePendingJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+jobColumns+` FROM retry_jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC
		LIMIT ?
	`, models.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ClaimJob moves a pending job to processing. It returns false when the job
// is no longer pending (another sweeper got it first).
func (db *DB) ClaimJob(ctx context.Context, id string, leaseUntil, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, leased_until = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusProcessing, leaseUntil.UTC(), now.UTC(), id, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// CompleteJob marks a job completed
func (db *DB) CompleteJob(ctx context.Context, id string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, leased_until = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusCompleted, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// RescheduleJob records a failed attempt and puts the job back to pending
func (db *DB) RescheduleJob(ctx context.Context, id string, attempts int, lastError string, runAt, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, attempts = ?, last_error = ?, run_at = ?, leased_until = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusPending, attempts, nullString(lastError), runAt.UTC(), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return nil
}

// DeferJob puts a job back to pending at runAt without counting an attempt
func (db *DB) DeferJob(ctx context.Context, id string, runAt, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, run_at = ?, leased_until = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusPending, runAt.UTC(), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("defer job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job failed without writing a dead-letter record
func (db *DB) FailJob(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, attempts = ?, last_error = ?, leased_until = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusFailed, attempts, nullString(lastError), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// MoveToDeadLetter writes the dead-letter record and marks the job failed in
// one transaction. A job already present in the DLQ is left untouched and
// reported with inserted=false.
func (db *DB) MoveToDeadLetter(ctx context.Context, job *models.Job, attempts int, finalError string, failedAt time.Time) (inserted bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("move to dlq: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (original_job_id, type, payload, attempts, final_error, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(original_job_id) DO NOTHING
	`, job.ID, string(job.Type), string(job.Payload), attempts, finalError,
		job.CreatedAt.UTC(), failedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("move to dlq: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("move to dlq: rows affected: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, attempts = ?, last_error = ?, leased_until = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusFailed, attempts, nullString(finalError), failedAt.UTC(), job.ID)
	if err != nil {
		return false, fmt.Errorf("move to dlq: update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("move to dlq: commit: %w", err)
	}
	return n > 0, nil
}

// ReleaseJob returns a processing job to pending without touching its
// attempts, so the next sweep picks it up again.
func (db *DB) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, leased_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusPending, now.UTC(), id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

// RecoverExpiredLeases returns processing jobs whose lease has expired to
// pending. Such jobs were abandoned by a sweep that never finished.
func (db *DB) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE retry_jobs
		SET status = ?, leased_until = NULL, updated_at = ?
		WHERE status = ? AND leased_until < ?
	`, models.StatusPending, now.UTC(), models.StatusProcessing, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover leases: %w", err)
	}
	return res.RowsAffected()
}

// ListDeadLetters returns dead-letter records, newest first
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, original_job_id, type, payload, attempts, final_error, created_at, failed_at
		FROM dead_letter_queue ORDER BY failed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	records := []models.DeadLetterRecord{}
	for rows.Next() {
		var r models.DeadLetterRecord
		var jobType, payload string
		if err := rows.Scan(&r.ID, &r.OriginalJobID, &jobType, &payload, &r.Attempts,
			&r.FinalError, &r.CreatedAt, &r.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		r.Type = models.JobType(jobType)
		r.Payload = []byte(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

// JobStats counts jobs by status
func (db *DB) JobStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM retry_jobs GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("job stats: %w", err)
		}
		switch status {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusProcessing:
			stats.Processing = n
		case models.StatusCompleted:
			stats.Completed = n
		case models.StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var jobType, payload string
	var idempotencyKey, lastError sql.NullString
	var leasedUntil sql.NullTime

	err := row.Scan(&job.ID, &jobType, &payload, &job.Status, &idempotencyKey, &job.RunAt,
		&job.Attempts, &job.MaxAttempts, &lastError, &leasedUntil, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Payload = []byte(payload)
	job.IdempotencyKey = idempotencyKey.String
	job.LastError = lastError.String
	if leasedUntil.Valid {
		t := leasedUntil.Time
		job.LeasedUntil = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
