package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
)

const jobColumns = `id, job_id, order_id, status, attempts, error_message, worker_id, created_at, updated_at, processed_at`

// CreateJob inserts a queued job for orderID.
func (s *Store) CreateJob(ctx context.Context, jobID string, orderID int64) (models.Job, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO jobs (job_id, order_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		RETURNING `+jobColumns, jobID, orderID, models.JobQueued)
	j, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// MarkJobProcessing claims a queued job for workerID and counts the attempt.
// Jobs in any other state yield ErrNotClaimable; unknown ids yield ErrNotFound.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID, workerID string) (models.Job, error) {
	q := s.conn(ctx)
	row := q.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, worker_id = $4, updated_at = NOW()
		WHERE job_id = $1 AND status = $3
		RETURNING `+jobColumns, jobID, models.JobProcessing, models.JobQueued, workerID)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}

	var status string
	err = q.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("read job status: %w", err)
	}
	return models.Job{}, fmt.Errorf("job %s is %s: %w", jobID, status, apperr.ErrNotClaimable)
}

// MarkJobCompleted finishes a job and stamps processed_at.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID string) error {
	return s.updateJob(ctx, `
		UPDATE jobs SET status = $2, error_message = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.JobCompleted)
}

// MarkJobFailed records the failure message on a job.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	return s.updateJob(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, processed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.JobFailed, message)
}

// TouchJob refreshes updated_at after a job message was re-enqueued.
func (s *Store) TouchJob(ctx context.Context, jobID string) error {
	return s.updateJob(ctx, `UPDATE jobs SET updated_at = NOW() WHERE job_id = $1`, jobID)
}

func (s *Store) updateJob(ctx context.Context, sql, jobID string, args ...any) error {
	tag, err := s.conn(ctx).Exec(ctx, sql, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
	}
	return nil
}

// GetJob fetches a job by its producer-assigned id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// ListJobs returns every job ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// StaleQueuedJobs lists queued jobs not touched since before, joined with
// the order fields needed to rebuild their queue message.
func (s *Store) StaleQueuedJobs(ctx context.Context, before time.Time, limit int) ([]models.PendingJob, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT j.job_id, j.order_id, o.product, o.quantity, o.price
		FROM jobs j
		JOIN orders o ON o.id = j.order_id
		WHERE j.status = $1 AND j.updated_at < $2
		ORDER BY j.id
		LIMIT $3
	`, models.JobQueued, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var out []models.PendingJob
	for rows.Next() {
		var p models.PendingJob
		if err := rows.Scan(&p.JobID, &p.OrderID, &p.Product, &p.Quantity, &p.Price); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var errMsg, workerID pgtype.Text
	var processed pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.JobID, &j.OrderID, &j.Status, &j.Attempts, &errMsg, &workerID, &j.CreatedAt, &j.UpdatedAt, &processed); err != nil {
		return models.Job{}, err
	}
	j.ErrorMessage = textPtr(errMsg)
	j.WorkerID = textPtr(workerID)
	j.ProcessedAt = timePtr(processed)
	return j, nil
}
