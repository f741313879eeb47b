package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, user_id, source_bucket, source_path, formats, options, brand_kit_id,
	status, progress, zip_path, zip_size_bytes, error_message, retry_count,
	worker_id, created_at, started_at, completed_at, updated_at
`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.ExportJob, error) {
	job := &models.ExportJob{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.SourceBucket, &job.SourcePath,
		&job.Formats, &job.Options, &job.BrandKitID,
		&job.Status, &job.Progress, &job.ZipPath, &job.ZipSizeBytes,
		&job.ErrorMessage, &job.RetryCount, &job.WorkerID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateExportJob(ctx context.Context, job *models.ExportJob) error {
	query := `
		INSERT INTO export_jobs (
			id, user_id, source_bucket, source_path, formats, options,
			brand_kit_id, status, progress
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.UserID, job.SourceBucket, job.SourcePath, job.Formats,
		job.Options, job.BrandKitID, job.Status, job.Progress,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetExportJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("export job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}

	return job, nil
}

// ClaimNextJob atomically hands the oldest queued job to this worker. Rows
// already locked by a concurrent claimer are skipped, so multiple worker
// processes can poll the same table without double-processing. Returns
// (nil, nil) when no claimable job exists.
func (db *DB) ClaimNextJob(ctx context.Context, workerID string) (*models.ExportJob, error) {
	query := `
		UPDATE export_jobs
		SET status = $1, worker_id = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE status = $3
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(db.QueryRowContext(ctx, query, models.JobStatusProcessing, workerID, models.JobStatusQueued))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// UpdateProgress writes a monotonic progress value and optionally transitions
// the mid-flight status (pass "" to keep it). Guarded on the current status
// being non-terminal, so a late write against a canceled job is a no-op.
// Returns false when the guard skipped the write.
func (db *DB) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, status models.JobStatus) (bool, error) {
	query := `
		UPDATE export_jobs
		SET progress = GREATEST(progress, $2),
		    status = COALESCE(NULLIF($3, ''), status),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`

	res, err := db.ExecContext(ctx, query, id, percent, string(status),
		models.JobStatusReady, models.JobStatusFailed, models.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to update progress: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkReady finalizes a successful job: progress 100, output location and size,
// completion timestamp. Returns false when the job was already terminal (e.g.
// canceled while processing) and the write did not apply.
func (db *DB) MarkReady(ctx context.Context, id uuid.UUID, zipPath string, zipSizeBytes int64) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $2, progress = 100, zip_path = $3, zip_size_bytes = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6, $7)
	`

	res, err := db.ExecContext(ctx, query, id, models.JobStatusReady, zipPath, zipSizeBytes,
		models.JobStatusReady, models.JobStatusFailed, models.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to mark job ready: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkFailed finalizes a failed job with the underlying error message. The
// prior progress value is left intact. Returns false when the job was already
// terminal and the write did not apply.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`

	res, err := db.ExecContext(ctx, query, id, models.JobStatusFailed, errorMessage,
		models.JobStatusReady, models.JobStatusFailed, models.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelJob requests external cancellation. An in-flight transcode is not
// interrupted; the status guard on later writes makes them no-ops instead.
func (db *DB) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE export_jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`

	res, err := db.ExecContext(ctx, query, id, models.JobStatusCanceled,
		models.JobStatusReady, models.JobStatusFailed, models.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequeueFailedJobs re-queues failed jobs that still have retry budget,
// incrementing retry_count. Called by the janitor, never by the worker itself.
func (db *DB) RequeueFailedJobs(ctx context.Context, maxRetries int) (int, error) {
	query := `
		UPDATE export_jobs
		SET status = $1, progress = 0, error_message = NULL, worker_id = NULL,
		    started_at = NULL, completed_at = NULL,
		    retry_count = retry_count + 1, updated_at = NOW()
		WHERE status = $2 AND retry_count < $3
	`

	res, err := db.ExecContext(ctx, query, models.JobStatusQueued, models.JobStatusFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
