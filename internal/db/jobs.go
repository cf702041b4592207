package db

import (
	"context"
	"fmt"
	"time"

	"github.com/warroomhq/warroom/internal/verify"
)

// HorizonJobRepository persists the verifier's due-date queue.
type HorizonJobRepository struct {
	pool Pool
}

func NewHorizonJobRepository(pool Pool) *HorizonJobRepository {
	return &HorizonJobRepository{pool: pool}
}

// InsertJobs stores a batch of horizon jobs in one transaction. The
// (interpretation, horizon) uniqueness absorbs re-scheduling, so a
// replayed interpretation never doubles its jobs.
func (r *HorizonJobRepository) InsertJobs(ctx context.Context, jobs []verify.HorizonJob) error {
	if len(jobs) == 0 {
		return nil
	}
	defer track("insert_horizon_jobs", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO horizon_jobs (
			id, interpretation_id, horizon, due_at, attempts, status,
			last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (interpretation_id, horizon) DO NOTHING
	`

	for i := range jobs {
		job := &jobs[i]
		_, err := tx.Exec(ctx, query,
			job.ID,
			job.InterpretationID,
			job.Horizon,
			job.DueAt,
			job.Attempts,
			job.Status,
			job.LastError,
			job.CreatedAt,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to insert horizon job %s/%s: %w",
				job.InterpretationID, job.Horizon, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit horizon jobs: %w", err)
	}

	return nil
}

// DueJobs returns up to limit pending jobs whose due time has passed,
// earliest due first.
func (r *HorizonJobRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]verify.HorizonJob, error) {
	defer track("due_horizon_jobs", time.Now())

	query := `
		SELECT id, interpretation_id, horizon, due_at, attempts, status,
			last_error, created_at
		FROM horizon_jobs
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due horizon jobs: %w", err)
	}
	defer rows.Close()

	var due []verify.HorizonJob
	for rows.Next() {
		var job verify.HorizonJob
		err := rows.Scan(
			&job.ID, &job.InterpretationID, &job.Horizon, &job.DueAt,
			&job.Attempts, &job.Status, &job.LastError, &job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan horizon job: %w", err)
		}
		due = append(due, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due horizon jobs: %w", err)
	}

	return due, nil
}

// UpdateJob persists a job's retry bookkeeping or terminal status.
func (r *HorizonJobRepository) UpdateJob(ctx context.Context, job *verify.HorizonJob) error {
	defer track("update_horizon_job", time.Now())

	query := `
		UPDATE horizon_jobs
		SET due_at = $2, attempts = $3, status = $4, last_error = $5
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		job.ID, job.DueAt, job.Attempts, job.Status, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to update horizon job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("horizon job %s not found", job.ID)
	}

	return nil
}
