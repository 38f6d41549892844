package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/storage"
)

// Enqueue implements storage.JobQueue.
func (s *Store) Enqueue(ctx context.Context, runID, tenantID string, task *models.TaskInput) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("enqueue job: marshal: %w", err)
	}
	jobID := "job_" + uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs(job_id, run_id, tenant_id, task_payload, status) VALUES($1,$2,$3,$4::jsonb,'queued')`,
		jobID, runID, tenantID, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue job for %s: %w", runID, err)
	}
	return jobID, nil
}

// Claim implements storage.JobQueue with a single-statement skip-locked
// dequeue, so concurrent workers never claim the same job.
func (s *Store) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH cte AS (
		  SELECT job_id FROM jobs
		  WHERE status='queued'
		  ORDER BY updated_at ASC
		  FOR UPDATE SKIP LOCKED
		  LIMIT 1
		)
		UPDATE jobs j SET status='running', locked_at=now(), locked_by=$1, updated_at=now()
		FROM cte WHERE j.job_id=cte.job_id
		RETURNING j.job_id, j.run_id, j.tenant_id, j.task_payload, j.status, j.locked_at, j.locked_by, j.created_at, j.updated_at`,
		workerID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete implements storage.JobQueue.
func (s *Store) Complete(ctx context.Context, jobID string, ok bool, errMsg string) error {
	status := "done"
	if !ok {
		status = "failed"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$1, locked_at=NULL, locked_by=NULL, updated_at=now() WHERE job_id=$2`,
		status, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", jobID, storage.ErrJobNotFound)
	}
	if !ok && errMsg != "" {
		// Best effort trail for operators.
		_ = s.AppendAudit(ctx, map[string]any{"type": "worker_job_failed", "job_id": jobID, "error": errMsg})
	}
	return nil
}

// Requeue implements storage.JobQueue.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status='queued', locked_at=NULL, locked_by=NULL, updated_at=now() WHERE job_id=$1`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue job %s: %w", jobID, storage.ErrJobNotFound)
	}
	return nil
}

// Heartbeat implements storage.JobQueue.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET locked_at=now(), updated_at=now() WHERE job_id=$1 AND status='running'`, jobID)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat job %s: %w", jobID, storage.ErrJobNotFound)
	}
	return nil
}

// RequeueOrphans implements storage.JobQueue.
func (s *Store) RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status='queued', locked_at=NULL, locked_by=NULL, updated_at=now()
		 WHERE status='running' AND (locked_at IS NULL OR locked_at < now() - $1::interval)`,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		payload []byte
		status  string
	)
	if err := row.Scan(&j.JobID, &j.RunID, &j.TenantID, &payload, &status,
		&j.LockedAt, &j.LockedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.TaskPayload); err != nil {
			return nil, fmt.Errorf("unmarshal task_payload: %w", err)
		}
	}
	return &j, nil
}
