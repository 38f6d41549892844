package models

import "time"

// JobStatus is the queue status of a dispatched run job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one unit of queued work: drive the flow engine for a run. Jobs are
// never rewound in place; replay happens by enqueueing a new job for the
// same run_id, which is safe because of the step idempotency cache.
type Job struct {
	JobID       string     `json:"job_id"`
	RunID       string     `json:"run_id"`
	TenantID    string     `json:"tenant_id"`
	TaskPayload TaskInput  `json:"task_payload"`
	Status      JobStatus  `json:"status"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
