// Package queue provides durable run dispatch: admission-controlled
// submission, polling workers that drive the flow engine, and a pool with
// orphan recovery and projection refresh.
package queue

import (
	"errors"
	"time"

	"github.com/aetherhq/aether/pkg/storage"
)

// Sentinel errors for queue operations.
var (
	// ErrTenantBusy indicates every concurrency slot of the job's tenant
	// is held; the job goes back to the queue.
	ErrTenantBusy = errors.New("tenant concurrency slots exhausted")
)

// Store is the storage surface the queue runs against: the flow engine's
// capability set plus the job queue and tenant locks.
type Store interface {
	storage.Store
	storage.JobQueue
	storage.TenantLocker
}

// Config controls worker polling, job liveness, and background maintenance.
type Config struct {
	// Workers is the number of worker goroutines per process.
	Workers int

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration

	// PollIntervalJitter is random jitter added to PollInterval so workers
	// across replicas do not thunder on the queue together.
	PollIntervalJitter time.Duration

	// RunTimeout bounds one run execution end to end.
	RunTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes its job lock.
	HeartbeatInterval time.Duration

	// OrphanScanInterval is how often to scan for jobs whose worker died.
	OrphanScanInterval time.Duration

	// OrphanThreshold is how stale a job lock must be before the job is
	// re-queued. Replay is safe: the step cache absorbs re-execution.
	OrphanThreshold time.Duration

	// MVRefreshInterval paces the background materialized view refresh.
	MVRefreshInterval time.Duration
}

// DefaultConfig returns the built-in queue defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:            4,
		PollInterval:       300 * time.Millisecond,
		PollIntervalJitter: 100 * time.Millisecond,
		RunTimeout:         15 * time.Minute,
		HeartbeatInterval:  3 * time.Second,
		OrphanScanInterval: 30 * time.Second,
		OrphanThreshold:    60 * time.Second,
		MVRefreshInterval:  15 * time.Second,
	}
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentRunID  string       `json:"current_run_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}
