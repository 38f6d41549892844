package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aetherhq/aether/pkg/flow"
	"github.com/aetherhq/aether/pkg/metrics"
	"github.com/aetherhq/aether/pkg/storage"
)

// Worker is a single queue worker: it claims jobs, holds a tenant
// concurrency slot, heartbeats the job lock, and drives the flow engine
// to the run's terminal status.
type Worker struct {
	id       string
	store    Store
	engine   *flow.Engine
	config   *Config
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. m may be nil (unregistered counters).
func NewWorker(id string, store Store, engine *flow.Engine, cfg *Config, m *metrics.Metrics) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Worker{
		id:           id,
		store:        store,
		engine:       engine,
		config:       cfg,
		metrics:      m,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentRunID:  w.currentRunID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, storage.ErrNoJobsAvailable) || errors.Is(err, ErrTenantBusy) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job and drives its run. A job whose
// tenant has no free concurrency slot goes straight back to the queue.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.store.Claim(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.JobID, "run_id", job.RunID, "worker_id", w.id)

	release, ok, err := w.store.TryLockTenant(ctx, job.TenantID)
	if err != nil || !ok {
		if reqErr := w.store.Requeue(ctx, job.JobID); reqErr != nil {
			log.Error("failed to requeue job", "error", reqErr)
		}
		if err != nil {
			return err
		}
		return ErrTenantBusy
	}
	defer release()

	log.Info("job claimed", "tenant_id", job.TenantID)
	w.setStatus(WorkerStatusWorking, job.RunID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.JobID)

	task := job.TaskPayload
	runErr := w.engine.Execute(runCtx, &task, nil)

	cancelHeartbeat()

	// Terminal job status is written with a background context; the run
	// context may already be cancelled or expired.
	status := "done"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
		log.Error("run aborted", "error", runErr)
		if auditErr := w.store.AppendAudit(context.Background(), map[string]any{
			"kind":      "job_failed",
			"job_id":    job.JobID,
			"run_id":    job.RunID,
			"tenant_id": job.TenantID,
			"worker_id": w.id,
			"error":     errMsg,
		}); auditErr != nil {
			log.Warn("audit append failed", "error", auditErr)
		}
	}
	if err := w.store.Complete(context.Background(), job.JobID, runErr == nil, errMsg); err != nil {
		log.Error("failed to complete job", "error", err)
		return err
	}
	w.metrics.JobsProcessed.WithLabelValues(status).Inc()

	if err := w.store.RefreshMaterializedViews(context.Background()); err != nil {
		log.Warn("projection refresh failed", "error", err)
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("job processing complete", "status", status)
	return nil
}

// runHeartbeat periodically refreshes the job lock for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
