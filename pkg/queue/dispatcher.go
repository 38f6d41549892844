package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/registry"
)

// Fallback per-minute submission limits for tenants that configure none.
const (
	defaultTenantRPM = 600
	defaultUserRPM   = 120
	defaultOrgRPM    = 600
)

// Dispatcher admits task submissions: rate limits first, then run
// resolution, then a durable job for the workers.
type Dispatcher struct {
	store   Store
	tenants registry.TenantLoader
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store Store, tenants registry.TenantLoader, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, tenants: tenants, log: log}
}

// SubmitResult is the accepted submission: the resolved run and the queued
// job driving it.
type SubmitResult struct {
	Run   *models.Run `json:"run"`
	JobID string      `json:"job_id"`
}

// Submit validates and rate limits the task, resolves its run, saves the
// immutable task input, and enqueues a job. Re-submitting a task id yields
// the same run with a fresh job; the idempotency cache makes that safe.
// A rate limit overrun wraps storage.ErrRateLimited.
func (d *Dispatcher) Submit(ctx context.Context, task *models.TaskInput) (*SubmitResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	tenant, err := d.tenants.LoadTenantContext(task.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant %s: %w", task.TenantID, err)
	}
	if err := d.rateLimit(ctx, task, tenant.RateLimits); err != nil {
		return nil, err
	}

	run, err := d.store.CreateOrLoadRun(ctx, task.TaskID, task.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving run for task %s: %w", task.TaskID, err)
	}
	if err := d.store.SaveTaskInput(ctx, run.RunID, task); err != nil {
		return nil, fmt.Errorf("saving task input %s: %w", run.RunID, err)
	}

	jobID, err := d.store.Enqueue(ctx, run.RunID, task.TenantID, task)
	if err != nil {
		return nil, fmt.Errorf("enqueueing run %s: %w", run.RunID, err)
	}

	d.log.Info("task accepted", "task_id", task.TaskID, "run_id", run.RunID,
		"tenant_id", task.TenantID, "job_id", jobID)
	return &SubmitResult{Run: run, JobID: jobID}, nil
}

// rateLimit counts the submission against the tenant, user, and org
// fixed windows.
func (d *Dispatcher) rateLimit(ctx context.Context, task *models.TaskInput, rl models.RateLimits) error {
	if _, _, err := d.store.Hit(ctx, "tenant:"+task.TenantID,
		limitOr(rl.TenantRPM, defaultTenantRPM)); err != nil {
		return err
	}
	if task.UserID != "" {
		if _, _, err := d.store.Hit(ctx, "user:"+task.TenantID+":"+task.UserID,
			limitOr(rl.UserRPM, defaultUserRPM)); err != nil {
			return err
		}
	}
	if task.OrgID != "" {
		if _, _, err := d.store.Hit(ctx, "org:"+task.TenantID+":"+task.OrgID,
			limitOr(rl.OrgRPM, defaultOrgRPM)); err != nil {
			return err
		}
	}
	return nil
}

func limitOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
