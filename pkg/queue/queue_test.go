package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/flow"
	"github.com/aetherhq/aether/pkg/hydrator"
	"github.com/aetherhq/aether/pkg/index"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/planner"
	"github.com/aetherhq/aether/pkg/storage"
	"github.com/aetherhq/aether/pkg/storage/memory"
	"github.com/aetherhq/aether/pkg/tools"
)

type staticRegistry struct{ reg *models.Registry }

func (s staticRegistry) LoadFor(*models.TaskInput) (*models.Registry, error) { return s.reg, nil }

type staticTenants struct{ tc *models.TenantContext }

func (s staticTenants) LoadTenantContext(tenantID string) (*models.TenantContext, error) {
	if s.tc != nil {
		return s.tc, nil
	}
	return models.DefaultTenantContext(tenantID), nil
}

func supportRegistry() *models.Registry {
	return &models.Registry{
		RegistryID:    "reg_support",
		SchemaVersion: "1.0",
		Actions: []models.Action{
			{ActionID: "act_crm_get_customer_v1", Tool: "crm.get_customer"},
			{ActionID: "act_memory_search_v1", Tool: "memory.search"},
			{ActionID: "act_ticket_create_v1", Tool: "ticket.create", SideEffect: true,
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}, CostUnits: 2},
			{ActionID: "act_ticket_add_comment_v1", Tool: "ticket.add_comment", SideEffect: true,
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}},
			{ActionID: "act_draft_reply_v1", Tool: "internal.llm.draft_reply"},
			{ActionID: "act_email_send_v1", Tool: "email.send", SideEffect: true,
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}},
		},
		Limits: models.Limits{"max_tool_calls": 50},
	}
}

func testEngine(t *testing.T, store *memory.Store, tenants staticTenants) *flow.Engine {
	t.Helper()
	eng, err := flow.New(flow.Deps{
		Store:    store,
		Registry: staticRegistry{supportRegistry()},
		Tenants:  tenants,
		Trees:    index.NewInMemory(),
		Hydrator: hydrator.NewStub(),
		Planner:  planner.NewStub(),
		Tools:    tools.NewStub(),
	})
	require.NoError(t, err)
	return eng
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.OrphanScanInterval = 10 * time.Millisecond
	cfg.OrphanThreshold = time.Millisecond
	return cfg
}

func TestDispatcherSubmitEnqueues(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	d := NewDispatcher(store, staticTenants{}, nil)
	task := &models.TaskInput{TaskID: "task_q1", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	res, err := d.Submit(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "run_task_q1", res.Run.RunID)
	require.NotEmpty(t, res.JobID)

	job, ok := store.FindJob(res.JobID)
	require.True(t, ok)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, "run_task_q1", job.RunID)

	run, err := store.FindRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.TaskInput)
	assert.Equal(t, "refund please", run.TaskInput.UserMessage)

	// Re-submission resolves the same run but queues a fresh job.
	res2, err := d.Submit(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, res.Run.RunID, res2.Run.RunID)
	assert.NotEqual(t, res.JobID, res2.JobID)
}

func TestDispatcherRejectsInvalidTask(t *testing.T) {
	store := memory.New(events.ParseKeyring("", "test_secret"))
	d := NewDispatcher(store, staticTenants{}, nil)

	_, err := d.Submit(context.Background(), &models.TaskInput{TaskID: "task_bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required task fields")
}

func TestDispatcherRateLimitsSubmissions(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	tenant := models.DefaultTenantContext("tenant_demo")
	tenant.RateLimits = models.RateLimits{TenantRPM: 2}
	d := NewDispatcher(store, staticTenants{tc: tenant}, nil)

	for i, taskID := range []string{"task_rl1", "task_rl2"} {
		_, err := d.Submit(ctx, &models.TaskInput{TaskID: taskID, TenantID: "tenant_demo",
			UserMessage: "hi"})
		require.NoError(t, err, "submission %d within the window", i+1)
	}

	_, err := d.Submit(ctx, &models.TaskInput{TaskID: "task_rl3", TenantID: "tenant_demo",
		UserMessage: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrRateLimited)
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	d := NewDispatcher(store, staticTenants{}, nil)
	pool := NewWorkerPool("pod-test", store, testEngine(t, store, staticTenants{}), testConfig(), nil)

	res, err := d.Submit(ctx, &models.TaskInput{TaskID: "task_work", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"})
	require.NoError(t, err)

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, ok := store.FindJob(res.JobID)
		return ok && job.Status == models.JobDone
	}, 5*time.Second, 10*time.Millisecond, "job must finish")

	run, err := store.FindRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)
	assert.Equal(t, 6, run.BudgetUsed.ToolCalls)

	health := pool.Health()
	require.Len(t, health, 1)
	assert.Equal(t, 1, health[0].JobsProcessed)
}

func TestWorkerRequeuesWhenTenantBusy(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	d := NewDispatcher(store, staticTenants{}, nil)

	// Hold every slot of the tenant so the worker cannot start the run.
	rel1, ok, err := store.TryLockTenant(ctx, "tenant_enterprise_eu")
	require.NoError(t, err)
	require.True(t, ok)
	rel2, ok, err := store.TryLockTenant(ctx, "tenant_enterprise_eu")
	require.NoError(t, err)
	require.True(t, ok)
	defer rel2()

	res, err := d.Submit(ctx, &models.TaskInput{TaskID: "task_busy", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"})
	require.NoError(t, err)

	pool := NewWorkerPool("pod-busy", store, testEngine(t, store, staticTenants{}), testConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()

	// The job bounces between claimed and queued but never completes.
	time.Sleep(50 * time.Millisecond)
	job, ok := store.FindJob(res.JobID)
	require.True(t, ok)
	assert.NotEqual(t, models.JobDone, job.Status)
	assert.NotEqual(t, models.JobFailed, job.Status)

	// Freeing one slot lets the run through.
	rel1()
	require.Eventually(t, func() bool {
		job, ok := store.FindJob(res.JobID)
		return ok && job.Status == models.JobDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolRequeuesOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))

	run, err := store.CreateOrLoadRun(ctx, "task_orphan", "tenant_demo")
	require.NoError(t, err)
	jobID, err := store.Enqueue(ctx, run.RunID, "tenant_demo",
		&models.TaskInput{TaskID: "task_orphan", TenantID: "tenant_demo", UserMessage: "hi"})
	require.NoError(t, err)

	// Simulate a worker that claimed the job and died.
	claimed, err := store.Claim(ctx, "pod-dead-worker-0")
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.JobID)

	cfg := testConfig()
	cfg.Workers = 0
	pool := NewWorkerPool("pod-scan", store, testEngine(t, store, staticTenants{}), cfg, nil)
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, ok := store.FindJob(jobID)
		return ok && job.Status == models.JobQueued && job.LockedBy == ""
	}, 5*time.Second, 5*time.Millisecond, "stale lock must be re-queued")
}

func TestWorkerMarksAbortedRunFailed(t *testing.T) {
	ctx := context.Background()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	d := NewDispatcher(store, staticTenants{}, nil)

	// crash_after_step makes the executor abort mid-plan.
	res, err := d.Submit(ctx, &models.TaskInput{TaskID: "task_abort", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please", Metadata: map[string]any{"crash_after_step": "s3"}})
	require.NoError(t, err)

	pool := NewWorkerPool("pod-abort", store, testEngine(t, store, staticTenants{}), testConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, ok := store.FindJob(res.JobID)
		return ok && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	// A later re-submission replays the run through the step cache.
	res2, err := d.Submit(ctx, &models.TaskInput{TaskID: "task_abort", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, ok := store.FindJob(res2.JobID)
		return ok && job.Status == models.JobDone
	}, 5*time.Second, 10*time.Millisecond)

	run, err := store.FindRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)
}
