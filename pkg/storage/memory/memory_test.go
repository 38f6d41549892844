package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/storage"
)

func newTestStore() *Store {
	return New(events.ParseKeyring("", "test_secret"))
}

func TestCreateOrLoadRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r1, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)
	assert.Equal(t, "run_task_1", r1.RunID)
	assert.Equal(t, models.RunStateSubmitted, r1.State)

	require.NoError(t, s.SetRunState(ctx, r1.RunID, models.RunStateWorking))

	r2, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)
	assert.Equal(t, r1.RunID, r2.RunID)
	assert.Equal(t, models.RunStateWorking, r2.State)
}

func TestSetRunStateRejectsUnknownStateAndRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	assert.Error(t, s.SetRunState(ctx, "run_task_1", models.RunState("paused")))
	assert.ErrorIs(t, s.SetRunState(ctx, "run_missing", models.RunStateWorking), storage.ErrRunNotFound)
}

func TestPersistUpdateChainsAndVerifies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	for _, state := range []models.RunState{models.RunStateSubmitted, models.RunStateWorking, models.RunStateCompleted} {
		_, err := s.PersistUpdate(ctx, run.RunID, events.NewStatus("task_1", run.RunID, state, "", nil))
		require.NoError(t, err)
	}

	evs, err := s.ListUpdates(ctx, run.RunID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(1), evs[0].Seq())
	assert.Equal(t, int64(3), evs[2].Seq())

	tail, err := s.ListUpdates(ctx, run.RunID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq())

	report, err := s.VerifyChain(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Checked)

	loaded, err := s.FindRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.LastSeq)
}

func TestVerifyChainFlagsTampering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.PersistUpdate(ctx, run.RunID, events.NewStatus("task_1", run.RunID, models.RunStateWorking, "", nil))
		require.NoError(t, err)
	}

	s.mu.Lock()
	s.eventRows[run.RunID][1].event["status"] = map[string]any{"state": "completed"}
	s.mu.Unlock()

	report, err := s.VerifyChain(ctx, run.RunID)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Bad)
	assert.Equal(t, int64(2), report.Bad[0].Seq)
}

func TestRotatedKeyKeepsOldRowsVerifiable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	_, err = s.PersistUpdate(ctx, run.RunID, events.NewStatus("task_1", run.RunID, models.RunStateSubmitted, "", nil))
	require.NoError(t, err)

	require.NoError(t, s.RotateAuditKey(ctx, "k1", "new_secret", true))

	_, err = s.PersistUpdate(ctx, run.RunID, events.NewStatus("task_1", run.RunID, models.RunStateWorking, "", nil))
	require.NoError(t, err)

	report, err := s.VerifyChain(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, report.OK)

	keys, err := s.ListAuditKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Empty(t, k.Secret)
	}
}

func TestConsumeBudgetEnforcesCaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	limits := models.Limits{"max_tool_calls": 2, "max_cost_units": 100}

	used, err := s.ConsumeBudget(ctx, run.RunID, models.BudgetDelta{ToolCalls: 1, CostUnits: 10}, limits)
	require.NoError(t, err)
	assert.Equal(t, 1, used.ToolCalls)

	used, err = s.ConsumeBudget(ctx, run.RunID, models.BudgetDelta{ToolCalls: 1}, limits)
	require.NoError(t, err)
	assert.Equal(t, 2, used.ToolCalls)

	_, err = s.ConsumeBudget(ctx, run.RunID, models.BudgetDelta{ToolCalls: 1}, limits)
	assert.ErrorIs(t, err, storage.ErrBudgetExceeded)

	loaded, err := s.FindRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.BudgetUsed.ToolCalls, "failed debit must not move counters")
	assert.Equal(t, 10, loaded.BudgetUsed.CostUnits)
}

func TestConsumeBudgetPerToolPerActionCaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	limits := models.Limits{
		"max_tool_calls": 50,
		"per_tool":       map[string]any{"email.send": 1},
		"per_action":     map[string]any{"act_email_send_v1": 1},
	}
	delta := models.BudgetDelta{ToolCalls: 1, Tool: "email.send", ActionID: "act_email_send_v1"}

	used, err := s.ConsumeBudget(ctx, run.RunID, delta, limits)
	require.NoError(t, err)
	assert.Equal(t, 1, used.PerTool["email.send"])
	assert.Equal(t, 1, used.PerAction["act_email_send_v1"])

	_, err = s.ConsumeBudget(ctx, run.RunID, delta, limits)
	assert.ErrorIs(t, err, storage.ErrBudgetExceeded)

	// An uncapped tool still debits under the same limits.
	used, err = s.ConsumeBudget(ctx, run.RunID,
		models.BudgetDelta{ToolCalls: 1, Tool: "crm.get_customer", ActionID: "act_crm_get_customer_v1"}, limits)
	require.NoError(t, err)
	assert.Equal(t, 1, used.PerTool["crm.get_customer"])

	loaded, err := s.FindRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.BudgetUsed.ToolCalls)
	assert.Equal(t, 1, loaded.BudgetUsed.PerTool["email.send"], "rejected debit must not move the sub-map")
}

func TestTerminalStateWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)
	require.Nil(t, s.Snapshot(run.RunID))

	require.NoError(t, s.SetRunState(ctx, run.RunID, models.RunStateWorking))
	assert.Nil(t, s.Snapshot(run.RunID), "non-terminal transitions follow the event cadence only")

	require.NoError(t, s.SetRunState(ctx, run.RunID, models.RunStateCompleted))
	snap := s.Snapshot(run.RunID)
	require.NotNil(t, snap)
	assert.Equal(t, "completed", snap["state"])
}

func TestConsumeLLMQuotaScopesAndLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	tenant := &models.TenantContext{
		TenantID: "tenant_demo",
		LLMQuotas: models.LLMQuotas{
			Tenant: models.ScopeQuota{PerModel: map[string]models.ModelQuota{
				"stub": {MaxCallsPerDay: 2},
			}},
		},
	}
	charge := storage.QuotaCharge{
		Tenant:    tenant,
		TenantID:  "tenant_demo",
		OrgID:     "org_acme",
		UserID:    "user_1",
		Model:     "stub",
		Tokens:    100,
		CostUnits: 5,
		RunID:     "run_task_1",
		Kind:      "select_nodes",
	}

	require.NoError(t, s.ConsumeLLMQuota(ctx, charge))
	require.NoError(t, s.ConsumeLLMQuota(ctx, charge))
	assert.ErrorIs(t, s.ConsumeLLMQuota(ctx, charge), storage.ErrQuotaExceeded)

	usage, err := s.BillingDaily(ctx, "tenant_demo", "", "")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(2), usage[0].Calls)
	assert.Equal(t, int64(200), usage[0].Tokens)

	ledger := s.Ledger()
	require.Len(t, ledger, 2)
	assert.Equal(t, "select_nodes", ledger[0].Kind)

	orgUsage, err := s.BillingDaily(ctx, "", "org_acme", "")
	require.NoError(t, err)
	require.Len(t, orgUsage, 1)
	assert.Equal(t, int64(2), orgUsage[0].Calls, "rejected call must not debit org scope")
}

func TestHitFixedWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for i := 0; i < 3; i++ {
		_, _, err := s.Hit(ctx, "tenant:tenant_demo", 3)
		require.NoError(t, err)
	}
	remaining, resetIn, err := s.Hit(ctx, "tenant:tenant_demo", 3)
	assert.ErrorIs(t, err, storage.ErrRateLimited)
	assert.Equal(t, 0, remaining)
	assert.LessOrEqual(t, resetIn, 60)

	// Other keys keep their own window.
	_, _, err = s.Hit(ctx, "user:user_1", 3)
	assert.NoError(t, err)
}

func TestApprovalDecisionWait(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.ApprovalWait = 2 * time.Second
	s.ApprovalPoll = 10 * time.Millisecond

	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	id, err := s.CreateApprovalRequest(ctx, run.RunID, map[string]any{"reason": "requires_approval"})
	require.NoError(t, err)
	assert.Equal(t, "apr_run_task_1", id)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.SetApprovalDecision(ctx, run.RunID, models.ApprovalDecision{
			Decision: "approved", By: "alice", TS: time.Now().UTC().Format(time.RFC3339),
		})
	}()

	decision, err := s.WaitForApproval(ctx, id)
	require.NoError(t, err)
	assert.True(t, decision.Approved())
	assert.Equal(t, "alice", decision.By)

	apr, err := s.GetApproval(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, apr.Decision)
	require.NotNil(t, apr.DecidedAt)
}

func TestApprovalWaitTimesOutAsSystemDenial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.ApprovalWait = 30 * time.Millisecond
	s.ApprovalPoll = 5 * time.Millisecond

	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)
	id, err := s.CreateApprovalRequest(ctx, run.RunID, nil)
	require.NoError(t, err)

	decision, err := s.WaitForApproval(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "denied", decision.Decision)
	assert.Equal(t, "system", decision.By)
	assert.Equal(t, "timeout", decision.TS)
}

func TestStepCacheRoundTripAndMiss(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	miss, err := s.GetStepResult(ctx, "idem_none")
	require.NoError(t, err)
	assert.Nil(t, miss)

	res := &models.StepResult{
		StepID: "s3", ActionID: "act_ticket_create_v1", Tool: "ticket.create",
		Status: models.StepSucceeded, Attempts: 1,
		Output: map[string]any{"ticket_id": "tkt_5001"},
	}
	require.NoError(t, s.SaveStepResult(ctx, "idem_abc", res))

	hit, err := s.GetStepResult(ctx, "idem_abc")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "tkt_5001", hit.Output["ticket_id"])
}

func TestJobQueueClaimCompleteRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	task := &models.TaskInput{TaskID: "task_1", TenantID: "tenant_demo", UserMessage: "refund"}
	id1, err := s.Enqueue(ctx, "run_task_1", "tenant_demo", task)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "run_task_2", "tenant_demo", task)
	require.NoError(t, err)

	j, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, id1, j.JobID, "oldest job first")
	assert.Equal(t, models.JobRunning, j.Status)
	assert.Equal(t, "w1", j.LockedBy)

	require.NoError(t, s.Requeue(ctx, j.JobID))
	j2, err := s.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, id1, j2.JobID)

	require.NoError(t, s.Complete(ctx, j2.JobID, true, ""))
	done, ok := s.FindJob(j2.JobID)
	require.True(t, ok)
	assert.Equal(t, models.JobDone, done.Status)
	assert.Nil(t, done.LockedAt)

	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1")
	assert.ErrorIs(t, err, storage.ErrNoJobsAvailable)
}

func TestRequeueOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	task := &models.TaskInput{TaskID: "task_1", TenantID: "tenant_demo", UserMessage: "refund"}
	_, err := s.Enqueue(ctx, "run_task_1", "tenant_demo", task)
	require.NoError(t, err)
	j, err := s.Claim(ctx, "w1")
	require.NoError(t, err)

	stale := s.now().UTC().Add(-10 * time.Minute)
	s.mu.Lock()
	s.jobs[j.JobID].LockedAt = &stale
	s.mu.Unlock()

	n, err := s.RequeueOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	back, ok := s.FindJob(j.JobID)
	require.True(t, ok)
	assert.Equal(t, models.JobQueued, back.Status)
}

func TestTryLockTenantSlots(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.TenantSlots = 2

	rel1, ok, err := s.TryLockTenant(ctx, "tenant_demo")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.TryLockTenant(ctx, "tenant_demo")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLockTenant(ctx, "tenant_demo")
	require.NoError(t, err)
	assert.False(t, ok, "slots exhausted")

	_, ok, err = s.TryLockTenant(ctx, "tenant_other")
	require.NoError(t, err)
	assert.True(t, ok, "slots are per tenant")

	rel1()
	rel1() // double release must not free a second slot
	_, ok, err = s.TryLockTenant(ctx, "tenant_demo")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r1, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)
	_, err = s.CreateOrLoadRun(ctx, "task_2", "tenant_other")
	require.NoError(t, err)

	title := "Refund for Nina"
	_, err = s.UpdateRunMetadata(ctx, r1.RunID, &title, []string{"support"})
	require.NoError(t, err)
	require.NoError(t, s.SetRunState(ctx, r1.RunID, models.RunStateCompleted))

	runs, err := s.ListRuns(ctx, storage.RunFilter{TenantID: "tenant_demo"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.RunID, runs[0].RunID)

	runs, err = s.ListRuns(ctx, storage.RunFilter{State: models.RunStateCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, storage.RunFilter{Tag: "support", Query: "nina"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, storage.RunFilter{Query: "no-such"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSnapshotEveryN(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	run, err := s.CreateOrLoadRun(ctx, "task_1", "tenant_demo")
	require.NoError(t, err)

	for i := 0; i < defaultSnapshotEvery; i++ {
		_, err := s.PersistUpdate(ctx, run.RunID, events.NewStatus("task_1", run.RunID, models.RunStateWorking, "", nil))
		require.NoError(t, err)
	}
	snap := s.Snapshot(run.RunID)
	require.NotNil(t, snap)
	assert.Equal(t, int64(defaultSnapshotEvery), snap["last_seq"])
}
