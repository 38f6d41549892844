package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/executor"
	"github.com/aetherhq/aether/pkg/hydrator"
	"github.com/aetherhq/aether/pkg/index"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/planner"
	"github.com/aetherhq/aether/pkg/storage/memory"
	"github.com/aetherhq/aether/pkg/tools"
)

func testFlowRegistry() *models.Registry {
	return &models.Registry{
		RegistryID:    "reg_support",
		SchemaVersion: "1.0",
		Actions: []models.Action{
			{ActionID: "act_crm_get_customer_v1", Tool: "crm.get_customer", RetryClass: "transient_retry"},
			{ActionID: "act_memory_search_v1", Tool: "memory.search"},
			{ActionID: "act_ticket_create_v1", Tool: "ticket.create", SideEffect: true,
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}, CostUnits: 2},
			{ActionID: "act_ticket_add_comment_v1", Tool: "ticket.add_comment", SideEffect: true,
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}},
			{ActionID: "act_draft_reply_v1", Tool: "internal.llm.draft_reply"},
			{ActionID: "act_email_send_v1", Tool: "email.send", SideEffect: true, RetryClass: "transient_retry",
				Idempotency: models.IdempotencySpec{Mode: "explicit_key"}},
		},
		RetryClasses: []models.RetryClass{
			{ID: "transient_retry", MaxAttempts: 3, BackoffMS: []int{1, 1},
				RetryOn: []models.ErrorClass{models.ErrorClassRateLimit, models.ErrorClassTransient,
					models.ErrorClassTimeout, models.ErrorClassUpstream}},
		},
		Limits: models.Limits{"max_tool_calls": 50},
	}
}

type staticRegistry struct{ reg *models.Registry }

func (s staticRegistry) LoadFor(*models.TaskInput) (*models.Registry, error) { return s.reg, nil }

type staticTenants struct{ tc *models.TenantContext }

func (s staticTenants) LoadTenantContext(tenantID string) (*models.TenantContext, error) {
	if s.tc != nil {
		return s.tc, nil
	}
	return models.DefaultTenantContext(tenantID), nil
}

type fixture struct {
	store *memory.Store
	tools *tools.Stub
	eng   *Engine
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	store := memory.New(events.ParseKeyring("", "test_secret"))
	store.ApprovalWait = 200 * time.Millisecond
	store.ApprovalPoll = 5 * time.Millisecond

	stub := tools.NewStub()
	deps := Deps{
		Store:    store,
		Registry: staticRegistry{testFlowRegistry()},
		Tenants:  staticTenants{},
		Trees:    index.NewInMemory(),
		Hydrator: hydrator.NewStub(),
		Planner:  planner.NewStub(),
		Tools:    stub,
	}
	for _, o := range opts {
		o(&deps)
	}
	eng, err := New(deps)
	require.NoError(t, err)
	return &fixture{store: store, tools: stub, eng: eng}
}

func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}

func statusStates(evs []events.Event) []models.RunState {
	var out []models.RunState
	for _, ev := range evs {
		if ev.Type() == events.TypeStatus {
			out = append(out, ev.State())
		}
	}
	return out
}

func artifactsOf(evs []events.Event, artifactType string) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type() == events.TypeArtifact && ev.ArtifactType() == artifactType {
			out = append(out, ev)
		}
	}
	return out
}

func stepResult(t *testing.T, ev events.Event) models.StepResult {
	t.Helper()
	sr, ok := ev["artifact"].(models.StepResult)
	require.True(t, ok, "step_result artifact payload has unexpected shape %T", ev["artifact"])
	return sr
}

func TestTaskSendSubscribeHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	task := &models.TaskInput{TaskID: "task_happy", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	assert.Equal(t, []models.RunState{
		models.RunStateSubmitted, models.RunStateWorking, models.RunStateCompleted,
	}, statusStates(evs))

	for _, at := range []string{"tenant", "registry", "context_trees", "node_selection",
		"context_pack", "plan", "gate_report", "commit", "run_summary"} {
		assert.Len(t, artifactsOf(evs, at), 1, "artifact %s", at)
	}
	steps := artifactsOf(evs, "step_result")
	require.Len(t, steps, 6)
	for _, ev := range steps {
		assert.Equal(t, models.StepSucceeded, stepResult(t, ev).Status)
	}

	// Stream ordering invariant: gap-free seq starting at 1.
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq())
	}

	run, err := fx.store.FindRun(ctx, "run_task_happy")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)
	assert.Equal(t, 6, run.BudgetUsed.ToolCalls)
	assert.Equal(t, 2, run.BudgetUsed.LLMCalls)
	assert.Equal(t, 1, fx.tools.EmailSendCalls())
	assert.Equal(t, 1, fx.tools.TicketCreateCalls())

	report, err := fx.store.VerifyChain(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, len(evs), report.Checked)
}

func TestApprovalPathLatchesGrant(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.store.ApprovalWait = 2 * time.Second
	task := &models.TaskInput{TaskID: "task_appr", TenantID: "tenant_demo",
		UserMessage: "refund please"}

	go func() {
		approvalID := models.ApprovalID("run_task_appr")
		for i := 0; i < 400; i++ {
			if _, err := fx.store.GetApproval(ctx, approvalID); err == nil {
				_ = fx.store.SetApprovalDecision(ctx, "run_task_appr", models.ApprovalDecision{
					Decision: "approved", By: "reviewer@acme.test", TS: "now",
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	assert.Equal(t, []models.RunState{
		models.RunStateSubmitted, models.RunStateWorking, models.RunStateInputRequired,
		models.RunStateWorking, models.RunStateCompleted,
	}, statusStates(evs))
	assert.Len(t, artifactsOf(evs, "approval_request"), 1)
	// The latched grant re-enters the gate without a second request.
	assert.Len(t, artifactsOf(evs, "gate_report"), 2)
	assert.Equal(t, 1, fx.tools.EmailSendCalls())

	run, err := fx.store.FindRun(ctx, "run_task_appr")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)
}

func TestApprovalDenialAndTimeoutCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		fx := newFixture(t)
		fx.store.ApprovalWait = 30 * time.Millisecond
		task := &models.TaskInput{TaskID: "task_appr_to", TenantID: "tenant_demo",
			UserMessage: "refund please"}

		evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))
		last := evs[len(evs)-1]
		assert.Equal(t, models.RunStateCanceled, last.State())
		assert.Equal(t, "Approval timeout", last["message"])
		assert.Equal(t, 0, fx.tools.EmailSendCalls())

		run, err := fx.store.FindRun(ctx, "run_task_appr_to")
		require.NoError(t, err)
		assert.Equal(t, models.RunStateCanceled, run.State)
	})

	t.Run("denied", func(t *testing.T) {
		fx := newFixture(t)
		fx.store.ApprovalWait = 2 * time.Second
		task := &models.TaskInput{TaskID: "task_appr_no", TenantID: "tenant_demo",
			UserMessage: "refund please"}

		go func() {
			approvalID := models.ApprovalID("run_task_appr_no")
			for i := 0; i < 400; i++ {
				if _, err := fx.store.GetApproval(ctx, approvalID); err == nil {
					_ = fx.store.SetApprovalDecision(ctx, "run_task_appr_no", models.ApprovalDecision{
						Decision: "denied", By: "reviewer@acme.test", TS: "now", Reason: "not today",
					})
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()

		evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))
		last := evs[len(evs)-1]
		assert.Equal(t, models.RunStateCanceled, last.State())
		assert.Equal(t, "Approval denied", last["message"])
		assert.Equal(t, 0, fx.tools.EmailSendCalls())
	})
}

func TestLLMQuotaExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	tenant := models.DefaultTenantContext("tenant_enterprise_eu")
	tenant.LLMQuotas = models.LLMQuotas{
		Tenant: models.ScopeQuota{PerModel: map[string]models.ModelQuota{
			"stub": {MaxCallsPerDay: 1},
		}},
	}
	fx := newFixture(t, func(d *Deps) { d.Tenants = staticTenants{tc: tenant} })
	task := &models.TaskInput{TaskID: "task_quota", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateFailed, last.State())
	assert.Equal(t, "LLM quota exceeded", last["message"])
	// select_nodes went through; build_plan was rejected before planning.
	assert.Len(t, artifactsOf(evs, "node_selection"), 1)
	assert.Empty(t, artifactsOf(evs, "plan"))
	assert.Equal(t, 0, fx.tools.EmailSendCalls())

	run, err := fx.store.FindRun(ctx, "run_task_quota")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, run.State)
}

func TestBudgetExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	tenant := models.DefaultTenantContext("tenant_enterprise_eu")
	tenant.Limits = models.Limits{"max_tool_calls": 50, "max_llm_calls": 1}
	fx := newFixture(t, func(d *Deps) { d.Tenants = staticTenants{tc: tenant} })
	task := &models.TaskInput{TaskID: "task_llmbudget", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateFailed, last.State())
	assert.Equal(t, "Budget exceeded", last["message"])
	assert.Empty(t, artifactsOf(evs, "plan"))
}

func TestPolicyDenyFailsRunWithoutInvocation(t *testing.T) {
	ctx := context.Background()
	reg := testFlowRegistry()
	reg.Policies = append(reg.Policies, models.Policy{
		PolicyID: "pol_block_email",
		Phase:    "exec",
		Priority: 10,
		When:     &models.Condition{Action: "act_email_send_v1"},
		Effect:   &models.Effect{Deny: true},
	})
	fx := newFixture(t, func(d *Deps) { d.Registry = staticRegistry{reg} })
	task := &models.TaskInput{TaskID: "task_poldeny", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateFailed, last.State())
	assert.Equal(t, "Execution failed", last["message"])
	assert.Equal(t, 0, fx.tools.EmailSendCalls(), "denied step must not reach the tool")

	steps := artifactsOf(evs, "step_result")
	require.Len(t, steps, 6)
	denied := stepResult(t, steps[5])
	assert.Equal(t, models.StepFailed, denied.Status)
	require.NotNil(t, denied.Error)
	assert.Equal(t, models.ErrorClassPolicy, denied.Error.Class)
}

type obligationPlanner struct{ planner.Planner }

func (p obligationPlanner) BuildPlan(ctx context.Context, pack *models.ContextPack) (*models.Plan, error) {
	plan, err := p.Planner.BuildPlan(ctx, pack)
	if err != nil {
		return nil, err
	}
	plan.Obligations = append(plan.Obligations, models.Obligation{
		"type": "must_emit_artifact", "artifact_type": "compliance_report",
	})
	return plan, nil
}

func TestObligationMissFailsRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(d *Deps) { d.Planner = obligationPlanner{planner.NewStub()} })
	task := &models.TaskInput{TaskID: "task_oblig", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateFailed, last.State())
	assert.Equal(t, "Policy obligations failed", last["message"])
	require.Len(t, artifactsOf(evs, "policy_obligations_failed"), 1)
	// Steps themselves succeeded; only the post-hoc obligation check failed.
	assert.Equal(t, 1, fx.tools.EmailSendCalls())
}

func TestCrashThenReplayRecoversFromCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	task := &models.TaskInput{TaskID: "task_crash", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please",
		Metadata:    map[string]any{"crash_after_step": "s3"}}

	var first []events.Event
	err := fx.eng.Execute(ctx, task, func(ev events.Event) { first = append(first, ev) })
	var crash *executor.CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, "s3", crash.StepID)
	// Aborted runs end without a terminal status.
	assert.NotEqual(t, events.TypeStatus, first[len(first)-1].Type())
	assert.Equal(t, 1, fx.tools.TicketCreateCalls())

	task.Metadata = nil
	var second []events.Event
	require.NoError(t, fx.eng.Execute(ctx, task, func(ev events.Event) { second = append(second, ev) }))

	last := second[len(second)-1]
	assert.Equal(t, models.RunStateCompleted, last.State())
	steps := artifactsOf(second, "step_result")
	require.Len(t, steps, 6)
	for i := 0; i < 3; i++ {
		assert.True(t, stepResult(t, steps[i]).CacheHit, "step %d must replay from cache", i)
	}
	assert.Equal(t, 1, fx.tools.TicketCreateCalls(), "side effect must not re-fire")
	assert.Equal(t, 1, fx.tools.EmailSendCalls())

	// Both attempts share one chain; the replay appended after the crash tail.
	report, err := fx.store.VerifyChain(ctx, "run_task_crash")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Greater(t, second[0].Seq(), first[len(first)-1].Seq())
}

func TestRateLimitedToolRetriesToSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.tools.RateLimitFirstEmail = true
	task := &models.TaskInput{TaskID: "task_429", TenantID: "tenant_enterprise_eu",
		UserMessage: "refund please"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateCompleted, last.State())
	steps := artifactsOf(evs, "step_result")
	require.Len(t, steps, 6)
	email := stepResult(t, steps[5])
	assert.Equal(t, models.StepSucceeded, email.Status)
	assert.Equal(t, 2, email.Attempts)
	assert.Equal(t, 2, fx.tools.EmailSendCalls())
}

func TestInvalidTaskInputFailsOnStream(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	task := &models.TaskInput{TaskID: "task_badinput", TenantID: "tenant_enterprise_eu"}

	evs := drain(t, fx.eng.TaskSendSubscribe(ctx, task))

	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, models.RunStateFailed, last.State())
	assert.Equal(t, "Invalid task input", last["message"])

	run, err := fx.store.FindRun(ctx, "run_task_badinput")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, run.State)
}

func TestExecuteRejectsUnroutableTask(t *testing.T) {
	fx := newFixture(t)
	err := fx.eng.Execute(context.Background(), &models.TaskInput{TaskID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")
}
