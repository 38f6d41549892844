package flow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/executor"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/planner"
	"github.com/aetherhq/aether/pkg/policy"
	"github.com/aetherhq/aether/pkg/storage"
)

// receive resolves the run for the task and emits the opening statuses.
// Re-submitting a task id resumes its run; the idempotency cache absorbs
// re-executed side effects downstream.
func (e *Engine) receive(ctx context.Context, rs *runScope) (edge, error) {
	run, err := e.deps.Store.CreateOrLoadRun(ctx, rs.task.TaskID, rs.task.TenantID)
	if err != nil {
		return "", err
	}
	rs.run = run

	if err := rs.task.Validate(); err != nil {
		rs.terminate(models.RunStateFailed, "Invalid task input", map[string]any{"error": err.Error()})
		return edgeFatal, nil
	}

	if err := e.deps.Store.SetRunState(ctx, run.RunID, models.RunStateSubmitted); err != nil {
		return "", err
	}
	if err := e.status(ctx, rs, models.RunStateSubmitted, "Task accepted", nil); err != nil {
		return "", err
	}
	if err := e.deps.Store.SetRunState(ctx, run.RunID, models.RunStateWorking); err != nil {
		return "", err
	}
	if err := e.status(ctx, rs, models.RunStateWorking, "Running", nil); err != nil {
		return "", err
	}
	e.log.Info("run started", "run_id", run.RunID, "task_id", rs.task.TaskID, "tenant_id", rs.task.TenantID)
	return edgeDefault, nil
}

func (e *Engine) loadTenant(ctx context.Context, rs *runScope) (edge, error) {
	tenant, err := e.deps.Tenants.LoadTenantContext(rs.task.TenantID)
	if err != nil {
		return "", err
	}
	rs.tenant = tenant
	if err := e.artifact(ctx, rs, "tenant", tenant); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

func (e *Engine) loadRegistry(ctx context.Context, rs *runScope) (edge, error) {
	reg, err := e.deps.Registry.LoadFor(rs.task)
	if err != nil {
		return "", err
	}
	rs.reg = reg
	if err := e.artifact(ctx, rs, "registry", map[string]any{
		"registry_id":    reg.RegistryID,
		"schema_version": reg.SchemaVersion,
	}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

func (e *Engine) loadTrees(ctx context.Context, rs *runScope) (edge, error) {
	trees, err := e.deps.Trees.LoadOrBuildTrees(ctx, rs.task.TenantID, []string{"support", "customers"})
	if err != nil {
		return "", err
	}
	rs.trees = trees
	if err := e.artifact(ctx, rs, "context_trees", map[string]any{"count": len(trees)}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

func (e *Engine) selectNodes(ctx context.Context, rs *runScope) (edge, error) {
	nodeList, err := e.deps.Planner.SelectNodes(ctx, rs.task.UserMessage, rs.trees, rs.reg.Policies)
	if err != nil {
		return "", err
	}
	rs.nodeList = nodeList

	usage, ok, err := e.chargeLLM(ctx, rs, "llm:select_nodes", selectNodesFlatCost)
	if err != nil {
		return "", err
	}
	if !ok {
		return edgeFatal, nil
	}

	selection := map[string]any{"node_list": nodeList, "confidence": 0.75, "usage": usage}
	if err := e.artifact(ctx, rs, "node_selection", selection); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

func (e *Engine) hydrate(ctx context.Context, rs *runScope) (edge, error) {
	pack, err := e.deps.Hydrator.Hydrate(ctx, rs.task.TenantID, rs.task.UserMessage, rs.nodeList, rs.reg)
	if err != nil {
		return "", err
	}
	rs.pack = pack
	if err := e.artifact(ctx, rs, "context_pack", map[string]any{
		"pack_id": pack.PackID,
		"nodes":   len(rs.nodeList),
	}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

func (e *Engine) buildPlan(ctx context.Context, rs *runScope) (edge, error) {
	plan, err := e.deps.Planner.BuildPlan(ctx, rs.pack)
	if err != nil {
		return "", err
	}
	if err := planner.ValidatePlan(plan); err != nil {
		rs.terminate(models.RunStateFailed, "Invalid plan", map[string]any{"error": err.Error()})
		return edgeFatal, nil
	}

	usage, ok, err := e.chargeLLM(ctx, rs, "llm:build_plan", buildPlanFlatCost)
	if err != nil {
		return "", err
	}
	if !ok {
		return edgeFatal, nil
	}

	rs.plan = plan
	if err := e.artifact(ctx, rs, "plan", map[string]any{"plan": plan, "usage": usage}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

// chargeLLM accounts one planner call: daily quotas first, then the run
// budget. A quota or budget rejection stages the failed terminal and
// returns ok=false; infrastructure errors abort the run.
func (e *Engine) chargeLLM(ctx context.Context, rs *runScope, kind string, flatCost int) (planner.Usage, bool, error) {
	usage := e.deps.Planner.LastUsage()
	limits := rs.tenantLimits()
	cost := limits.LLMCostUnits(usage.Tokens(), flatCost)

	err := e.deps.Store.ConsumeLLMQuota(ctx, storage.QuotaCharge{
		Tenant:    rs.tenant,
		TenantID:  rs.task.TenantID,
		OrgID:     rs.task.OrgID,
		UserID:    rs.task.UserID,
		Model:     e.deps.Planner.Model(),
		Tokens:    int64(usage.Tokens()),
		CostUnits: int64(cost),
		RunID:     rs.run.RunID,
		Kind:      kind,
		Meta:      map[string]any{"usage": usage},
	})
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			rs.terminate(models.RunStateFailed, "LLM quota exceeded", map[string]any{"error": err.Error()})
			return usage, false, nil
		}
		return usage, false, err
	}

	used, err := e.deps.Store.ConsumeBudget(ctx, rs.run.RunID,
		models.BudgetDelta{LLMCalls: 1, CostUnits: cost}, limits)
	if err != nil {
		if errors.Is(err, storage.ErrBudgetExceeded) {
			rs.terminate(models.RunStateFailed, "Budget exceeded", map[string]any{"error": err.Error()})
			return usage, false, nil
		}
		return usage, false, err
	}

	if err := e.emit(ctx, rs, events.NewBudget(rs.task.TaskID, rs.run.RunID, used, limits)); err != nil {
		return usage, false, err
	}
	return usage, true, nil
}

// gate evaluates the plan against the registry policies. The annotated
// plan, not the planner's original, is what execute runs. A latched grant
// from a previous approval round admits the plan without a second request.
func (e *Engine) gate(ctx context.Context, rs *runScope) (edge, error) {
	res := policy.GatePlan(rs.reg, rs.tenant, rs.roles(), rs.plan)
	rs.gate = res

	if err := e.artifact(ctx, rs, "gate_report", res.Report); err != nil {
		return "", err
	}

	if res.Report.Fatal != nil {
		rs.terminate(models.RunStateFailed, "Policy gate failed", map[string]any{"gate_report": res.Report})
		return edgeFatal, nil
	}

	if res.NeedsApproval && !rs.approvalGranted {
		if err := e.deps.Store.SetRunState(ctx, rs.run.RunID, models.RunStateInputRequired); err != nil {
			return "", err
		}
		if err := e.status(ctx, rs, models.RunStateInputRequired, "Approval required",
			map[string]any{"gate_report": res.Report}); err != nil {
			return "", err
		}
		return edgeNeedApproval, nil
	}
	return edgeOK, nil
}

func (e *Engine) requestApproval(ctx context.Context, rs *runScope) (edge, error) {
	approvalID, err := e.deps.Store.CreateApprovalRequest(ctx, rs.run.RunID, map[string]any{
		"plan":   rs.gate.Plan,
		"report": rs.gate.Report,
	})
	if err != nil {
		return "", err
	}
	rs.approvalID = approvalID
	if err := e.artifact(ctx, rs, "approval_request", map[string]any{"approval_id": approvalID}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

// waitApproval blocks on the decision. Timeouts come back as a synthesized
// system denial; both denial shapes cancel the run through complete.
func (e *Engine) waitApproval(ctx context.Context, rs *runScope) (edge, error) {
	decision, err := e.deps.Store.WaitForApproval(ctx, rs.approvalID)
	if err != nil {
		return "", err
	}
	e.deps.Metrics.ApprovalDecisions.WithLabelValues(decision.Decision).Inc()

	if decision.Approved() {
		rs.approvalGranted = true
		if err := e.deps.Store.SetRunState(ctx, rs.run.RunID, models.RunStateWorking); err != nil {
			return "", err
		}
		if err := e.status(ctx, rs, models.RunStateWorking, "Approved, continuing", nil); err != nil {
			return "", err
		}
		return edgeApproved, nil
	}

	if decision.By == "system" {
		rs.terminate(models.RunStateCanceled, "Approval timeout", nil)
		return edgeTimeout, nil
	}
	rs.terminate(models.RunStateCanceled, "Approval denied",
		map[string]any{"by": decision.By, "reason": decision.Reason})
	return edgeDenied, nil
}

// execute runs the gated plan, streams step results, and verifies plan
// obligations against the event tail. Executor errors (simulated crash,
// storage failure) abort the run without a terminal status.
func (e *Engine) execute(ctx context.Context, rs *runScope) (edge, error) {
	results, err := e.exec.ExecutePlan(ctx, executor.Request{
		RunID:    rs.run.RunID,
		Task:     rs.task,
		Plan:     rs.gate.Plan,
		Registry: rs.reg,
		Limits:   rs.gate.Report.EffectiveLimits,
	})
	if err != nil {
		return "", err
	}
	rs.stepResults = results

	anyFailed := false
	for _, r := range results {
		if err := e.artifact(ctx, rs, "step_result", r); err != nil {
			return "", err
		}
		e.deps.Metrics.StepsExecuted.WithLabelValues(string(r.Status)).Inc()
		if r.Attempts > 1 {
			e.deps.Metrics.StepRetries.Add(float64(r.Attempts - 1))
		}
		if r.Status == models.StepFailed {
			anyFailed = true
		}
	}

	run, err := e.deps.Store.FindRun(ctx, rs.run.RunID)
	if err != nil {
		return "", err
	}
	if err := e.emit(ctx, rs, events.NewBudget(rs.task.TaskID, rs.run.RunID,
		run.BudgetUsed, rs.gate.Report.EffectiveLimits)); err != nil {
		return "", err
	}

	if anyFailed {
		rs.terminate(models.RunStateFailed, "Execution failed", nil)
		return edgeFailed, nil
	}

	if obligations := rs.gate.Plan.Obligations; len(obligations) > 0 {
		updates, err := e.deps.Store.ListUpdates(ctx, rs.run.RunID, 0)
		if err != nil {
			return "", err
		}
		artifactTypes, streamResults := collectFromUpdates(updates)
		failures, _ := policy.CheckObligations(obligations, artifactTypes, streamResults)
		if len(failures) > 0 {
			if err := e.artifact(ctx, rs, "policy_obligations_failed",
				map[string]any{"failures": failures}); err != nil {
				return "", err
			}
			rs.terminate(models.RunStateFailed, "Policy obligations failed", nil)
			return edgeFailed, nil
		}
	}
	return edgeDefault, nil
}

func (e *Engine) commit(ctx context.Context, rs *runScope) (edge, error) {
	if err := e.artifact(ctx, rs, "commit", map[string]any{
		"committed":  true,
		"step_count": len(rs.stepResults),
	}); err != nil {
		return "", err
	}
	return edgeDefault, nil
}

// complete is the only stage that emits a terminal status and persists the
// terminal run state.
func (e *Engine) complete(ctx context.Context, rs *runScope) (edge, error) {
	final := rs.finalState
	msg := rs.finalMsg
	if final == "" {
		final = models.RunStateCompleted
		msg = "Done"
		for _, r := range rs.stepResults {
			if r.Status == models.StepFailed {
				final = models.RunStateFailed
				msg = "Execution failed"
				break
			}
		}
	}

	if err := e.deps.Store.SetRunState(ctx, rs.run.RunID, final); err != nil {
		return "", err
	}
	if err := e.artifact(ctx, rs, "run_summary", map[string]any{
		"final_state": string(final),
		"step_count":  len(rs.stepResults),
	}); err != nil {
		return "", err
	}
	if err := e.status(ctx, rs, final, msg, rs.finalMeta); err != nil {
		return "", err
	}
	e.deps.Metrics.RunsFinished.WithLabelValues(string(final)).Inc()
	e.log.Info("run finished", "run_id", rs.run.RunID, "state", string(final))
	return edgeDone, nil
}

// collectFromUpdates scans the event tail for emitted artifact types and
// the step results needed by obligation checks. Payload shapes vary by
// store, so step results go through a JSON round trip.
func collectFromUpdates(updates []events.Event) (map[string]bool, []models.StepResult) {
	types := map[string]bool{}
	var results []models.StepResult
	for _, ev := range updates {
		if ev.Type() != events.TypeArtifact {
			continue
		}
		at := ev.ArtifactType()
		if at == "" {
			continue
		}
		types[at] = true
		if at != "step_result" {
			continue
		}
		raw, err := json.Marshal(ev["artifact"])
		if err != nil {
			continue
		}
		var sr models.StepResult
		if err := json.Unmarshal(raw, &sr); err == nil {
			results = append(results, sr)
		}
	}
	return types, results
}
