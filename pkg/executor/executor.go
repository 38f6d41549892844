// Package executor runs gated plans step by step against external tools,
// enforcing idempotency, approvals, budgets, timeouts, and retry classes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/policy"
	"github.com/aetherhq/aether/pkg/retry"
	"github.com/aetherhq/aether/pkg/storage"
	"github.com/aetherhq/aether/pkg/tools"
)

const defaultTimeoutMS = 15000

// Store is the storage surface the executor needs.
type Store interface {
	storage.StepCache
	storage.ApprovalStore
	storage.BudgetStore
}

// CrashError simulates a process crash after a step persisted. Replays of
// the same run recover through the idempotency cache.
type CrashError struct {
	StepID string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("simulated crash after step %s", e.StepID)
}

// Request carries everything needed to execute one gated plan.
type Request struct {
	RunID    string
	Task     *models.TaskInput
	Plan     *models.Plan
	Registry *models.Registry
	// Limits are the effective limits (tenant merged over registry).
	Limits models.Limits
}

// Executor is the deterministic step runner. Steps run strictly in plan
// order; outputs of earlier steps feed later arg templates.
type Executor struct {
	store  Store
	tools  tools.Runner
	runner *retry.Runner
	log    *slog.Logger
}

// New builds an executor over a storage surface and a tool runner.
func New(store Store, toolRunner tools.Runner, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: store, tools: toolRunner, runner: retry.NewRunner(), log: log}
}

// ExecutePlan runs every step and returns the ordered results. An unknown
// action id aborts the whole plan with a VALIDATION-classified error; a
// *CrashError is returned when the task requests a crash simulation.
func (e *Executor) ExecutePlan(ctx context.Context, req Request) ([]models.StepResult, error) {
	outputs := map[string]map[string]any{}

	var results []models.StepResult
	for _, step := range req.Plan.Steps {
		action := req.Registry.FindAction(step.ActionID)
		if action == nil {
			return results, retry.Errorf(models.ErrorClassValidation, "unknown action_id %s in step %s", step.ActionID, step.StepID)
		}

		if step.Denied {
			reason := step.DenyReason
			if reason == nil {
				reason = &models.StepError{Class: models.ErrorClassPolicy, Message: "denied by policy"}
			}
			results = e.record(results, outputs, models.StepResult{
				StepID: step.StepID, ActionID: step.ActionID, Tool: action.Tool,
				Status: models.StepFailed, Error: reason, PolicyIDs: step.PolicyIDs,
			})
			continue
		}

		args := resolveArgs(step.Args, outputs)

		if policy.IsSideEffect(action, step.ActionID, action.Tool) {
			if key, _ := args["idempotency_key"].(string); key == "" {
				results = e.record(results, outputs, e.failed(step, action,
					models.ErrorClassIdempotency, "missing args.idempotency_key for side-effect action"))
				continue
			}
		}

		if step.RequiresApproval || (action.Security != nil && action.Security.RequiresApproval) {
			denied, err := e.awaitApproval(ctx, req.RunID, step, action, args)
			if err != nil {
				return results, err
			}
			if denied {
				results = e.record(results, outputs, e.failed(step, action,
					models.ErrorClassApprovalDenied, "approval denied"))
				continue
			}
		}

		costUnits := action.CostUnits
		if costUnits <= 0 {
			costUnits = 1
		}
		if step.CostUnitsOverride != nil {
			costUnits = *step.CostUnitsOverride
		}
		// The debit carries the tool and action id so per_tool/per_action
		// caps are enforced against the durable counters, not a
		// process-local view that a replay would reset.
		if _, err := e.store.ConsumeBudget(ctx, req.RunID, models.BudgetDelta{
			ToolCalls: 1, CostUnits: costUnits, Tool: action.Tool, ActionID: step.ActionID,
		}, req.Limits); err != nil {
			results = e.record(results, outputs, e.failed(step, action,
				models.ErrorClassBudget, err.Error()))
			continue
		}

		idemKey, keyErr := e.idempotencyKey(req, step, action, args)
		if keyErr != nil {
			results = e.record(results, outputs, e.failed(step, action,
				models.ErrorClassIdempotency, keyErr.Error()))
			continue
		}
		cached, err := e.store.GetStepResult(ctx, idemKey)
		if err != nil {
			return results, fmt.Errorf("step %s: cache lookup: %w", step.StepID, err)
		}
		if cached != nil {
			hit := *cached
			hit.CacheHit = true
			e.log.Info("step cache hit", "run_id", req.RunID, "step_id", step.StepID, "idem_key", idemKey)
			results = e.record(results, outputs, hit)
			continue
		}

		res := e.invoke(ctx, req, step, action, args, idemKey)
		if err := e.store.SaveStepResult(ctx, idemKey, &res); err != nil {
			return results, fmt.Errorf("step %s: save result: %w", step.StepID, err)
		}
		results = e.record(results, outputs, res)

		if crashAfter := req.Task.CrashAfterStep(); crashAfter != "" && crashAfter == step.StepID {
			return results, &CrashError{StepID: step.StepID}
		}
	}
	return results, nil
}

// invoke runs the tool call for one step under its timeout and retry class.
func (e *Executor) invoke(ctx context.Context, req Request, step models.PlanStep, action *models.Action, args map[string]any, idemKey string) models.StepResult {
	timeoutMS := action.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}
	rc := req.Registry.FindRetryClass(action.RetryClass)

	call := func(ctx context.Context) (map[string]any, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
		return e.tools.Call(callCtx, req.Task.TenantID, action.Tool, tools.CallRequest{
			ActionID: step.ActionID, Args: args, TimeoutMS: timeoutMS,
		})
	}

	out, stepErr, attempts := e.runner.Do(ctx, rc, call)
	res := models.StepResult{
		StepID:         step.StepID,
		ActionID:       step.ActionID,
		Tool:           action.Tool,
		Attempts:       attempts,
		IdempotencyKey: idemKey,
		PolicyIDs:      step.PolicyIDs,
	}
	if stepErr != nil {
		res.Status = models.StepFailed
		res.Error = stepErr
		e.log.Warn("step failed", "run_id", req.RunID, "step_id", step.StepID,
			"tool", action.Tool, "class", string(stepErr.Class), "attempts", attempts)
		return res
	}
	res.Status = models.StepSucceeded
	res.Output = out
	return res
}

// awaitApproval creates the run's approval request and blocks on the
// decision. The approval id is derived from the run, so a grant latched at
// plan level satisfies every step-level wait.
func (e *Executor) awaitApproval(ctx context.Context, runID string, step models.PlanStep, action *models.Action, args map[string]any) (denied bool, err error) {
	approvalID, err := e.store.CreateApprovalRequest(ctx, runID, map[string]any{
		"step_id": step.StepID, "action_id": step.ActionID, "tool": action.Tool, "args": args,
	})
	if err != nil {
		return false, fmt.Errorf("step %s: create approval: %w", step.StepID, err)
	}
	decision, err := e.store.WaitForApproval(ctx, approvalID)
	if err != nil {
		return false, fmt.Errorf("step %s: wait approval: %w", step.StepID, err)
	}
	return !decision.Approved(), nil
}

func (e *Executor) idempotencyKey(req Request, step models.PlanStep, action *models.Action, args map[string]any) (string, error) {
	if action.Idempotency.Mode == "explicit_key" {
		key, _ := args["idempotency_key"].(string)
		if key == "" {
			return "", fmt.Errorf("explicit_key mode requires args.idempotency_key")
		}
		return key, nil
	}
	return IdempotencyKey(req.Task.TenantID, req.RunID, step.StepID, step.ActionID, args), nil
}

func (e *Executor) failed(step models.PlanStep, action *models.Action, class models.ErrorClass, msg string) models.StepResult {
	return models.StepResult{
		StepID:    step.StepID,
		ActionID:  step.ActionID,
		Tool:      action.Tool,
		Status:    models.StepFailed,
		Error:     &models.StepError{Class: class, Message: msg},
		PolicyIDs: step.PolicyIDs,
	}
}

// record appends a result and exposes its output to later arg templates.
func (e *Executor) record(results []models.StepResult, outputs map[string]map[string]any, res models.StepResult) []models.StepResult {
	if res.Status == models.StepSucceeded {
		outputs[res.StepID] = res.Output
	}
	return append(results, res)
}

// resolveArgs substitutes "$s<id>.output.<field>" templates with outputs of
// earlier steps. Unresolved references become nil, matching what a planner
// sees when a dependency failed.
func resolveArgs(args map[string]any, outputs map[string]map[string]any) map[string]any {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "$s") {
			resolved[k] = v
			continue
		}
		parts := strings.Split(s, ".")
		stepRef := strings.TrimPrefix(parts[0], "$")
		field := parts[len(parts)-1]
		resolved[k] = outputs[stepRef][field]
	}
	return resolved
}
