package policy

import (
	"encoding/json"
	"fmt"

	"github.com/aetherhq/aether/pkg/models"
)

// DeniedStep records one gate denial for the gate report.
type DeniedStep struct {
	StepID   string            `json:"step_id"`
	ActionID string            `json:"action_id"`
	Reason   *models.StepError `json:"reason"`
}

// GateReport is the gate_report artifact payload.
type GateReport struct {
	NeedsApproval   bool                `json:"needs_approval"`
	DeniedSteps     []DeniedStep        `json:"denied_steps,omitempty"`
	Obligations     []models.Obligation `json:"obligations,omitempty"`
	EffectiveLimits models.Limits       `json:"effective_limits,omitempty"`
	Fatal           *models.StepError   `json:"fatal,omitempty"`
}

// GateResult carries the annotated plan and the report.
type GateResult struct {
	Plan          *models.Plan
	Report        GateReport
	NeedsApproval bool
}

// GatePlan evaluates every step of a plan against the registry policies and
// returns an annotated copy. Denied steps are marked, never removed, so the
// executor records a POLICY/RBAC failure without invoking the tool.
// Obligations are collected plan-wide and deduplicated by canonical form.
// A depends_on entry that does not reference an earlier step makes the plan
// fatally invalid.
func GatePlan(reg *models.Registry, tenant *models.TenantContext, roles []string, plan *models.Plan) *GateResult {
	out := *plan
	out.Steps = make([]models.PlanStep, len(plan.Steps))
	copy(out.Steps, plan.Steps)

	report := GateReport{EffectiveLimits: EffectiveLimits(tenant, reg)}

	if err := validateDependsOn(out.Steps); err != nil {
		report.Fatal = &models.StepError{Class: models.ErrorClassValidation, Message: err.Error()}
		return &GateResult{Plan: &out, Report: report}
	}

	var obligations []models.Obligation
	for i := range out.Steps {
		step := &out.Steps[i]
		allowed, patch := EvaluateStep(step, roles, reg, "exec")
		if !allowed {
			step.Denied = true
			step.DenyReason = patch.DenyReason
			report.DeniedSteps = append(report.DeniedSteps, DeniedStep{
				StepID:   step.StepID,
				ActionID: step.ActionID,
				Reason:   patch.DenyReason,
			})
			continue
		}
		if patch.RequiresApproval {
			step.RequiresApproval = true
		}
		if patch.CostUnitsOverride != nil {
			step.CostUnitsOverride = patch.CostUnitsOverride
		}
		if len(patch.PolicyIDs) > 0 {
			step.PolicyIDs = patch.PolicyIDs
		}
		obligations = append(obligations, patch.Obligations...)
	}

	obligations = append(obligations, plan.Obligations...)
	out.Obligations = dedupeObligations(obligations)
	report.Obligations = out.Obligations

	needsApproval := out.Controls.RequiresApproval
	for i := range out.Steps {
		if !out.Steps[i].Denied && out.Steps[i].RequiresApproval {
			needsApproval = true
		}
	}
	report.NeedsApproval = needsApproval

	return &GateResult{Plan: &out, Report: report, NeedsApproval: needsApproval}
}

func validateDependsOn(steps []models.PlanStep) error {
	seen := map[string]bool{}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %s depends on %s which is not an earlier step", steps[i].StepID, dep)
			}
		}
		seen[steps[i].StepID] = true
	}
	return nil
}

func dedupeObligations(obs []models.Obligation) []models.Obligation {
	if len(obs) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []models.Obligation
	for _, ob := range obs {
		raw, err := json.Marshal(ob)
		if err != nil {
			continue
		}
		key := string(raw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ob)
	}
	return out
}
