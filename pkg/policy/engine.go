// Package policy implements the plan gate: effective limits, rule matching
// over composable conditions, step patches, and obligation verification.
package policy

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aetherhq/aether/pkg/models"
)

// EffectiveLimits merges tenant limits with registry limits; registry wins
// per key.
func EffectiveLimits(tenant *models.TenantContext, reg *models.Registry) models.Limits {
	var base models.Limits
	if tenant != nil {
		base = tenant.Limits
	}
	if base == nil {
		base = models.Limits{}
	}
	return base.Merge(reg.Limits)
}

// StepPatch is the outcome of evaluating one step against the rule set.
type StepPatch struct {
	DenyReason        *models.StepError
	RequiresApproval  bool
	CostUnitsOverride *int
	Obligations       []models.Obligation
	PolicyIDs         []string
}

// EvaluateStep checks a plan step against step-local RBAC and the
// registry's policies for the given phase, highest priority first. The
// returned patch carries approval, cost, obligation, and policy-id
// annotations; allowed=false means the step is denied.
func EvaluateStep(step *models.PlanStep, roles []string, reg *models.Registry, phase string) (bool, StepPatch) {
	var patch StepPatch

	action := reg.FindAction(step.ActionID)
	tool := ""
	if action != nil {
		tool = action.Tool
		if sec := action.Security; sec != nil {
			if len(sec.AllowedRoles) > 0 && !rolesIntersect(roles, sec.AllowedRoles) {
				patch.DenyReason = &models.StepError{Class: models.ErrorClassRBAC, Message: "role not allowed"}
				return false, patch
			}
			if sec.RequiresApproval {
				patch.RequiresApproval = true
			}
		}
	}

	for _, rule := range sortedPolicies(reg.Policies) {
		if rule.Phase != "" && rule.Phase != phase {
			continue
		}
		if !condMatches(rule.When, step.ActionID, tool, roles) {
			continue
		}

		policyID := rule.PolicyID
		if policyID == "" {
			policyID = "policy"
		}
		patch.PolicyIDs = append(patch.PolicyIDs, policyID)

		eff := rule.Effect
		if eff == nil {
			continue
		}
		if eff.Deny {
			if eff.DenyReason != nil {
				patch.DenyReason = eff.DenyReason
			} else {
				patch.DenyReason = &models.StepError{
					Class:   models.ErrorClassPolicy,
					Message: fmt.Sprintf("denied by %s", policyID),
				}
			}
			return false, patch
		}
		if eff.RequireApproval {
			patch.RequiresApproval = true
		}
		if eff.SetCostUnits != nil {
			v := *eff.SetCostUnits
			patch.CostUnitsOverride = &v
		}
		patch.Obligations = append(patch.Obligations, eff.Obligations...)
	}

	return true, patch
}

func sortedPolicies(policies []models.Policy) []models.Policy {
	out := make([]models.Policy, 0, len(policies))
	for _, p := range policies {
		if p.When == nil || p.Effect == nil {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// condMatches evaluates the composable condition language. Leaf predicates
// AND together; all/any/not compose.
func condMatches(cond *models.Condition, actionID, tool string, roles []string) bool {
	if cond == nil {
		return false
	}

	if len(cond.All) > 0 {
		for _, c := range cond.All {
			if !condMatches(c, actionID, tool, roles) {
				return false
			}
		}
		return true
	}
	if len(cond.Any) > 0 {
		for _, c := range cond.Any {
			if condMatches(c, actionID, tool, roles) {
				return true
			}
		}
		return false
	}
	if cond.Not != nil {
		return !condMatches(cond.Not, actionID, tool, roles)
	}

	if cond.Action != "" && !globMatch(cond.Action, actionID) {
		return false
	}
	if cond.Tool != "" && !globMatch(cond.Tool, tool) {
		return false
	}
	if len(cond.RolesAny) > 0 && !rolesIntersect(roles, cond.RolesAny) {
		return false
	}
	if len(cond.RolesAll) > 0 && !rolesSubset(cond.RolesAll, roles) {
		return false
	}
	return true
}

func globMatch(pattern, value string) bool {
	if value == pattern {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		return false
	}
	return ok
}

func rolesIntersect(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, r := range b {
		set[r] = true
	}
	for _, r := range a {
		if set[r] {
			return true
		}
	}
	return false
}

// rolesSubset reports whether every role in need is present in have.
func rolesSubset(need, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, r := range have {
		set[r] = true
	}
	for _, r := range need {
		if !set[r] {
			return false
		}
	}
	return true
}
