package policy

import (
	"fmt"
	"strings"

	"github.com/aetherhq/aether/pkg/models"
)

// Obligation kinds enforced by the kernel.
const (
	ObligationMustEmitArtifact    = "must_emit_artifact"
	ObligationMustReferencePolicy = "must_reference_policy_id"
)

var sideEffectActionWords = []string{"send", "create", "write", "delete", "update", "charge", "refund"}
var sideEffectToolWords = []string{"email", "gmail", "calendar", "crm"}

// IsSideEffect reports whether a step mutates external state: the action is
// flagged, or the action id / tool reference carries a mutation keyword.
func IsSideEffect(action *models.Action, actionID, tool string) bool {
	if action != nil && action.SideEffect {
		return true
	}
	lowered := strings.ToLower(actionID)
	for _, w := range sideEffectActionWords {
		if strings.Contains(lowered, w) {
			return true
		}
	}
	lowered = strings.ToLower(tool)
	for _, w := range sideEffectToolWords {
		if strings.Contains(lowered, w) {
			return true
		}
	}
	return false
}

// ObligationFailure describes one unmet obligation.
type ObligationFailure struct {
	Obligation models.Obligation `json:"obligation"`
	Reason     string            `json:"reason"`
	Violations []map[string]any  `json:"violations,omitempty"`
}

// CheckObligations verifies plan obligations against the run's emitted
// artifact types and recorded step results. Unrecognized kinds never fail
// the run; they come back in observed for the obligations artifact.
func CheckObligations(obligations []models.Obligation, artifactTypes map[string]bool, stepResults []models.StepResult) (failures []ObligationFailure, observed []models.Obligation) {
	for _, ob := range obligations {
		switch ob.Kind() {
		case ObligationMustEmitArtifact:
			needed := ob.ArtifactType()
			if needed != "" && !artifactTypes[needed] {
				failures = append(failures, ObligationFailure{
					Obligation: ob,
					Reason:     fmt.Sprintf("missing artifact %q", needed),
				})
			}
		case ObligationMustReferencePolicy:
			required := ob.PolicyID()
			if required == "" {
				continue
			}
			var violations []map[string]any
			for _, sr := range stepResults {
				if !IsSideEffect(nil, sr.ActionID, sr.Tool) {
					continue
				}
				if !containsString(sr.PolicyIDs, required) {
					violations = append(violations, map[string]any{
						"step_id":    sr.StepID,
						"action_id":  sr.ActionID,
						"policy_ids": sr.PolicyIDs,
					})
				}
			}
			if len(violations) > 0 {
				if len(violations) > 20 {
					violations = violations[:20]
				}
				failures = append(failures, ObligationFailure{
					Obligation: ob,
					Reason:     "side-effect steps missing policy reference",
					Violations: violations,
				})
			}
		default:
			observed = append(observed, ob)
		}
	}
	return failures, observed
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
