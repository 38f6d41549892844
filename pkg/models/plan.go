package models

// PlanControls are plan-wide execution constraints set by the planner.
type PlanControls struct {
	RequiresApproval bool     `json:"requires_approval"`
	MaxToolCalls     int      `json:"max_tool_calls"`
	AllowedTools     []string `json:"allowed_tools"`
}

// Obligation is a plan-wide assertion checked after execution. Kinds the
// kernel enforces are must_emit_artifact and must_reference_policy_id;
// anything else is retained verbatim and surfaced for observability.
type Obligation map[string]any

// Kind returns the obligation's "type" discriminator.
func (o Obligation) Kind() string {
	s, _ := o["type"].(string)
	return s
}

// ArtifactType returns the required artifact type for must_emit_artifact.
func (o Obligation) ArtifactType() string {
	s, _ := o["artifact_type"].(string)
	return s
}

// PolicyID returns the required policy id for must_reference_policy_id.
func (o Obligation) PolicyID() string {
	s, _ := o["policy_id"].(string)
	return s
}

// PlanStep is one planner-produced action invocation. The gate annotates it
// in place: deny verdicts, approval requirements, cost overrides, and the
// matched policy ids that propagate into the step result.
type PlanStep struct {
	StepID            string         `json:"step_id"`
	ActionID          string         `json:"action_id"`
	Args              map[string]any `json:"args"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	RequiresApproval  bool           `json:"requires_approval,omitempty"`
	CostUnitsOverride *int           `json:"cost_units_override,omitempty"`
	PolicyIDs         []string       `json:"policy_ids,omitempty"`
	Denied            bool           `json:"denied,omitempty"`
	DenyReason        *StepError     `json:"deny_reason,omitempty"`
}

// Plan is the structured output of the planner collaborator, gated before
// execution.
type Plan struct {
	Type        string       `json:"type"`
	Goal        string       `json:"goal"`
	Controls    PlanControls `json:"controls"`
	Steps       []PlanStep   `json:"steps"`
	Obligations []Obligation `json:"obligations,omitempty"`
}
