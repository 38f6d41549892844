package models

// Limits is the free-form limit map shared by tenant contexts and
// registries. Kept as a map so overlay merging stays generic; the typed
// accessors below cover the keys the kernel interprets.
type Limits map[string]any

func (l Limits) intOr(key string, def int) int {
	v, ok := l[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// MaxToolCalls returns the per-run tool call cap (default effectively unbounded).
func (l Limits) MaxToolCalls() int { return l.intOr("max_tool_calls", 1<<30) }

// MaxLLMCalls returns the per-run LLM call cap.
func (l Limits) MaxLLMCalls() int { return l.intOr("max_llm_calls", 1<<30) }

// MaxCostUnits returns the per-run cost unit cap.
func (l Limits) MaxCostUnits() int { return l.intOr("max_cost_units", 1<<30) }

// PerTool returns per-tool call caps keyed by tool reference.
func (l Limits) PerTool() map[string]int { return l.intMap("per_tool") }

// PerAction returns per-action call caps keyed by action_id.
func (l Limits) PerAction() map[string]int { return l.intMap("per_action") }

// LLMCostUnits computes the cost units for an LLM call. With a token count
// the cost is ceil(tokens/1000 * per-1k rate); without one the flat
// llm_call_cost_units applies (fallback supplied by the caller per stage).
func (l Limits) LLMCostUnits(tokens int, flatDefault int) int {
	flat := l.intOr("llm_call_cost_units", flatDefault)
	rate := l.intOr("llm_cost_units_per_1k_tokens", flat)
	if tokens > 0 {
		units := (tokens*rate + 999) / 1000
		if units < 1 {
			units = 1
		}
		return units
	}
	return flat
}

func (l Limits) intMap(key string) map[string]int {
	out := map[string]int{}
	raw, ok := l[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		switch n := v.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

// Merge returns a copy of l with every key of other overriding.
func (l Limits) Merge(other Limits) Limits {
	out := Limits{}
	for k, v := range l {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Tool is a registry entry binding a tool reference to its contract metadata.
type Tool struct {
	ToolID string         `json:"tool_id"`
	Kind   string         `json:"kind,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// IdempotencySpec selects how step idempotency keys are derived.
type IdempotencySpec struct {
	// Mode is "hash_args" (content-addressed) or "explicit_key"
	// (args.idempotency_key required).
	Mode string `json:"mode"`
}

// Security holds step-local RBAC and approval requirements.
type Security struct {
	AllowedRoles     []string `json:"allowed_roles,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// Action declaratively binds an action_id to a tool with timeout, retry,
// idempotency, and cost policy.
type Action struct {
	ActionID    string          `json:"action_id"`
	Tool        string          `json:"tool"`
	TimeoutMS   int             `json:"timeout_ms,omitempty"`
	RetryClass  string          `json:"retry_class,omitempty"`
	Idempotency IdempotencySpec `json:"idempotency,omitempty"`
	CostUnits   int             `json:"cost_units,omitempty"`
	SideEffect  bool            `json:"side_effect,omitempty"`
	Security    *Security       `json:"security,omitempty"`
}

// Condition is the composable policy predicate language. Action and Tool
// are shell-style globs; RolesAny/RolesAll test the caller's roles; All,
// Any, and Not compose.
type Condition struct {
	Action   string       `json:"action,omitempty"`
	Tool     string       `json:"tool,omitempty"`
	RolesAny []string     `json:"roles_any,omitempty"`
	RolesAll []string     `json:"roles_all,omitempty"`
	All      []*Condition `json:"all,omitempty"`
	Any      []*Condition `json:"any,omitempty"`
	Not      *Condition   `json:"not,omitempty"`
}

// Effect is what a matched policy does to a step.
type Effect struct {
	Deny            bool         `json:"deny,omitempty"`
	DenyReason      *StepError   `json:"deny_reason,omitempty"`
	RequireApproval bool         `json:"require_approval,omitempty"`
	SetCostUnits    *int         `json:"set_cost_units,omitempty"`
	Obligations     []Obligation `json:"obligations,omitempty"`
}

// Policy is a single gate rule, evaluated in priority-descending order.
type Policy struct {
	PolicyID string     `json:"policy_id"`
	Priority int        `json:"priority,omitempty"`
	Phase    string     `json:"phase,omitempty"`
	When     *Condition `json:"when"`
	Effect   *Effect    `json:"effect"`
}

// RetryClass is a named retry schedule referenced by actions.
type RetryClass struct {
	ID          string       `json:"id"`
	MaxAttempts int          `json:"max_attempts"`
	BackoffMS   []int        `json:"backoff_ms,omitempty"`
	RetryOn     []ErrorClass `json:"retry_on,omitempty"`
}

// TenantOverride is the legacy per-tenant registry filter kept for
// registries that predate layered overlay files.
type TenantOverride struct {
	EnabledTools      []string           `json:"enabled_tools,omitempty"`
	EnabledActions    []string           `json:"enabled_actions,omitempty"`
	SecurityOverrides []SecurityOverride `json:"security_overrides,omitempty"`
}

// SecurityOverride patches one action's security block via pointer paths.
type SecurityOverride struct {
	ActionID string          `json:"action_id"`
	Set      []SecurityPatch `json:"set,omitempty"`
}

// SecurityPatch sets one security field; supported paths are
// /security/requires_approval and /security/allowed_roles.
type SecurityPatch struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Registry is the effective per-task action/policy catalog after overlay
// resolution.
type Registry struct {
	RegistryID      string                    `json:"registry_id"`
	SchemaVersion   string                    `json:"schema_version"`
	Tools           []Tool                    `json:"tools,omitempty"`
	Actions         []Action                  `json:"actions,omitempty"`
	Policies        []Policy                  `json:"policies,omitempty"`
	RetryClasses    []RetryClass              `json:"retry_classes,omitempty"`
	Roles           map[string]any            `json:"roles,omitempty"`
	Limits          Limits                    `json:"limits,omitempty"`
	TenantOverrides map[string]TenantOverride `json:"tenant_overrides,omitempty"`
}

// FindAction returns the action with the given id, or nil.
func (r *Registry) FindAction(actionID string) *Action {
	for i := range r.Actions {
		if r.Actions[i].ActionID == actionID {
			return &r.Actions[i]
		}
	}
	return nil
}

// FindRetryClass returns the named retry class, falling back to a single
// attempt with no retries.
func (r *Registry) FindRetryClass(id string) RetryClass {
	for _, rc := range r.RetryClasses {
		if rc.ID == id {
			return rc
		}
	}
	return RetryClass{ID: id, MaxAttempts: 1}
}
