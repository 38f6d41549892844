package models

// RateLimits are per-minute request caps enforced at submission.
type RateLimits struct {
	TenantRPM int `json:"tenant_rpm"`
	UserRPM   int `json:"user_rpm"`
	OrgRPM    int `json:"org_rpm"`
}

// ModelQuota is a per-model daily ceiling. Zero means unlimited.
type ModelQuota struct {
	MaxTokensPerDay    int64 `json:"max_tokens_per_day,omitempty"`
	MaxCostUnitsPerDay int64 `json:"max_cost_units_per_day,omitempty"`
	MaxCallsPerDay     int64 `json:"max_calls_per_day,omitempty"`
}

// ScopeQuota holds the per-model quotas for one scope level.
type ScopeQuota struct {
	PerModel map[string]ModelQuota `json:"per_model,omitempty"`
}

// LLMQuotas are the daily LLM usage ceilings, enforced tenant then org then
// user; the first exceeded scope rejects the call.
type LLMQuotas struct {
	Tenant ScopeQuota `json:"tenant,omitempty"`
	Org    ScopeQuota `json:"org,omitempty"`
	User   ScopeQuota `json:"user,omitempty"`
}

// ForScope returns the model quota for one scope level.
func (q LLMQuotas) ForScope(scope, model string) ModelQuota {
	var sq ScopeQuota
	switch scope {
	case "tenant":
		sq = q.Tenant
	case "org":
		sq = q.Org
	case "user":
		sq = q.User
	}
	return sq.PerModel[model]
}

// TenantContext is the per-tenant runtime configuration: caller roles,
// budget limits, submission rate limits, and LLM quotas.
type TenantContext struct {
	TenantID   string     `json:"tenant_id"`
	Roles      []string   `json:"roles,omitempty"`
	Limits     Limits     `json:"limits,omitempty"`
	RateLimits RateLimits `json:"rate_limits,omitempty"`
	LLMQuotas  LLMQuotas  `json:"llm_quotas,omitempty"`
}

// DefaultTenantContext is the permissive fallback used when no tenant
// configuration file exists.
func DefaultTenantContext(tenantID string) *TenantContext {
	return &TenantContext{
		TenantID:   tenantID,
		Roles:      []string{"support_agent"},
		Limits:     Limits{"max_tool_calls": 50},
		RateLimits: RateLimits{TenantRPM: 600, UserRPM: 120, OrgRPM: 600},
	}
}
