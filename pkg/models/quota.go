package models

import "time"

// QuotaUsage is one daily usage counter row, keyed by
// (scope, scope_id, day, model).
type QuotaUsage struct {
	Scope     string    `json:"scope"` // tenant | org | user
	ScopeID   string    `json:"scope_id"`
	Day       string    `json:"day"` // YYYY-MM-DD
	Model     string    `json:"model"`
	Tokens    int64     `json:"tokens"`
	CostUnits int64     `json:"cost_units"`
	Calls     int64     `json:"calls"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only billing record.
type LedgerEntry struct {
	LedgerID  int64          `json:"ledger_id,omitempty"`
	TS        time.Time      `json:"ts"`
	TenantID  string         `json:"tenant_id"`
	OrgID     string         `json:"org_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Kind      string         `json:"kind"`
	Model     string         `json:"model,omitempty"`
	Tokens    int64          `json:"tokens,omitempty"`
	CostUnits int64          `json:"cost_units,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// AuditKey is one keyring entry mirrored into storage for discovery. The
// trust root stays in the environment keyring, never the mirror.
type AuditKey struct {
	KID       string    `json:"kid"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
