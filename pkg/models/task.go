// Package models defines the core data shapes shared across the kernel:
// tasks, runs, plans, registries, step results, approvals, jobs, and quotas.
package models

import "fmt"

// TaskInput is an immutable task submission. TaskID uniquely identifies a
// Run; re-submitting the same TaskID replays the existing run.
type TaskInput struct {
	TaskID      string         `json:"task_id"`
	TenantID    string         `json:"tenant_id"`
	UserMessage string         `json:"user_message"`
	UserID      string         `json:"user_id,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the required submission fields.
func (t *TaskInput) Validate() error {
	if t == nil {
		return fmt.Errorf("task input is nil")
	}
	var missing []string
	if t.TaskID == "" {
		missing = append(missing, "task_id")
	}
	if t.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if t.UserMessage == "" {
		missing = append(missing, "user_message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required task fields: %v", missing)
	}
	return nil
}

// CrashAfterStep returns the step ID after which a simulated crash is
// requested via metadata, or "" when none.
func (t *TaskInput) CrashAfterStep() string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata["crash_after_step"].(string); ok {
		return v
	}
	return ""
}
