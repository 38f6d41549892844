package models

import "time"

// RunState is the lifecycle state of a run. Transitions are monotone except
// for working <-> input-required (the approval interlock).
type RunState string

const (
	RunStateSubmitted     RunState = "submitted"
	RunStateWorking       RunState = "working"
	RunStateInputRequired RunState = "input-required"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
	RunStateCanceled      RunState = "canceled"
)

// ValidRunState reports whether s is a member of the run state set.
func ValidRunState(s RunState) bool {
	switch s {
	case RunStateSubmitted, RunStateWorking, RunStateInputRequired,
		RunStateCompleted, RunStateFailed, RunStateCanceled:
		return true
	}
	return false
}

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCanceled
}

// BudgetUsed tracks per-run resource consumption. Mutated only through the
// atomic budget debit.
type BudgetUsed struct {
	ToolCalls int            `json:"tool_calls"`
	LLMCalls  int            `json:"llm_calls"`
	CostUnits int            `json:"cost_units"`
	PerTool   map[string]int `json:"per_tool,omitempty"`
	PerAction map[string]int `json:"per_action,omitempty"`
}

// Apply returns the counters after one debit. Maps are copied so the
// pre-debit value stays valid for error reporting.
func (b BudgetUsed) Apply(d BudgetDelta) BudgetUsed {
	next := BudgetUsed{
		ToolCalls: b.ToolCalls + d.ToolCalls,
		LLMCalls:  b.LLMCalls + d.LLMCalls,
		CostUnits: b.CostUnits + d.CostUnits,
		PerTool:   copyCounts(b.PerTool),
		PerAction: copyCounts(b.PerAction),
	}
	if d.Tool != "" && d.ToolCalls > 0 {
		if next.PerTool == nil {
			next.PerTool = map[string]int{}
		}
		next.PerTool[d.Tool] += d.ToolCalls
	}
	if d.ActionID != "" && d.ToolCalls > 0 {
		if next.PerAction == nil {
			next.PerAction = map[string]int{}
		}
		next.PerAction[d.ActionID] += d.ToolCalls
	}
	return next
}

// Clone returns a deep copy of the counters.
func (b BudgetUsed) Clone() BudgetUsed {
	return b.Apply(BudgetDelta{})
}

func copyCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// BudgetDelta is a single debit against a run budget. Tool and ActionID
// attribute tool calls to the per_tool/per_action counters.
type BudgetDelta struct {
	ToolCalls int    `json:"tool_calls,omitempty"`
	LLMCalls  int    `json:"llm_calls,omitempty"`
	CostUnits int    `json:"cost_units,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
}

// Run is the durable execution record for a task. task_id -> run_id is 1:1;
// re-submitting a task_id resumes the same run.
type Run struct {
	RunID      string     `json:"run_id"`
	TaskID     string     `json:"task_id"`
	TenantID   string     `json:"tenant_id"`
	State      RunState   `json:"state"`
	Title      string     `json:"title,omitempty"`
	Tags       []string   `json:"tags"`
	BudgetUsed BudgetUsed `json:"budget_used"`
	TaskInput  *TaskInput `json:"task_input,omitempty"`
	LastSeq    int64      `json:"last_seq,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
