package models

// StepStatus is the terminal status of one executed plan step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepResult is the cached, replay-safe outcome of a single step. Results
// are memoized under IdempotencyKey so re-execution observes the original
// outcome instead of re-invoking the tool.
type StepResult struct {
	StepID         string         `json:"step_id"`
	ActionID       string         `json:"action_id"`
	Tool           string         `json:"tool"`
	Status         StepStatus     `json:"status"`
	Attempts       int            `json:"attempts,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CacheHit       bool           `json:"cache_hit,omitempty"`
	Output         map[string]any `json:"output"`
	Error          *StepError     `json:"error,omitempty"`
	PolicyIDs      []string       `json:"policy_ids"`
}
