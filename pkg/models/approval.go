package models

import "time"

// ApprovalID derives the approval identifier for a run. One pending
// approval per run at a time.
func ApprovalID(runID string) string {
	return "apr_" + runID
}

// ApprovalDecision is the out-of-band verdict on an approval request.
type ApprovalDecision struct {
	Decision string `json:"decision"` // approved | denied
	By       string `json:"by"`
	TS       string `json:"ts"`
	Reason   string `json:"reason,omitempty"`
}

// Approved reports whether the decision grants execution.
func (d ApprovalDecision) Approved() bool {
	return d.Decision == "approved"
}

// Approval is a pending or decided approval request tied to a run.
type Approval struct {
	ApprovalID string            `json:"approval_id"`
	RunID      string            `json:"run_id"`
	Payload    map[string]any    `json:"payload"`
	Decision   *ApprovalDecision `json:"decision,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	DecidedAt  *time.Time        `json:"decided_at,omitempty"`
}
