// Package storage defines the explicit capability interfaces of the
// kernel's durable state: runs, the chained event log, the step cache,
// approvals, budgets, quotas, audit records, projections, rate limits, the
// job queue, and tenant concurrency locks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/models"
)

// Sentinel errors surfaced by storage implementations.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrNoJobsAvailable  = errors.New("no queued jobs available")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrQuotaExceeded    = errors.New("llm quota exceeded")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrApprovalNotFound = errors.New("approval not found")
)

// RunFilter narrows ListRuns reads.
type RunFilter struct {
	TenantID string
	State    models.RunState
	Tag      string
	Query    string
	Limit    int
	Offset   int
}

// RunStore owns the run rows.
type RunStore interface {
	// CreateOrLoadRun returns the existing run for task_id or creates one
	// with run_id = "run_" + task_id in state submitted.
	CreateOrLoadRun(ctx context.Context, taskID, tenantID string) (*models.Run, error)
	SetRunState(ctx context.Context, runID string, state models.RunState) error
	FindRun(ctx context.Context, runID string) (*models.Run, error)
	SaveTaskInput(ctx context.Context, runID string, task *models.TaskInput) error
	// UpdateRunMetadata sets title and/or tags; nil leaves a field alone.
	UpdateRunMetadata(ctx context.Context, runID string, title *string, tags []string) (*models.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*models.Run, error)
}

// ChainDivergence describes one broken link found by VerifyChain.
type ChainDivergence struct {
	Seq          int64  `json:"seq"`
	ExpectedPrev string `json:"expected_prev"`
	StoredPrev   string `json:"stored_prev"`
	ExpectedHash string `json:"expected_hash"`
	StoredHash   string `json:"stored_hash"`
	KID          string `json:"kid"`
}

// ChainReport is the outcome of a chain verification pass.
type ChainReport struct {
	OK      bool              `json:"ok"`
	Checked int               `json:"checked"`
	Bad     []ChainDivergence `json:"bad,omitempty"`
}

// EventLog is the append-only, HMAC-chained per-run event store.
type EventLog interface {
	// PersistUpdate atomically assigns the next seq, embeds it, hashes the
	// canonical form against the previous link, and appends the row. It
	// returns the event copy with _seq set.
	PersistUpdate(ctx context.Context, runID string, ev events.Event) (events.Event, error)
	// ListUpdates returns events with seq > sinceSeq in strict seq order,
	// bounded by the implementation's page limit.
	ListUpdates(ctx context.Context, runID string, sinceSeq int64) ([]events.Event, error)
	// VerifyChain recomputes every link with the kid stored on each row.
	VerifyChain(ctx context.Context, runID string) (*ChainReport, error)
}

// StepCache memoizes step results by idempotency key.
type StepCache interface {
	// GetStepResult returns nil without error on a miss.
	GetStepResult(ctx context.Context, idemKey string) (*models.StepResult, error)
	SaveStepResult(ctx context.Context, idemKey string, result *models.StepResult) error
}

// ApprovalStore owns approval requests and their decisions.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, runID string, payload map[string]any) (string, error)
	SetApprovalDecision(ctx context.Context, runID string, decision models.ApprovalDecision) error
	GetApproval(ctx context.Context, approvalID string) (*models.Approval, error)
	ListApprovals(ctx context.Context, tenantID, status string, limit int) ([]*models.Approval, error)
	// WaitForApproval blocks until a decision lands or the configured
	// deadline passes, at which point a synthesized denial
	// {denied, by: system, ts: timeout} is returned.
	WaitForApproval(ctx context.Context, approvalID string) (models.ApprovalDecision, error)
}

// BudgetStore atomically debits per-run budget counters against limits.
type BudgetStore interface {
	// ConsumeBudget checks-then-increments under row locking; an overrun
	// wraps ErrBudgetExceeded and leaves the counters untouched, including
	// the per_tool/per_action sub-maps.
	ConsumeBudget(ctx context.Context, runID string, delta models.BudgetDelta, limits models.Limits) (models.BudgetUsed, error)
}

// CheckBudget rejects a post-debit counter state that exceeds the limits.
// Per-tool and per-action caps are only checked for the counter the delta
// touches; both profiles share this so enforcement cannot drift.
func CheckBudget(next models.BudgetUsed, delta models.BudgetDelta, limits models.Limits) error {
	switch {
	case next.ToolCalls > limits.MaxToolCalls():
		return fmt.Errorf("tool_calls %d > %d: %w", next.ToolCalls, limits.MaxToolCalls(), ErrBudgetExceeded)
	case next.LLMCalls > limits.MaxLLMCalls():
		return fmt.Errorf("llm_calls %d > %d: %w", next.LLMCalls, limits.MaxLLMCalls(), ErrBudgetExceeded)
	case next.CostUnits > limits.MaxCostUnits():
		return fmt.Errorf("cost_units %d > %d: %w", next.CostUnits, limits.MaxCostUnits(), ErrBudgetExceeded)
	}
	if delta.Tool != "" {
		if limit, ok := limits.PerTool()[delta.Tool]; ok && next.PerTool[delta.Tool] > limit {
			return fmt.Errorf("per_tool %s %d > %d: %w", delta.Tool, next.PerTool[delta.Tool], limit, ErrBudgetExceeded)
		}
	}
	if delta.ActionID != "" {
		if limit, ok := limits.PerAction()[delta.ActionID]; ok && next.PerAction[delta.ActionID] > limit {
			return fmt.Errorf("per_action %s %d > %d: %w", delta.ActionID, next.PerAction[delta.ActionID], limit, ErrBudgetExceeded)
		}
	}
	return nil
}

// QuotaCharge is one LLM usage debit.
type QuotaCharge struct {
	Tenant    *models.TenantContext
	TenantID  string
	OrgID     string
	UserID    string
	Model     string
	Tokens    int64
	CostUnits int64
	RunID     string
	Kind      string
	Meta      map[string]any
}

// QuotaStore owns daily LLM usage counters and the billing ledger.
type QuotaStore interface {
	// ConsumeLLMQuota debits (scope, scope_id, day, model) counters in
	// tenant, org, user order; the first exhausted scope wraps
	// ErrQuotaExceeded and later scopes stay undebited. On success a
	// ledger row is appended best-effort.
	ConsumeLLMQuota(ctx context.Context, charge QuotaCharge) error
	BillingDaily(ctx context.Context, tenantID, orgID, day string) ([]models.QuotaUsage, error)
}

// AuditStore owns the audit trail and the audit key discovery mirror.
type AuditStore interface {
	AppendAudit(ctx context.Context, record map[string]any) error
	// SeedAuditKeys mirrors the environment keyring into storage. The
	// mirror is for discovery; verification always uses the env keyring.
	SeedAuditKeys(ctx context.Context, kr *events.Keyring) error
	ListAuditKeys(ctx context.Context) ([]models.AuditKey, error)
	RotateAuditKey(ctx context.Context, kid, secret string, makeActive bool) error
}

// Projections owns snapshots and the read-optimized views.
type Projections interface {
	UpsertSnapshot(ctx context.Context, runID string) error
	RefreshMaterializedViews(ctx context.Context) error
}

// RateLimitStore counts fixed-window hits.
type RateLimitStore interface {
	// Hit increments the counter for (key, current window) and wraps
	// ErrRateLimited once the count exceeds limit. It returns the
	// remaining allowance and seconds until the window resets.
	Hit(ctx context.Context, key string, limit int) (remaining, resetIn int, err error)
}

// JobQueue is the durable dispatch queue.
type JobQueue interface {
	Enqueue(ctx context.Context, runID, tenantID string, task *models.TaskInput) (string, error)
	// Claim atomically dequeues the oldest queued job (skip-locked under
	// Postgres) and marks it running for workerID. ErrNoJobsAvailable when
	// the queue is empty.
	Claim(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, jobID string, ok bool, errMsg string) error
	// Requeue pushes a claimed job back to queued, clearing lock fields.
	Requeue(ctx context.Context, jobID string) error
	Heartbeat(ctx context.Context, jobID string) error
	// RequeueOrphans re-queues running jobs whose lock is older than the
	// threshold. Replay is safe: the idempotency cache absorbs re-runs.
	RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error)
}

// TenantLocker bounds per-tenant concurrency with N advisory slots.
type TenantLocker interface {
	// TryLockTenant attempts each slot hash(tenant)+i; on success the
	// returned release must be called on every exit path.
	TryLockTenant(ctx context.Context, tenantID string) (release func(), ok bool, err error)
}

// Store is the full capability set the flow engine runs against.
type Store interface {
	RunStore
	EventLog
	StepCache
	ApprovalStore
	BudgetStore
	QuotaStore
	AuditStore
	Projections
	RateLimitStore
}
