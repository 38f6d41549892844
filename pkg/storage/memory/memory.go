// Package memory implements the full storage contract in process. It is the
// default profile for tests and local development and mirrors the Postgres
// semantics: chained event log, atomic budget debits, scope-ordered quota
// checks, fixed-window rate limits, and a claimable job queue.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/storage"
)

const (
	defaultPageLimit     = 5000
	defaultSnapshotEvery = 25
	defaultApprovalWait  = time.Hour
	defaultApprovalPoll  = 500 * time.Millisecond
	defaultTenantSlots   = 2
	rateWindow           = 60 * time.Second
)

type eventRow struct {
	seq      int64
	event    events.Event
	prevHash string
	hash     string
	kid      string
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

// Store is the in-memory storage profile. A single mutex guards all state;
// contention is irrelevant at test scale.
type Store struct {
	// ApprovalWait and ApprovalPoll bound WaitForApproval. Tests shrink
	// them to keep the timeout path fast.
	ApprovalWait time.Duration
	ApprovalPoll time.Duration
	// TenantSlots caps concurrent workers per tenant.
	TenantSlots int

	keyring *events.Keyring
	now     func() time.Time

	mu        sync.Mutex
	runs      map[string]*models.Run
	eventRows map[string][]eventRow
	steps     map[string]*models.StepResult
	approvals map[string]*models.Approval
	usage     map[string]*models.QuotaUsage
	ledger    []models.LedgerEntry
	audit     []map[string]any
	auditKeys []models.AuditKey
	snapshots map[string]map[string]any
	rates     map[string]*rateBucket
	jobs      map[string]*models.Job
	jobOrder  []string
	slots     map[string]int
}

// New builds an empty in-memory store signing events with kr.
func New(kr *events.Keyring) *Store {
	if kr == nil {
		kr = events.ParseKeyring("", "")
	}
	return &Store{
		ApprovalWait: defaultApprovalWait,
		ApprovalPoll: defaultApprovalPoll,
		TenantSlots:  defaultTenantSlots,
		keyring:      kr,
		now:          time.Now,
		runs:         map[string]*models.Run{},
		eventRows:    map[string][]eventRow{},
		steps:        map[string]*models.StepResult{},
		approvals:    map[string]*models.Approval{},
		usage:        map[string]*models.QuotaUsage{},
		snapshots:    map[string]map[string]any{},
		rates:        map[string]*rateBucket{},
		jobs:         map[string]*models.Job{},
		slots:        map[string]int{},
	}
}

var _ storage.Store = (*Store)(nil)
var _ storage.JobQueue = (*Store)(nil)
var _ storage.TenantLocker = (*Store)(nil)

// CreateOrLoadRun implements storage.RunStore.
func (s *Store) CreateOrLoadRun(_ context.Context, taskID, tenantID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := "run_" + taskID
	if r, ok := s.runs[runID]; ok {
		return cloneRun(r), nil
	}
	now := s.now().UTC()
	r := &models.Run{
		RunID:     runID,
		TaskID:    taskID,
		TenantID:  tenantID,
		State:     models.RunStateSubmitted,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[runID] = r
	return cloneRun(r), nil
}

// SetRunState implements storage.RunStore.
func (s *Store) SetRunState(_ context.Context, runID string, state models.RunState) error {
	if !models.ValidRunState(state) {
		return fmt.Errorf("set run state %s: invalid state %q", runID, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("set run state %s: %w", runID, storage.ErrRunNotFound)
	}
	r.State = state
	r.UpdatedAt = s.now().UTC()
	// Terminal transitions snapshot immediately, matching the durable
	// profile; the every-Nth-event cadence lives in PersistUpdate.
	if state.Terminal() {
		s.snapshotLocked(runID)
	}
	return nil
}

// FindRun implements storage.RunStore.
func (s *Store) FindRun(_ context.Context, runID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("find run %s: %w", runID, storage.ErrRunNotFound)
	}
	return cloneRun(r), nil
}

// SaveTaskInput implements storage.RunStore.
func (s *Store) SaveTaskInput(_ context.Context, runID string, task *models.TaskInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("save task input %s: %w", runID, storage.ErrRunNotFound)
	}
	cp := *task
	r.TaskInput = &cp
	r.UpdatedAt = s.now().UTC()
	return nil
}

// UpdateRunMetadata implements storage.RunStore.
func (s *Store) UpdateRunMetadata(_ context.Context, runID string, title *string, tags []string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("update run metadata %s: %w", runID, storage.ErrRunNotFound)
	}
	if title != nil {
		r.Title = *title
	}
	if tags != nil {
		r.Tags = append([]string{}, tags...)
	}
	r.UpdatedAt = s.now().UTC()
	return cloneRun(r), nil
}

// ListRuns implements storage.RunStore. Results come back most recently
// updated first.
func (s *Store) ListRuns(_ context.Context, f storage.RunFilter) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Tag != "" && !contains(r.Tags, f.Tag) {
			continue
		}
		if f.Query != "" && !runMatchesQuery(r, f.Query) {
			continue
		}
		matched = append(matched, cloneRun(r))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].RunID < matched[j].RunID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return page(matched, f.Offset, f.Limit), nil
}

// PersistUpdate implements storage.EventLog.
func (s *Store) PersistUpdate(_ context.Context, runID string, ev events.Event) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("persist update %s: %w", runID, storage.ErrRunNotFound)
	}

	rows := s.eventRows[runID]
	seq := int64(len(rows)) + 1
	withSeq := ev.WithSeq(seq)

	canonical, err := events.Canonical(withSeq)
	if err != nil {
		return nil, fmt.Errorf("persist update %s: canonicalize: %w", runID, err)
	}
	prev := ""
	if len(rows) > 0 {
		prev = rows[len(rows)-1].hash
	}
	kid := s.keyring.ActiveKID
	hash := events.ChainHash(s.keyring.Secret(kid), prev, canonical)

	s.eventRows[runID] = append(rows, eventRow{
		seq:      seq,
		event:    withSeq,
		prevHash: prev,
		hash:     hash,
		kid:      kid,
	})
	r.LastSeq = seq
	r.UpdatedAt = s.now().UTC()

	if seq%defaultSnapshotEvery == 0 {
		s.snapshotLocked(runID)
	}
	return withSeq, nil
}

// ListUpdates implements storage.EventLog.
func (s *Store) ListUpdates(_ context.Context, runID string, sinceSeq int64) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.Event
	for _, row := range s.eventRows[runID] {
		if row.seq <= sinceSeq {
			continue
		}
		out = append(out, row.event)
		if len(out) >= defaultPageLimit {
			break
		}
	}
	return out, nil
}

// VerifyChain implements storage.EventLog.
func (s *Store) VerifyChain(_ context.Context, runID string) (*storage.ChainReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &storage.ChainReport{OK: true}
	prev := ""
	for _, row := range s.eventRows[runID] {
		canonical, err := events.Canonical(row.event)
		if err != nil {
			return nil, fmt.Errorf("verify chain %s seq %d: %w", runID, row.seq, err)
		}
		want := events.ChainHash(s.keyring.Secret(row.kid), prev, canonical)
		if row.prevHash != prev || row.hash != want {
			report.OK = false
			report.Bad = append(report.Bad, storage.ChainDivergence{
				Seq:          row.seq,
				ExpectedPrev: prev,
				StoredPrev:   row.prevHash,
				ExpectedHash: want,
				StoredHash:   row.hash,
				KID:          row.kid,
			})
		}
		prev = row.hash
		report.Checked++
	}
	return report, nil
}

// GetStepResult implements storage.StepCache.
func (s *Store) GetStepResult(_ context.Context, idemKey string) (*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.steps[idemKey]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

// SaveStepResult implements storage.StepCache.
func (s *Store) SaveStepResult(_ context.Context, idemKey string, result *models.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.steps[idemKey] = &cp
	return nil
}

// CreateApprovalRequest implements storage.ApprovalStore. Repeated creation
// for the same run keeps the earlier pending request.
func (s *Store) CreateApprovalRequest(_ context.Context, runID string, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := models.ApprovalID(runID)
	if _, ok := s.approvals[id]; !ok {
		s.approvals[id] = &models.Approval{
			ApprovalID: id,
			RunID:      runID,
			Payload:    payload,
			CreatedAt:  s.now().UTC(),
		}
	}
	return id, nil
}

// SetApprovalDecision implements storage.ApprovalStore.
func (s *Store) SetApprovalDecision(_ context.Context, runID string, decision models.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := models.ApprovalID(runID)
	apr, ok := s.approvals[id]
	if !ok {
		return fmt.Errorf("set approval decision %s: %w", id, storage.ErrApprovalNotFound)
	}
	d := decision
	now := s.now().UTC()
	apr.Decision = &d
	apr.DecidedAt = &now
	return nil
}

// GetApproval implements storage.ApprovalStore.
func (s *Store) GetApproval(_ context.Context, approvalID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apr, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("get approval %s: %w", approvalID, storage.ErrApprovalNotFound)
	}
	return cloneApproval(apr), nil
}

// ListApprovals implements storage.ApprovalStore. status filters on
// "pending" or "decided"; tenant filtering goes through the owning run.
func (s *Store) ListApprovals(_ context.Context, tenantID, status string, limit int) ([]*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Approval
	for _, apr := range s.approvals {
		if tenantID != "" {
			if r, ok := s.runs[apr.RunID]; !ok || r.TenantID != tenantID {
				continue
			}
		}
		switch status {
		case "pending":
			if apr.Decision != nil {
				continue
			}
		case "decided":
			if apr.Decision == nil {
				continue
			}
		}
		out = append(out, cloneApproval(apr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WaitForApproval implements storage.ApprovalStore by polling. The deadline
// synthesizes a system denial so every wait resolves to a decision.
func (s *Store) WaitForApproval(ctx context.Context, approvalID string) (models.ApprovalDecision, error) {
	deadline := s.now().Add(s.ApprovalWait)
	ticker := time.NewTicker(s.ApprovalPoll)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		apr, ok := s.approvals[approvalID]
		var decision *models.ApprovalDecision
		if ok && apr.Decision != nil {
			d := *apr.Decision
			decision = &d
		}
		s.mu.Unlock()

		if !ok {
			return models.ApprovalDecision{}, fmt.Errorf("wait for approval %s: %w", approvalID, storage.ErrApprovalNotFound)
		}
		if decision != nil {
			return *decision, nil
		}
		if s.now().After(deadline) {
			return models.ApprovalDecision{Decision: "denied", By: "system", TS: "timeout"}, nil
		}
		select {
		case <-ctx.Done():
			return models.ApprovalDecision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConsumeBudget implements storage.BudgetStore.
func (s *Store) ConsumeBudget(_ context.Context, runID string, delta models.BudgetDelta, limits models.Limits) (models.BudgetUsed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: %w", runID, storage.ErrRunNotFound)
	}
	next := r.BudgetUsed.Apply(delta)
	if err := storage.CheckBudget(next, delta, limits); err != nil {
		return r.BudgetUsed, err
	}
	r.BudgetUsed = next
	r.UpdatedAt = s.now().UTC()
	return next, nil
}

// ConsumeLLMQuota implements storage.QuotaStore. All scope checks pass
// before any counter moves, matching the transactional Postgres behavior.
func (s *Store) ConsumeLLMQuota(_ context.Context, charge storage.QuotaCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().UTC().Format("2006-01-02")
	scopes := quotaScopes(charge)

	for _, sc := range scopes {
		var q models.ModelQuota
		if charge.Tenant != nil {
			q = charge.Tenant.LLMQuotas.ForScope(sc.scope, charge.Model)
		}
		u := s.usage[usageKey(sc.scope, sc.id, day, charge.Model)]
		var tokens, cost, calls int64
		if u != nil {
			tokens, cost, calls = u.Tokens, u.CostUnits, u.Calls
		}
		if exceeded(tokens+charge.Tokens, q.MaxTokensPerDay) ||
			exceeded(cost+charge.CostUnits, q.MaxCostUnitsPerDay) ||
			exceeded(calls+1, q.MaxCallsPerDay) {
			return fmt.Errorf("scope %s %s model %s: %w", sc.scope, sc.id, charge.Model, storage.ErrQuotaExceeded)
		}
	}

	now := s.now().UTC()
	for _, sc := range scopes {
		key := usageKey(sc.scope, sc.id, day, charge.Model)
		u := s.usage[key]
		if u == nil {
			u = &models.QuotaUsage{Scope: sc.scope, ScopeID: sc.id, Day: day, Model: charge.Model}
			s.usage[key] = u
		}
		u.Tokens += charge.Tokens
		u.CostUnits += charge.CostUnits
		u.Calls++
		u.UpdatedAt = now
	}
	s.ledger = append(s.ledger, models.LedgerEntry{
		LedgerID:  int64(len(s.ledger)) + 1,
		TS:        now,
		TenantID:  charge.TenantID,
		OrgID:     charge.OrgID,
		UserID:    charge.UserID,
		RunID:     charge.RunID,
		Kind:      charge.Kind,
		Model:     charge.Model,
		Tokens:    charge.Tokens,
		CostUnits: charge.CostUnits,
		Meta:      charge.Meta,
	})
	return nil
}

// BillingDaily implements storage.QuotaStore.
func (s *Store) BillingDaily(_ context.Context, tenantID, orgID, day string) ([]models.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.QuotaUsage
	for _, u := range s.usage {
		if day != "" && u.Day != day {
			continue
		}
		if tenantID != "" && !(u.Scope == "tenant" && u.ScopeID == tenantID) {
			continue
		}
		if orgID != "" && !(u.Scope == "org" && u.ScopeID == orgID) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// Ledger returns a copy of the billing ledger, oldest first.
func (s *Store) Ledger() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerEntry{}, s.ledger...)
}

// AppendAudit implements storage.AuditStore.
func (s *Store) AppendAudit(_ context.Context, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := record["ts"]; !ok {
		record["ts"] = s.now().UTC().Format(time.RFC3339)
	}
	s.audit = append(s.audit, record)
	return nil
}

// AuditTrail returns a copy of the audit records, oldest first.
func (s *Store) AuditTrail() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any{}, s.audit...)
}

// SeedAuditKeys implements storage.AuditStore.
func (s *Store) SeedAuditKeys(_ context.Context, kr *events.Keyring) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditKeys = append([]models.AuditKey{}, kr.Keys...)
	return nil
}

// ListAuditKeys implements storage.AuditStore. Secrets never leave the
// store.
func (s *Store) ListAuditKeys(_ context.Context) ([]models.AuditKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditKey, 0, len(s.auditKeys))
	for _, k := range s.auditKeys {
		k.Secret = ""
		out = append(out, k)
	}
	return out, nil
}

// RotateAuditKey implements storage.AuditStore. The signing keyring and the
// mirror rotate together; existing chain rows keep their stored kid.
func (s *Store) RotateAuditKey(_ context.Context, kid, secret string, makeActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyring.Rotate(kid, secret, makeActive)
	s.auditKeys = append([]models.AuditKey{}, s.keyring.Keys...)
	return nil
}

// UpsertSnapshot implements storage.Projections.
func (s *Store) UpsertSnapshot(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("upsert snapshot %s: %w", runID, storage.ErrRunNotFound)
	}
	s.snapshotLocked(runID)
	return nil
}

// Snapshot returns the latest stored snapshot for a run, or nil.
func (s *Store) Snapshot(runID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[runID]
}

// RefreshMaterializedViews implements storage.Projections. The in-memory
// profile reads live state, so this is a no-op kept for interface parity.
func (s *Store) RefreshMaterializedViews(_ context.Context) error {
	return nil
}

// Hit implements storage.RateLimitStore with a 60s fixed window.
func (s *Store) Hit(_ context.Context, key string, limit int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	windowStart := now.Truncate(rateWindow)
	b := s.rates[key]
	if b == nil || !b.windowStart.Equal(windowStart) {
		b = &rateBucket{windowStart: windowStart}
		s.rates[key] = b
	}
	b.count++
	resetIn := int(windowStart.Add(rateWindow).Sub(now).Seconds())
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	if b.count > limit {
		return remaining, resetIn, fmt.Errorf("key %s: %w", key, storage.ErrRateLimited)
	}
	return remaining, resetIn, nil
}

// Enqueue implements storage.JobQueue.
func (s *Store) Enqueue(_ context.Context, runID, tenantID string, task *models.TaskInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	j := &models.Job{
		JobID:       "job_" + uuid.NewString(),
		RunID:       runID,
		TenantID:    tenantID,
		TaskPayload: *task,
		Status:      models.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.JobID] = j
	s.jobOrder = append(s.jobOrder, j.JobID)
	return j.JobID, nil
}

// Claim implements storage.JobQueue.
func (s *Store) Claim(_ context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status != models.JobQueued {
			continue
		}
		now := s.now().UTC()
		j.Status = models.JobRunning
		j.LockedAt = &now
		j.LockedBy = workerID
		j.UpdatedAt = now
		cp := *j
		return &cp, nil
	}
	return nil, storage.ErrNoJobsAvailable
}

// Complete implements storage.JobQueue.
func (s *Store) Complete(_ context.Context, jobID string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, found := s.jobs[jobID]
	if !found {
		return fmt.Errorf("complete job %s: %w", jobID, storage.ErrJobNotFound)
	}
	if ok {
		j.Status = models.JobDone
	} else {
		j.Status = models.JobFailed
	}
	_ = errMsg
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = s.now().UTC()
	return nil
}

// Requeue implements storage.JobQueue.
func (s *Store) Requeue(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("requeue job %s: %w", jobID, storage.ErrJobNotFound)
	}
	j.Status = models.JobQueued
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = s.now().UTC()
	return nil
}

// Heartbeat implements storage.JobQueue.
func (s *Store) Heartbeat(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("heartbeat job %s: %w", jobID, storage.ErrJobNotFound)
	}
	now := s.now().UTC()
	j.LockedAt = &now
	j.UpdatedAt = now
	return nil
}

// RequeueOrphans implements storage.JobQueue.
func (s *Store) RequeueOrphans(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-threshold)
	n := 0
	for _, j := range s.jobs {
		if j.Status != models.JobRunning {
			continue
		}
		if j.LockedAt != nil && j.LockedAt.After(cutoff) {
			continue
		}
		j.Status = models.JobQueued
		j.LockedAt = nil
		j.LockedBy = ""
		j.UpdatedAt = s.now().UTC()
		n++
	}
	return n, nil
}

// FindJob returns a copy of a job for inspection.
func (s *Store) FindJob(jobID string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// TryLockTenant implements storage.TenantLocker with a counting semaphore.
func (s *Store) TryLockTenant(_ context.Context, tenantID string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots[tenantID] >= s.TenantSlots {
		return nil, false, nil
	}
	s.slots[tenantID]++
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.slots[tenantID] > 0 {
				s.slots[tenantID]--
			}
		})
	}
	return release, true, nil
}

func (s *Store) snapshotLocked(runID string) {
	r := s.runs[runID]
	s.snapshots[runID] = map[string]any{
		"run_id":      r.RunID,
		"task_id":     r.TaskID,
		"tenant_id":   r.TenantID,
		"state":       string(r.State),
		"last_seq":    r.LastSeq,
		"budget_used": r.BudgetUsed,
		"updated_at":  s.now().UTC().Format(time.RFC3339),
	}
}

type scopeRef struct {
	scope string
	id    string
}

func quotaScopes(c storage.QuotaCharge) []scopeRef {
	scopes := []scopeRef{{"tenant", c.TenantID}}
	if c.OrgID != "" {
		scopes = append(scopes, scopeRef{"org", c.OrgID})
	}
	if c.UserID != "" {
		scopes = append(scopes, scopeRef{"user", c.UserID})
	}
	return scopes
}

func usageKey(scope, scopeID, day, model string) string {
	return scope + "|" + scopeID + "|" + day + "|" + model
}

func exceeded(next, limit int64) bool {
	return limit > 0 && next > limit
}

func cloneRun(r *models.Run) *models.Run {
	cp := *r
	cp.Tags = append([]string{}, r.Tags...)
	cp.BudgetUsed = r.BudgetUsed.Clone()
	if r.TaskInput != nil {
		t := *r.TaskInput
		cp.TaskInput = &t
	}
	return &cp
}

func cloneApproval(a *models.Approval) *models.Approval {
	cp := *a
	if a.Decision != nil {
		d := *a.Decision
		cp.Decision = &d
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func runMatchesQuery(r *models.Run, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(r.Title), q) || strings.Contains(strings.ToLower(r.RunID), q) {
		return true
	}
	return r.TaskInput != nil && strings.Contains(strings.ToLower(r.TaskInput.UserMessage), q)
}

func page(runs []*models.Run, offset, limit int) []*models.Run {
	if offset >= len(runs) {
		return []*models.Run{}
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
