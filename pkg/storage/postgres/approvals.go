package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/storage"
)

// CreateApprovalRequest implements storage.ApprovalStore.
func (s *Store) CreateApprovalRequest(ctx context.Context, runID string, payload map[string]any) (string, error) {
	id := models.ApprovalID(runID)
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("create approval %s: marshal: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO approvals(approval_id, run_id, payload) VALUES($1,$2,$3::jsonb)
		 ON CONFLICT (approval_id) DO UPDATE SET payload=EXCLUDED.payload`,
		id, runID, body)
	if err != nil {
		return "", fmt.Errorf("create approval %s: %w", id, err)
	}
	_ = s.RefreshMaterializedViews(ctx)
	return id, nil
}

// SetApprovalDecision implements storage.ApprovalStore.
func (s *Store) SetApprovalDecision(ctx context.Context, runID string, decision models.ApprovalDecision) error {
	id := models.ApprovalID(runID)
	body, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("set approval decision %s: marshal: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET decision=$1::jsonb, decided_at=now() WHERE approval_id=$2`, body, id)
	if err != nil {
		return fmt.Errorf("set approval decision %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set approval decision %s: %w", id, storage.ErrApprovalNotFound)
	}
	_ = s.RefreshMaterializedViews(ctx)
	return nil
}

// GetApproval implements storage.ApprovalStore.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*models.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT approval_id, run_id, payload, decision, created_at, decided_at
		 FROM approvals WHERE approval_id=$1`, approvalID)
	apr, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get approval %s: %w", approvalID, storage.ErrApprovalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", approvalID, err)
	}
	return apr, nil
}

// ListApprovals implements storage.ApprovalStore. Tenant scoping goes
// through the owning run.
func (s *Store) ListApprovals(ctx context.Context, tenantID, status string, limit int) ([]*models.Approval, error) {
	cond := "1=1"
	switch status {
	case "pending":
		cond = "a.decision IS NULL"
	case "decided":
		cond = "a.decision IS NOT NULL"
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT a.approval_id, a.run_id, a.payload, a.decision, a.created_at, a.decided_at
		 FROM approvals a JOIN runs r ON r.run_id=a.run_id
		 WHERE ($1='' OR r.tenant_id=$1) AND `+cond+`
		 ORDER BY a.created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		apr, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		out = append(out, apr)
	}
	return out, rows.Err()
}

// WaitForApproval implements storage.ApprovalStore by polling the decision
// column until the configured deadline, then synthesizing a system denial.
func (s *Store) WaitForApproval(ctx context.Context, approvalID string) (models.ApprovalDecision, error) {
	deadline := time.Now().Add(s.cfg.ApprovalWait)
	ticker := time.NewTicker(s.cfg.ApprovalPoll)
	defer ticker.Stop()

	for {
		var body []byte
		err := s.pool.QueryRow(ctx,
			`SELECT decision FROM approvals WHERE approval_id=$1`, approvalID).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ApprovalDecision{}, fmt.Errorf("wait for approval %s: %w", approvalID, storage.ErrApprovalNotFound)
		}
		if err != nil {
			return models.ApprovalDecision{}, fmt.Errorf("wait for approval %s: %w", approvalID, err)
		}
		if len(body) > 0 {
			var d models.ApprovalDecision
			if err := json.Unmarshal(body, &d); err != nil {
				return models.ApprovalDecision{}, fmt.Errorf("wait for approval %s: unmarshal: %w", approvalID, err)
			}
			return d, nil
		}
		if time.Now().After(deadline) {
			return models.ApprovalDecision{Decision: "denied", By: "system", TS: "timeout"}, nil
		}
		select {
		case <-ctx.Done():
			return models.ApprovalDecision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func scanApproval(row pgx.Row) (*models.Approval, error) {
	var (
		apr       models.Approval
		payload   []byte
		decision  []byte
		decidedAt *time.Time
	)
	if err := row.Scan(&apr.ApprovalID, &apr.RunID, &payload, &decision, &apr.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &apr.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(decision) > 0 {
		var d models.ApprovalDecision
		if err := json.Unmarshal(decision, &d); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		apr.Decision = &d
	}
	apr.DecidedAt = decidedAt
	return &apr, nil
}
