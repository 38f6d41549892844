package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aetherhq/aether/pkg/models"
	"github.com/aetherhq/aether/pkg/storage"
)

const runColumns = `r.run_id, r.task_id, r.tenant_id, r.state, COALESCE(r.title,''), r.tags, r.budget_used, r.task_input,
	COALESCE((SELECT MAX(seq) FROM run_events e WHERE e.run_id = r.run_id), 0), r.created_at, r.updated_at`

// CreateOrLoadRun implements storage.RunStore.
func (s *Store) CreateOrLoadRun(ctx context.Context, taskID, tenantID string) (*models.Run, error) {
	runID := "run_" + taskID
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs(task_id, run_id, tenant_id, state) VALUES($1,$2,$3,'submitted')
		 ON CONFLICT (task_id) DO NOTHING`,
		taskID, runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("create run for task %s: %w", taskID, err)
	}
	return s.FindRun(ctx, runID)
}

// SetRunState implements storage.RunStore.
func (s *Store) SetRunState(ctx context.Context, runID string, state models.RunState) error {
	if !models.ValidRunState(state) {
		return fmt.Errorf("set run state %s: invalid state %q", runID, state)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state=$1, updated_at=now() WHERE run_id=$2`, string(state), runID)
	if err != nil {
		return fmt.Errorf("set run state %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run state %s: %w", runID, storage.ErrRunNotFound)
	}
	return s.UpsertSnapshot(ctx, runID)
}

// FindRun implements storage.RunStore.
func (s *Store) FindRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.run_id=$1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find run %s: %w", runID, storage.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find run %s: %w", runID, err)
	}
	return run, nil
}

// SaveTaskInput implements storage.RunStore.
func (s *Store) SaveTaskInput(ctx context.Context, runID string, task *models.TaskInput) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("save task input %s: marshal: %w", runID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET task_input=$1::jsonb, updated_at=now() WHERE run_id=$2`, payload, runID)
	if err != nil {
		return fmt.Errorf("save task input %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save task input %s: %w", runID, storage.ErrRunNotFound)
	}
	return s.UpsertSnapshot(ctx, runID)
}

// UpdateRunMetadata implements storage.RunStore.
func (s *Store) UpdateRunMetadata(ctx context.Context, runID string, title *string, tags []string) (*models.Run, error) {
	if title != nil {
		if _, err := s.pool.Exec(ctx,
			`UPDATE runs SET title=$1, updated_at=now() WHERE run_id=$2`, *title, runID); err != nil {
			return nil, fmt.Errorf("update run title %s: %w", runID, err)
		}
	}
	if tags != nil {
		payload, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("update run tags %s: marshal: %w", runID, err)
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE runs SET tags=$1::jsonb, updated_at=now() WHERE run_id=$2`, payload, runID); err != nil {
			return nil, fmt.Errorf("update run tags %s: %w", runID, err)
		}
	}
	if err := s.UpsertSnapshot(ctx, runID); err != nil {
		return nil, err
	}
	return s.FindRun(ctx, runID)
}

// ListRuns implements storage.RunStore against the runs materialized view.
func (s *Store) ListRuns(ctx context.Context, f storage.RunFilter) ([]*models.Run, error) {
	q := `SELECT run_id, task_id, tenant_id, state, COALESCE(title,''), tags, budget_used, last_seq, created_at, updated_at
	      FROM runs_mv WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		q += " AND tenant_id=" + arg(f.TenantID)
	}
	if f.State != "" {
		q += " AND state=" + arg(string(f.State))
	}
	if f.Tag != "" {
		q += " AND tags ? " + arg(f.Tag)
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		q += fmt.Sprintf(" AND (run_id ILIKE %s OR task_id ILIKE %s OR COALESCE(title,'') ILIKE %s)", p, p, p)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY updated_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		var (
			r          models.Run
			tags       []byte
			budgetUsed []byte
		)
		var state string
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.TenantID, &state, &r.Title,
			&tags, &budgetUsed, &r.LastSeq, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list runs: scan: %w", err)
		}
		r.State = models.RunState(state)
		if err := unmarshalRunJSON(&r, tags, budgetUsed, nil); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		r          models.Run
		state      string
		tags       []byte
		budgetUsed []byte
		taskInput  []byte
	)
	if err := row.Scan(&r.RunID, &r.TaskID, &r.TenantID, &state, &r.Title,
		&tags, &budgetUsed, &taskInput, &r.LastSeq, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = models.RunState(state)
	if err := unmarshalRunJSON(&r, tags, budgetUsed, taskInput); err != nil {
		return nil, err
	}
	return &r, nil
}

func unmarshalRunJSON(r *models.Run, tags, budgetUsed, taskInput []byte) error {
	r.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(budgetUsed) > 0 {
		if err := json.Unmarshal(budgetUsed, &r.BudgetUsed); err != nil {
			return fmt.Errorf("unmarshal budget_used: %w", err)
		}
	}
	if len(taskInput) > 0 {
		var t models.TaskInput
		if err := json.Unmarshal(taskInput, &t); err != nil {
			return fmt.Errorf("unmarshal task_input: %w", err)
		}
		r.TaskInput = &t
	}
	return nil
}

// UpsertSnapshot implements storage.Projections.
func (s *Store) UpsertSnapshot(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_snapshots(run_id, tenant_id, last_seq, state, title, tags, budget_used, updated_at)
		SELECT r.run_id, r.tenant_id,
		       COALESCE((SELECT MAX(seq) FROM run_events e WHERE e.run_id = r.run_id), 0),
		       r.state, r.title, r.tags, r.budget_used, now()
		FROM runs r WHERE r.run_id=$1
		ON CONFLICT (run_id) DO UPDATE
		  SET last_seq=EXCLUDED.last_seq, state=EXCLUDED.state, title=EXCLUDED.title,
		      tags=EXCLUDED.tags, budget_used=EXCLUDED.budget_used, updated_at=now()`, runID)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert snapshot %s: %w", runID, storage.ErrRunNotFound)
	}
	return nil
}

// RefreshMaterializedViews implements storage.Projections. Refresh is best
// effort; a concurrent refresh already in flight is not an error.
func (s *Store) RefreshMaterializedViews(ctx context.Context) error {
	for _, mv := range []string{"runs_mv", "approvals_mv"} {
		if _, err := s.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW "+mv); err != nil {
			return fmt.Errorf("refresh %s: %w", mv, err)
		}
	}
	return nil
}
