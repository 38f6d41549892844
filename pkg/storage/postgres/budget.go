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

// ConsumeBudget implements storage.BudgetStore as a check-then-increment on
// runs.budget_used with the row locked.
func (s *Store) ConsumeBudget(ctx context.Context, runID string, delta models.BudgetDelta, limits models.Limits) (models.BudgetUsed, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: begin: %w", runID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT budget_used FROM runs WHERE run_id=$1 FOR UPDATE`, runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: %w", runID, storage.ErrRunNotFound)
	}
	if err != nil {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: %w", runID, err)
	}

	var used models.BudgetUsed
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &used); err != nil {
			return models.BudgetUsed{}, fmt.Errorf("consume budget %s: unmarshal: %w", runID, err)
		}
	}
	next := used.Apply(delta)
	if err := storage.CheckBudget(next, delta, limits); err != nil {
		return used, err
	}

	body, err := json.Marshal(next)
	if err != nil {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: marshal: %w", runID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET budget_used=$1::jsonb, updated_at=now() WHERE run_id=$2`, body, runID); err != nil {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: update: %w", runID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.BudgetUsed{}, fmt.Errorf("consume budget %s: commit: %w", runID, err)
	}
	return next, nil
}
