package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aetherhq/aether/pkg/models"
)

// GetStepResult implements storage.StepCache.
func (s *Store) GetStepResult(ctx context.Context, idemKey string) (*models.StepResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM step_cache WHERE idem_key=$1`, idemKey).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step result %s: %w", idemKey, err)
	}
	var res models.StepResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("get step result %s: unmarshal: %w", idemKey, err)
	}
	return &res, nil
}

// SaveStepResult implements storage.StepCache.
func (s *Store) SaveStepResult(ctx context.Context, idemKey string, result *models.StepResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("save step result %s: marshal: %w", idemKey, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO step_cache(idem_key, payload) VALUES($1,$2::jsonb)
		 ON CONFLICT (idem_key) DO UPDATE SET payload=EXCLUDED.payload`,
		idemKey, payload)
	if err != nil {
		return fmt.Errorf("save step result %s: %w", idemKey, err)
	}
	return nil
}
