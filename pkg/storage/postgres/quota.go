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

// ConsumeLLMQuota implements storage.QuotaStore. All scope counters move in
// one transaction, so a rejection at any scope leaves none of them debited.
func (s *Store) ConsumeLLMQuota(ctx context.Context, charge storage.QuotaCharge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("consume llm quota: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	day := time.Now().UTC().Format("2006-01-02")
	scopes := []struct {
		scope string
		id    string
	}{
		{"tenant", charge.TenantID},
		{"org", charge.OrgID},
		{"user", charge.UserID},
	}
	for _, sc := range scopes {
		if sc.id == "" {
			continue
		}
		var quota models.ModelQuota
		if charge.Tenant != nil {
			quota = charge.Tenant.LLMQuotas.ForScope(sc.scope, charge.Model)
		}
		if err := s.debitScope(ctx, tx, sc.scope, sc.id, day, charge, quota); err != nil {
			return err
		}
	}

	meta := charge.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaBody, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("consume llm quota: marshal meta: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO billing_ledger(tenant_id, org_id, user_id, run_id, kind, model, tokens, cost_units, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
		charge.TenantID, nullable(charge.OrgID), nullable(charge.UserID), nullable(charge.RunID),
		charge.Kind, charge.Model, charge.Tokens, charge.CostUnits, metaBody)
	if err != nil {
		return fmt.Errorf("consume llm quota: ledger: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consume llm quota: commit: %w", err)
	}
	return nil
}

func (s *Store) debitScope(ctx context.Context, tx pgx.Tx, scope, scopeID, day string, charge storage.QuotaCharge, quota models.ModelQuota) error {
	var tokens, cost, calls int64
	err := tx.QueryRow(ctx,
		`SELECT tokens, cost_units, calls FROM llm_usage_daily
		 WHERE scope=$1 AND scope_id=$2 AND day=$3 AND model=$4 FOR UPDATE`,
		scope, scopeID, day, charge.Model).Scan(&tokens, &cost, &calls)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("consume llm quota %s %s: %w", scope, scopeID, err)
	}

	tokens += charge.Tokens
	cost += charge.CostUnits
	calls++
	if overQuota(tokens, quota.MaxTokensPerDay) ||
		overQuota(cost, quota.MaxCostUnitsPerDay) ||
		overQuota(calls, quota.MaxCallsPerDay) {
		return fmt.Errorf("scope %s %s model %s: %w", scope, scopeID, charge.Model, storage.ErrQuotaExceeded)
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE llm_usage_daily SET tokens=$1, cost_units=$2, calls=$3, updated_at=now()
			 WHERE scope=$4 AND scope_id=$5 AND day=$6 AND model=$7`,
			tokens, cost, calls, scope, scopeID, day, charge.Model)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO llm_usage_daily(scope, scope_id, day, model, tokens, cost_units, calls)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			scope, scopeID, day, charge.Model, tokens, cost, calls)
	}
	if err != nil {
		return fmt.Errorf("consume llm quota %s %s: write: %w", scope, scopeID, err)
	}
	return nil
}

// BillingDaily implements storage.QuotaStore. Org takes precedence over
// tenant when both are supplied.
func (s *Store) BillingDaily(ctx context.Context, tenantID, orgID, day string) ([]models.QuotaUsage, error) {
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	scope, scopeID := "tenant", tenantID
	if orgID != "" {
		scope, scopeID = "org", orgID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT scope, scope_id, day, model, tokens, cost_units, calls, updated_at
		 FROM llm_usage_daily WHERE day=$1 AND scope=$2 AND scope_id=$3 ORDER BY model`,
		day, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("billing daily: %w", err)
	}
	defer rows.Close()

	var out []models.QuotaUsage
	for rows.Next() {
		var (
			u models.QuotaUsage
			d time.Time
		)
		if err := rows.Scan(&u.Scope, &u.ScopeID, &d, &u.Model, &u.Tokens, &u.CostUnits, &u.Calls, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("billing daily: scan: %w", err)
		}
		u.Day = d.Format("2006-01-02")
		out = append(out, u)
	}
	return out, rows.Err()
}

func overQuota(next, limit int64) bool {
	return limit > 0 && next > limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
