package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/models"
)

// AppendAudit implements storage.AuditStore.
func (s *Store) AppendAudit(ctx context.Context, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("append audit: marshal: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_log(record) VALUES($1::jsonb)`, body); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// SeedAuditKeys implements storage.AuditStore. Secrets land in the mirror
// but a key's active flag in the database is only forced to match the
// keyring's active kid; existing flags are otherwise preserved.
func (s *Store) SeedAuditKeys(ctx context.Context, kr *events.Keyring) error {
	for _, k := range kr.Keys {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audit_keys(kid, secret, active) VALUES($1,$2,$3)
			 ON CONFLICT (kid) DO UPDATE SET secret=EXCLUDED.secret`,
			k.KID, k.Secret, k.Active)
		if err != nil {
			return fmt.Errorf("seed audit key %s: %w", k.KID, err)
		}
	}
	if _, err := s.pool.Exec(ctx, `UPDATE audit_keys SET active = (kid=$1)`, kr.ActiveKID); err != nil {
		return fmt.Errorf("seed audit keys: set active: %w", err)
	}
	return nil
}

// ListAuditKeys implements storage.AuditStore. Secrets never leave the
// database through this read.
func (s *Store) ListAuditKeys(ctx context.Context) ([]models.AuditKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kid, active, created_at FROM audit_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list audit keys: %w", err)
	}
	defer rows.Close()

	var out []models.AuditKey
	for rows.Next() {
		var k models.AuditKey
		if err := rows.Scan(&k.KID, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("list audit keys: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RotateAuditKey implements storage.AuditStore. The in-process keyring and
// the database mirror rotate together; chain rows keep their stored kid so
// history stays verifiable.
func (s *Store) RotateAuditKey(ctx context.Context, kid, secret string, makeActive bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rotate audit key %s: begin: %w", kid, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_keys(kid, secret, active) VALUES($1,$2,$3)
		 ON CONFLICT (kid) DO UPDATE SET secret=EXCLUDED.secret, active=EXCLUDED.active`,
		kid, secret, makeActive)
	if err != nil {
		return fmt.Errorf("rotate audit key %s: %w", kid, err)
	}
	if makeActive {
		if _, err := tx.Exec(ctx, `UPDATE audit_keys SET active = (kid=$1)`, kid); err != nil {
			return fmt.Errorf("rotate audit key %s: set active: %w", kid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rotate audit key %s: commit: %w", kid, err)
	}
	s.keyring.Rotate(kid, secret, makeActive)
	return nil
}
