package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/storage"
)

const listUpdatesLimit = 5000

// PersistUpdate implements storage.EventLog. The seq assignment and the
// chain link are computed inside one transaction with the previous row
// locked, so concurrent writers cannot fork the chain.
func (s *Store) PersistUpdate(ctx context.Context, runID string, ev events.Event) (events.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("persist update %s: begin: %w", runID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		lastSeq  int64
		prevHash string
	)
	err = tx.QueryRow(ctx,
		`SELECT seq, COALESCE(hash,'') FROM run_events WHERE run_id=$1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		runID).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("persist update %s: read chain head: %w", runID, err)
	}

	seq := lastSeq + 1
	withSeq := ev.WithSeq(seq)
	canonical, err := events.Canonical(withSeq)
	if err != nil {
		return nil, fmt.Errorf("persist update %s: canonicalize: %w", runID, err)
	}
	kid := s.keyring.ActiveKID
	hash := events.ChainHash(s.keyring.Secret(kid), prevHash, canonical)

	payload, err := json.Marshal(withSeq)
	if err != nil {
		return nil, fmt.Errorf("persist update %s: marshal: %w", runID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO run_events(run_id, seq, event, canonical, prev_hash, hash, key_id)
		 VALUES($1,$2,$3::jsonb,$4,$5,$6,$7)`,
		runID, seq, payload, canonical, prevHash, hash, kid)
	if err != nil {
		return nil, fmt.Errorf("persist update %s: insert: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET updated_at=now() WHERE run_id=$1`, runID); err != nil {
		return nil, fmt.Errorf("persist update %s: touch run: %w", runID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("persist update %s: commit: %w", runID, err)
	}

	if s.cfg.SnapshotEvery > 0 && seq%s.cfg.SnapshotEvery == 0 {
		if err := s.UpsertSnapshot(ctx, runID); err != nil {
			return nil, err
		}
	}
	if s.cfg.RefreshMVEvery > 0 && seq%s.cfg.RefreshMVEvery == 0 {
		// Best effort; the write already committed.
		_ = s.RefreshMaterializedViews(ctx)
	}
	return withSeq, nil
}

// ListUpdates implements storage.EventLog.
func (s *Store) ListUpdates(ctx context.Context, runID string, sinceSeq int64) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, event FROM run_events WHERE run_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		runID, sinceSeq, listUpdatesLimit)
	if err != nil {
		return nil, fmt.Errorf("list updates %s: %w", runID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("list updates %s: scan: %w", runID, err)
		}
		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("list updates %s seq %d: unmarshal: %w", runID, seq, err)
		}
		out = append(out, ev.WithSeq(seq))
	}
	return out, rows.Err()
}

// VerifyChain implements storage.EventLog. Each row is recomputed with the
// secret for its stored key id; rotation keeps old rows verifiable.
func (s *Store) VerifyChain(ctx context.Context, runID string) (*storage.ChainReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, canonical, COALESCE(prev_hash,''), COALESCE(hash,''), COALESCE(key_id,'')
		 FROM run_events WHERE run_id=$1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("verify chain %s: %w", runID, err)
	}
	defer rows.Close()

	report := &storage.ChainReport{OK: true}
	prev := ""
	for rows.Next() {
		var (
			seq                            int64
			canonical, ph, storedHash, kid string
		)
		if err := rows.Scan(&seq, &canonical, &ph, &storedHash, &kid); err != nil {
			return nil, fmt.Errorf("verify chain %s: scan: %w", runID, err)
		}
		if kid == "" {
			kid = s.keyring.ActiveKID
		}
		want := events.ChainHash(s.keyring.Secret(kid), prev, canonical)
		if ph != prev || storedHash != want {
			report.OK = false
			if len(report.Bad) < 20 {
				report.Bad = append(report.Bad, storage.ChainDivergence{
					Seq:          seq,
					ExpectedPrev: prev,
					StoredPrev:   ph,
					ExpectedHash: want,
					StoredHash:   storedHash,
					KID:          kid,
				})
			}
		}
		prev = storedHash
		report.Checked++
	}
	return report, rows.Err()
}
