package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// tenantLockKey derives a stable advisory lock key from a tenant id.
func tenantLockKey(tenantID string) int64 {
	h := sha256.Sum256([]byte(tenantID))
	n := binary.BigEndian.Uint64(h[:8]) % (1<<63 - 1)
	return int64(n)
}

// TryLockTenant implements storage.TenantLocker. Each tenant gets
// TenantSlots advisory lock keys (base key + slot index); holding any one
// of them admits a worker. Advisory locks are session scoped, so the
// connection stays pinned until release.
func (s *Store) TryLockTenant(ctx context.Context, tenantID string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock tenant %s: acquire conn: %w", tenantID, err)
	}

	base := tenantLockKey(tenantID)
	for i := 0; i < s.cfg.TenantSlots; i++ {
		key := base + int64(i)
		var got bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			conn.Release()
			return nil, false, fmt.Errorf("lock tenant %s: %w", tenantID, err)
		}
		if got {
			release := func() {
				// Background context: release must work even when the
				// worker's context is already canceled.
				_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
				conn.Release()
			}
			return release, true, nil
		}
	}
	conn.Release()
	return nil, false, nil
}
