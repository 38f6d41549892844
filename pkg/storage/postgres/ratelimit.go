package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/aetherhq/aether/pkg/storage"
)

const rateWindow = 60 * time.Second

// Hit implements storage.RateLimitStore with an atomic upsert-increment on
// the (key, window_start) counter.
func (s *Store) Hit(ctx context.Context, key string, limit int) (int, int, error) {
	now := time.Now().UTC()
	windowStart := now.Truncate(rateWindow).Unix()

	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits(key, window_start, count)
		VALUES($1, $2, 1)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = rate_limits.count + 1, updated_at=now()
		RETURNING count`, key, windowStart).Scan(&count)
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit hit %s: %w", key, err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	resetIn := int(windowStart + int64(rateWindow.Seconds()) - now.Unix())
	if resetIn < 0 {
		resetIn = 0
	}
	if int(count) > limit {
		return remaining, resetIn, fmt.Errorf("key %s: %w", key, storage.ErrRateLimited)
	}
	return remaining, resetIn, nil
}
