package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorClass
	}{
		{"nil", nil, models.ErrorClassUnknown},
		{"unauthorized", errors.New("401 unauthorized"), models.ErrorClassAuth},
		{"forbidden", errors.New("forbidden for role"), models.ErrorClassPermission},
		{"rate limit", errors.New("429 rate limit"), models.ErrorClassRateLimit},
		{"timeout", errors.New("request timeout"), models.ErrorClassTimeout},
		{"deadline", context.DeadlineExceeded, models.ErrorClassTimeout},
		{"wrapped deadline", fmt.Errorf("tool call: %w", context.DeadlineExceeded), models.ErrorClassTimeout},
		{"not found", errors.New("customer not found"), models.ErrorClassNotFound},
		{"conflict", errors.New("409 conflict"), models.ErrorClassConflict},
		{"validation", errors.New("invalid argument"), models.ErrorClassValidation},
		{"upstream", errors.New("upstream 5xx"), models.ErrorClassUpstream},
		{"network", errors.New("network unreachable"), models.ErrorClassTransient},
		{"unknown", errors.New("boom"), models.ErrorClassUnknown},
		{"pre-classified", Errorf(models.ErrorClassBudget, "budget exceeded: max_tool_calls"), models.ErrorClassBudget},
		{"wrapped pre-classified", fmt.Errorf("step s3: %w", Errorf(models.ErrorClassQuota, "quota exceeded")), models.ErrorClassQuota},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestNonRetryableSet(t *testing.T) {
	for _, c := range []models.ErrorClass{
		models.ErrorClassAuth, models.ErrorClassPermission, models.ErrorClassValidation,
		models.ErrorClassBudget, models.ErrorClassQuota, models.ErrorClassIdempotency,
		models.ErrorClassApprovalDenied, models.ErrorClassPolicy, models.ErrorClassRBAC,
	} {
		assert.False(t, c.Retryable(), "class %s must be non-retryable", c)
	}
	for _, c := range []models.ErrorClass{
		models.ErrorClassRateLimit, models.ErrorClassTimeout, models.ErrorClassTransient,
		models.ErrorClassUpstream, models.ErrorClassUnknown,
	} {
		assert.True(t, c.Retryable(), "class %s must be retryable", c)
	}
}

func noSleepRunner(t *testing.T) (*Runner, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	r := &Runner{Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}
	return r, &slept
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r, slept := noSleepRunner(t)
	out, stepErr, attempts := r.Do(context.Background(), models.RetryClass{MaxAttempts: 3}, func(context.Context) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	require.Nil(t, stepErr)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Empty(t, *slept)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	r, slept := noSleepRunner(t)
	rc := models.RetryClass{
		MaxAttempts: 3,
		BackoffMS:   []int{100, 400},
		RetryOn:     []models.ErrorClass{models.ErrorClassRateLimit},
	}
	calls := 0
	out, stepErr, attempts := r.Do(context.Background(), rc, func(context.Context) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("429 rate limit")
		}
		return map[string]any{"message_id": "msg_9012"}, nil
	})

	require.Nil(t, stepErr)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "msg_9012", out["message_id"])
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, *slept)
}

func TestDoBackoffScheduleClampsToLast(t *testing.T) {
	r, slept := noSleepRunner(t)
	rc := models.RetryClass{
		MaxAttempts: 4,
		BackoffMS:   []int{50, 200},
		RetryOn:     []models.ErrorClass{models.ErrorClassTransient},
	}
	_, stepErr, attempts := r.Do(context.Background(), rc, func(context.Context) (map[string]any, error) {
		return nil, errors.New("network down")
	})

	require.NotNil(t, stepErr)
	assert.Equal(t, models.ErrorClassTransient, stepErr.Class)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	r, slept := noSleepRunner(t)
	rc := models.RetryClass{
		MaxAttempts: 5,
		RetryOn:     []models.ErrorClass{models.ErrorClassValidation},
	}
	_, stepErr, attempts := r.Do(context.Background(), rc, func(context.Context) (map[string]any, error) {
		return nil, errors.New("validation failed")
	})

	require.NotNil(t, stepErr)
	assert.Equal(t, models.ErrorClassValidation, stepErr.Class)
	assert.Equal(t, 1, attempts, "non-retryable classes never re-attempt even when listed in retry_on")
	assert.Empty(t, *slept)
}

func TestDoClassNotInRetryOnStops(t *testing.T) {
	r, _ := noSleepRunner(t)
	rc := models.RetryClass{
		MaxAttempts: 5,
		RetryOn:     []models.ErrorClass{models.ErrorClassRateLimit},
	}
	_, stepErr, attempts := r.Do(context.Background(), rc, func(context.Context) (map[string]any, error) {
		return nil, errors.New("upstream 5xx")
	})

	require.NotNil(t, stepErr)
	assert.Equal(t, models.ErrorClassUpstream, stepErr.Class)
	assert.Equal(t, 1, attempts)
}

func TestDoZeroMaxAttemptsRunsOnce(t *testing.T) {
	r, _ := noSleepRunner(t)
	calls := 0
	_, _, attempts := r.Do(context.Background(), models.RetryClass{}, func(context.Context) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoCancelledSleepStops(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc := models.RetryClass{
		MaxAttempts: 3,
		BackoffMS:   []int{10_000},
		RetryOn:     []models.ErrorClass{models.ErrorClassRateLimit},
	}
	_, stepErr, attempts := r.Do(ctx, rc, func(context.Context) (map[string]any, error) {
		return nil, errors.New("429 rate limit")
	})

	require.NotNil(t, stepErr)
	assert.Equal(t, 1, attempts)
}
