package retry

import (
	"context"
	"time"

	"github.com/aetherhq/aether/pkg/models"
)

const defaultBackoff = 250 * time.Millisecond

// Call is one attempt at a tool invocation.
type Call func(ctx context.Context) (map[string]any, error)

// Runner executes a call under a registry-declared retry class. Sleep is
// injectable so tests can run without waiting.
type Runner struct {
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a Runner with a context-aware sleep.
func NewRunner() *Runner {
	return &Runner{Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs call up to rc.MaxAttempts times. A failed attempt is retried only
// when its class appears in rc.RetryOn and is not inherently non-retryable.
// The backoff schedule is positional: attempt N sleeps
// backoff_ms[min(N-1, last)]. It returns the output, the final classified
// error (nil on success), and the number of attempts made.
func (r *Runner) Do(ctx context.Context, rc models.RetryClass, call Call) (map[string]any, *models.StepError, int) {
	maxAttempts := rc.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryOn := make(map[models.ErrorClass]bool, len(rc.RetryOn))
	for _, c := range rc.RetryOn {
		retryOn[c] = true
	}

	attempts := 0
	var lastErr *models.StepError
	for attempts < maxAttempts {
		attempts++
		out, err := call(ctx)
		if err == nil {
			return out, nil, attempts
		}
		class := Classify(err)
		lastErr = &models.StepError{Class: class, Message: err.Error()}
		if !class.Retryable() || !retryOn[class] || attempts >= maxAttempts {
			return nil, lastErr, attempts
		}

		delay := defaultBackoff
		if len(rc.BackoffMS) > 0 {
			idx := attempts - 1
			if idx >= len(rc.BackoffMS) {
				idx = len(rc.BackoffMS) - 1
			}
			delay = time.Duration(rc.BackoffMS[idx]) * time.Millisecond
		}
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = &models.StepError{Class: models.ErrorClassTimeout, Message: err.Error()}
			return nil, lastErr, attempts
		}
	}
	return nil, lastErr, attempts
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}
