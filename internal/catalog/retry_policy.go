package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy is the single retry rule shared by the task queue and the
// worker. Retry counts are zero-based: retryCount 0 is the first attempt and
// MaxRetries extra attempts follow it.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryHooks observe an Execute run. OnGiveUp is the terminal action; it runs
// once when the policy stops retrying a failed operation.
type RetryHooks struct {
	OnRetry  func(retryCount int, err error, wait time.Duration)
	OnGiveUp func(retryCount int, err error)
}

// NewRetryPolicy builds a policy with exponential backoff capped at maxDelay.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// ShouldRetry decides whether a failure at retryCount earns another attempt.
func (p RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if err == nil {
		return false
	}
	if retryCount >= p.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var status *HTTPStatusError
	if errors.As(err, &status) && status.Permanent() {
		return false
	}
	return true
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Execute runs op until it succeeds, the policy gives up, or ctx ends. It
// returns the retry count of the last attempt.
func (p RetryPolicy) Execute(
	ctx context.Context,
	op func(ctx context.Context, retryCount int) error,
	hooks RetryHooks,
) (int, error) {
	for retryCount := 0; ; retryCount++ {
		err := op(ctx, retryCount)
		if err == nil {
			return retryCount, nil
		}
		if ctx.Err() != nil {
			return retryCount, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		if !p.ShouldRetry(err, retryCount) {
			if hooks.OnGiveUp != nil {
				hooks.OnGiveUp(retryCount, err)
			}
			return retryCount, err
		}
		wait := p.Backoff(retryCount)
		if hooks.OnRetry != nil {
			hooks.OnRetry(retryCount+1, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return retryCount, fmt.Errorf("retry backoff interrupted: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
