package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/concord/internal/model"
)

// RetryPolicy bounds the attempts made for one collaborator call
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// PolicyFromConfig converts the retry section of the configuration
func PolicyFromConfig(cfg model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:  cfg.Attempts,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
	}
}

// backoff returns the delay before attempt n (1-based) doubles per attempt
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
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

// Guard runs collaborator calls under the shared rate limiter with bounded retries
type Guard struct {
	limiter *Limiter
	policy  RetryPolicy
	sleep   SleepFunc
}

// NewGuard creates a guard. A nil limiter disables rate limiting.
func NewGuard(limiter *Limiter, policy RetryPolicy) *Guard {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &Guard{
		limiter: limiter,
		policy:  policy,
		sleep:   sleepContext,
	}
}

// WithSleep replaces the wait between attempts (tests use it to skip real delays)
func (g *Guard) WithSleep(sleep SleepFunc) *Guard {
	g.sleep = sleep
	return g
}

// Do calls fn until it succeeds, fails with a non-retryable error, or attempts run out.
// The returned error wraps the last failure with the attempt count.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= g.policy.Attempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.policy.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx, key); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !model.IsRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", key, g.policy.Attempts, lastErr)
}
