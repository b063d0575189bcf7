package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to the wrapped provider.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with a burst of one.
// rps <= 0 returns p unchanged.
func NewRateLimited(p Provider, rps float64) Provider {
	if rps <= 0 {
		return p
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (r *RateLimited) Generate(ctx context.Context, prompt string, s Settings) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s: rate limit wait: %w", r.Name(), err)
	}
	return r.Provider.Generate(ctx, prompt, s)
}

// Retrying re-issues failed calls with exponential backoff. Permanent
// failures (client errors, a done context) are returned after one attempt.
type Retrying struct {
	Provider
	attempts int
	backoff  time.Duration
}

// NewRetrying wraps p so each call is tried up to 1+retries times.
// retries <= 0 returns p unchanged.
func NewRetrying(p Provider, retries int, backoff time.Duration) Provider {
	if retries <= 0 {
		return p
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Retrying{Provider: p, attempts: retries + 1, backoff: backoff}
}

func (r *Retrying) Generate(ctx context.Context, prompt string, s Settings) (string, error) {
	var lastErr error
	wait := r.backoff
	attempts := 0
	for i := 0; i < r.attempts; i++ {
		attempts++
		out, err := r.Provider.Generate(ctx, prompt, s)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || i == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return "", fmt.Errorf("%s: gave up after %d attempt(s): %w", r.Name(), attempts, lastErr)
}
